package monitor

import "strings"

// TaskCheck answers whether the cumulative occupancy accomplishes the named
// scenario's task. ok is false when the scenario has no rule.
//
// Expectations:
//   - treasure_hunt: false when the chest is never entered
//   - treasure_hunt: false when any wall is entered
//   - treasure_hunt: false when the door is entered before the key
//   - treasure_hunt: true when key, then door, then chest are visited wall-free
//   - reach_avoid: goal entered and no obstacle entered
//   - narrow_maze: every goal entered and no wall entered
//   - Unknown scenarios return ok=false
func TaskCheck(m Matrix, scenario string) (accomplished, ok bool) {
	switch scenario {
	case "treasure_hunt":
		return treasureHunt(m), true
	case "reach_avoid":
		return reachAvoid(m), true
	case "narrow_maze":
		return narrowMaze(m), true
	}
	return false, false
}

func treasureHunt(m Matrix) bool {
	chest, ok := m.Row("chest")
	if !ok || FirstEntry(chest) < 0 {
		return false
	}
	if anyEntered(m, isWall) {
		return false
	}
	key := FirstEntry(m.rowWhere(isKey))
	door := FirstEntry(m.rowWhere(isDoor))
	if key >= 0 && door >= 0 && door < key {
		return false
	}
	return true
}

func reachAvoid(m Matrix) bool {
	goal, ok := m.Row("goal")
	if !ok || FirstEntry(goal) < 0 {
		return false
	}
	return !anyEntered(m, func(n string) bool { return strings.HasPrefix(n, "obstacle") })
}

func narrowMaze(m Matrix) bool {
	goals := 0
	for i, n := range m.Names {
		if !strings.HasPrefix(n, "goal") {
			continue
		}
		goals++
		if FirstEntry(m.Cells[i]) < 0 {
			return false
		}
	}
	return goals > 0 && !anyEntered(m, isWall)
}

func isWall(n string) bool { return strings.Contains(strings.ToLower(n), "wall") }

func isKey(n string) bool { return strings.Contains(strings.ToLower(n), "key") }

// isDoor excludes "door_key" and walls such as "above_door_wall".
func isDoor(n string) bool {
	l := strings.ToLower(n)
	return strings.Contains(l, "door") && !isKey(n) && !isWall(n)
}

func anyEntered(m Matrix, match func(string) bool) bool {
	for i, n := range m.Names {
		if match(n) && FirstEntry(m.Cells[i]) >= 0 {
			return true
		}
	}
	return false
}

// rowWhere returns the first row whose name matches, or nil.
func (m Matrix) rowWhere(match func(string) bool) []bool {
	for i, n := range m.Names {
		if match(n) {
			return m.Cells[i]
		}
	}
	return nil
}
