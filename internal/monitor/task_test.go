package monitor

import "testing"

var treasureNames = []string{"door_key", "chest", "door", "region_bounds", "NE_inside_wall", "above_door_wall"}

func TestTaskCheck_TreasureChestNeverReached(t *testing.T) {
	// treasure_hunt: false when the chest is never entered, even without wall contact
	m := matrix(treasureNames,
		"0110", "0000", "0001", "1111", "0000", "0000")
	acc, ok := TaskCheck(m, "treasure_hunt")
	if !ok || acc {
		t.Errorf("got (%v, %v), want (false, true)", acc, ok)
	}
}

func TestTaskCheck_TreasureWallContact(t *testing.T) {
	// treasure_hunt: false when any wall is entered
	m := matrix(treasureNames,
		"1000", "0001", "0010", "1111", "0000", "0100")
	if acc, _ := TaskCheck(m, "treasure_hunt"); acc {
		t.Error("expected failure on wall contact")
	}
}

func TestTaskCheck_TreasureDoorBeforeKey(t *testing.T) {
	// treasure_hunt: false when the door is entered before the key
	m := matrix(treasureNames,
		"0010", "0001", "0100", "1111", "0000", "0000")
	if acc, _ := TaskCheck(m, "treasure_hunt"); acc {
		t.Error("expected failure when the door precedes the key")
	}
}

func TestTaskCheck_TreasureAccomplished(t *testing.T) {
	// treasure_hunt: true when key, then door, then chest are visited wall-free
	m := matrix(treasureNames,
		"1000", "0001", "0010", "1111", "0000", "0000")
	acc, ok := TaskCheck(m, "treasure_hunt")
	if !ok || !acc {
		t.Errorf("got (%v, %v), want (true, true)", acc, ok)
	}
}

func TestTaskCheck_TreasureDoorWallIsNotTheDoor(t *testing.T) {
	// A wall whose name contains "door" counts as a wall, not as the door
	if isDoor("above_door_wall") || !isWall("above_door_wall") {
		t.Error("above_door_wall misclassified")
	}
	if isDoor("door_key") || !isDoor("door") {
		t.Error("door/key misclassified")
	}
}

func TestTaskCheck_ReachAvoid(t *testing.T) {
	// reach_avoid: goal entered and no obstacle entered
	names := []string{"goal", "obstacle1", "obstacle2"}
	if acc, ok := TaskCheck(matrix(names, "001", "000", "000"), "reach_avoid"); !ok || !acc {
		t.Error("expected success")
	}
	if acc, _ := TaskCheck(matrix(names, "001", "000", "010"), "reach_avoid"); acc {
		t.Error("expected failure on obstacle contact")
	}
	if acc, _ := TaskCheck(matrix(names, "000", "000", "000"), "reach_avoid"); acc {
		t.Error("expected failure when the goal is never reached")
	}
}

func TestTaskCheck_NarrowMaze(t *testing.T) {
	// narrow_maze: every goal entered and no wall entered
	names := []string{"goal1", "goal2", "room_bounds", "mid_horizontal_wall"}
	if acc, _ := TaskCheck(matrix(names, "0100", "0001", "1111", "0000"), "narrow_maze"); !acc {
		t.Error("expected success")
	}
	if acc, _ := TaskCheck(matrix(names, "0100", "0000", "1111", "0000"), "narrow_maze"); acc {
		t.Error("expected failure with an unvisited goal")
	}
	if acc, _ := TaskCheck(matrix(names, "0100", "0001", "1111", "0010"), "narrow_maze"); acc {
		t.Error("expected failure on wall contact")
	}
}

func TestTaskCheck_UnknownScenario(t *testing.T) {
	// Unknown scenarios return ok=false
	if _, ok := TaskCheck(matrix([]string{"goal"}, "1"), "moon_landing"); ok {
		t.Error("expected no verdict")
	}
}
