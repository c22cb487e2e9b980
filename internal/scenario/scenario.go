package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/iancoleman/orderedmap"

	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/types"
)

// Scenario is a named mission setup: the region table, the starting state,
// the initial horizon in seconds and the canned task used in automated-user
// mode.
type Scenario struct {
	Name     string
	Regions  *region.Set
	X0       types.State
	THorizon float64
	Task     string
}

type builtin struct {
	x0      types.State
	horizon float64
	task    string
	regions []region.Region
}

var builtins = map[string]builtin{
	"reach_avoid": {
		x0:      types.State{-3.5, -3.5, 0.5, 0, 0, 0},
		horizon: 25,
		task:    "Reach the goal while avoiding all obstacles.",
		regions: []region.Region{
			region.Box("goal", 4, 5, 4, 5, 4, 5),
			region.Box("obstacle1", -3, -1, -0.5, 1.5, 0.5, 2.5),
			region.Box("obstacle2", -4.5, -3, 0, 2.25, 0.5, 2),
			region.Box("obstacle3", -2, -1, 4, 5, 3.5, 4.5),
			region.Box("obstacle4", 3, 4, -3.5, -2.5, 1, 2),
			region.Box("obstacle5", 4, 5, 0, 1, 2, 3.5),
			region.Box("obstacle6", 2, 3.5, 1.5, 2.5, 3.75, 5),
			region.Box("obstacle7", -2, -1, -2, -1, 1, 2),
		},
	},
	"narrow_maze": {
		x0:      types.State{4.25, -4.25, 0.5, 0, 0, 0},
		horizon: 50,
		task:    "Navigate through the maze to reach the goal.",
		regions: []region.Region{
			region.Box("goal1", -0.25, 0.75, -0.25, 0.75, 1, 2),
			region.Box("goal2", -2.75, -1.75, 1.75, 2.75, 1, 2),
			region.Box("goal3", 1.75, 2.75, 1.75, 2.75, 1, 2),
			region.Box("goal4", 3.75, 4.75, 1.75, 2.75, 1, 2),
			region.Box("room_bounds", -5, 5, -5, 5, 0, 3),
			region.Box("SE_vertical_wall", 3, 3.5, -5, -0.5, 0, 3),
			region.Box("E_mid_vertical_wall", 1, 1.5, -3, 1, 0, 3),
			region.Box("SW_horizontal_wall", -3.5, 1.5, -3.5, 3, 0, 3),
			region.Box("W_mid_vertical_wall", -1, -0.5, -3, 1, 0, 3),
			region.Box("W_horizontal_wall", -5, -2.5, -1.5, -1, 0, 3),
			region.Box("mid_horizontal_wall", -3, 3, 1, 1.5, 0, 3),
			region.Box("NW_vertical_wall", -3.5, -3, 1, 3.5, 0, 3),
			region.Box("NW_horizontal_wall", -3, -1, 3, 3.5, 0, 3),
			region.Box("NW_mid_vertical_wall", -1.5, -1, 1.5, 3, 0, 3),
			region.Box("N_vertical_wall", 0.5, 1, 3.5, 5, 0, 3),
			region.Box("NNE_horizontal_wall", 0.5, 3, 3, 3.5, 0, 3),
			region.Box("ENE_horizontal_wall", 3.5, 5, 1, 1.5, 0, 3),
			region.Box("NE_vertical_wall", 3, 3.5, 1, 3.5, 0, 3),
		},
	},
	"treasure_hunt": {
		x0:      types.State{3, -4, 0.5, 0, 0, 0},
		horizon: 70,
		task:    "Go to the key in the first 30 seconds, then go to the chest. Avoid all walls and stay in the room at all times.",
		regions: []region.Region{
			region.Box("door_key", 3.75, 4.75, 3.75, 4.75, 1, 2),
			region.Box("chest", -4.25, -3, -4.5, -3.75, 0, 0.75),
			region.Box("door", 0, 0.5, -2.5, -1, 0, 2.5),
			region.Box("region_bounds", -5, 5, -5, 5, 0, 3),
			region.Box("NE_inside_wall", 2, 5, 3, 3.5, 0, 3),
			region.Box("south_mid_inside_wall", 0, 0.5, -5, -2.5, 0, 3),
			region.Box("north_mid_inside_wall", 0, 0.5, -1, 5, 0, 3),
			region.Box("west_inside_wall", -2.25, -1.75, -5, 3.5, 0, 3),
			region.Box("above_door_wall", 0, 0.5, -2.5, -1, 2.5, 3),
		},
	},
}

// Names lists the built-in scenarios alphabetically.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for n := range builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Builtin returns the named built-in scenario.
func Builtin(name string) (*Scenario, error) {
	b, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("scenario: unknown scenario %q (built-ins: %v)", name, Names())
	}
	set, err := region.NewSet(b.regions...)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", name, err)
	}
	return &Scenario{Name: name, Regions: set, X0: b.x0, THorizon: b.horizon, Task: b.task}, nil
}

// file is the on-disk form. Objects is decoded separately so that region
// order follows the file.
type file struct {
	Name     string          `json:"name"`
	X0       []float64       `json:"x0"`
	THorizon float64         `json:"T_initial"`
	Task     string          `json:"task"`
	Objects  json.RawMessage `json:"objects"`
}

// LoadFile reads a JSON scenario:
//
//	{"name": "...", "x0": [6 numbers], "T_initial": 25, "task": "...",
//	 "objects": {"goal": [xmin,xmax,ymin,ymax,zmin,zmax], "ball": [cx,cy,cz,r]}}
//
// Expectations:
//   - Region order follows the order of keys in "objects"
//   - 6-tuples are boxes, 4-tuples are spheres
//   - Rejects a missing name, a malformed x0, a non-positive horizon and malformed bounds
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("scenario: %s has no name", path)
	}
	if len(f.X0) != 6 {
		return nil, fmt.Errorf("scenario: %s: x0 has %d components, want 6", f.Name, len(f.X0))
	}
	if f.THorizon <= 0 {
		return nil, fmt.Errorf("scenario: %s: T_initial must be positive", f.Name)
	}
	om := orderedmap.New()
	if len(f.Objects) > 0 {
		if err := json.Unmarshal(f.Objects, om); err != nil {
			return nil, fmt.Errorf("scenario: %s: objects: %w", f.Name, err)
		}
	}
	set, _ := region.NewSet()
	for _, name := range om.Keys() {
		v, _ := om.Get(name)
		bounds, err := toFloats(v)
		if err != nil {
			return nil, fmt.Errorf("scenario: %s: region %q: %w", f.Name, name, err)
		}
		r, err := region.FromBounds(name, bounds)
		if err != nil {
			return nil, fmt.Errorf("scenario: %s: %w", f.Name, err)
		}
		if err := set.Add(r); err != nil {
			return nil, fmt.Errorf("scenario: %s: %w", f.Name, err)
		}
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("scenario: %s has no objects", f.Name)
	}
	sc := &Scenario{Name: f.Name, Regions: set, THorizon: f.THorizon, Task: f.Task}
	copy(sc.X0[:], f.X0)
	return sc, nil
}

func toFloats(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("bounds must be a list, got %T", v)
	}
	out := make([]float64, len(list))
	for i, e := range list {
		f, ok := e.(float64)
		if !ok {
			return nil, fmt.Errorf("bound %d is %T, want a number", i, e)
		}
		out[i] = f
	}
	return out, nil
}
