package region

import (
	"fmt"
	"math"
	"strconv"

	"github.com/haricheung/stlpilot/internal/stl"
	"github.com/haricheung/stlpilot/internal/types"
)

// DefaultTolerance is the margin used when a caller has no reason to pick one.
const DefaultTolerance = stl.DefaultTolerance

// Kind distinguishes the two supported region shapes.
type Kind string

const (
	KindBox    Kind = "box"
	KindSphere Kind = "sphere"
)

// Region is a named axis-aligned box (xmin,xmax,ymin,ymax,zmin,zmax) or a
// sphere (cx,cy,cz,r).
type Region struct {
	Name   string    `json:"name"`
	Kind   Kind      `json:"kind"`
	Bounds []float64 `json:"bounds"`
}

// Box returns a box region.
func Box(name string, xmin, xmax, ymin, ymax, zmin, zmax float64) Region {
	return Region{Name: name, Kind: KindBox, Bounds: []float64{xmin, xmax, ymin, ymax, zmin, zmax}}
}

// Sphere returns a sphere region.
func Sphere(name string, cx, cy, cz, r float64) Region {
	return Region{Name: name, Kind: KindSphere, Bounds: []float64{cx, cy, cz, r}}
}

// FromBounds infers the shape from the tuple length: 6 for a box, 4 for a sphere.
func FromBounds(name string, bounds []float64) (Region, error) {
	r := Region{Name: name, Bounds: append([]float64(nil), bounds...)}
	switch len(bounds) {
	case 6:
		r.Kind = KindBox
	case 4:
		r.Kind = KindSphere
	default:
		return Region{}, fmt.Errorf("region: %q has %d bounds, want 6 (box) or 4 (sphere)", name, len(bounds))
	}
	return r, r.Validate()
}

// Validate rejects malformed bounds.
//
// Expectations:
//   - Box needs 6 finite bounds with min ≤ max on every axis
//   - Sphere needs 4 finite bounds with r > 0
//   - Unknown kinds are rejected
func (r Region) Validate() error {
	for _, v := range r.Bounds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("region: %q has non-finite bound %v", r.Name, v)
		}
	}
	switch r.Kind {
	case KindBox:
		if len(r.Bounds) != 6 {
			return fmt.Errorf("region: box %q has %d bounds, want 6", r.Name, len(r.Bounds))
		}
		for axis := 0; axis < 3; axis++ {
			if r.Bounds[2*axis] > r.Bounds[2*axis+1] {
				return fmt.Errorf("region: box %q has min > max on axis %d", r.Name, axis)
			}
		}
	case KindSphere:
		if len(r.Bounds) != 4 {
			return fmt.Errorf("region: sphere %q has %d bounds, want 4", r.Name, len(r.Bounds))
		}
		if r.Bounds[3] <= 0 {
			return fmt.Errorf("region: sphere %q has non-positive radius %v", r.Name, r.Bounds[3])
		}
	default:
		return fmt.Errorf("region: %q has unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// Contains reports whether p lies in r, faces included.
func Contains(r Region, p [3]float64) bool {
	b := r.Bounds
	switch r.Kind {
	case KindBox:
		return p[0] >= b[0] && p[0] <= b[1] &&
			p[1] >= b[2] && p[1] <= b[3] &&
			p[2] >= b[4] && p[2] <= b[5]
	case KindSphere:
		dx, dy, dz := p[0]-b[0], p[1]-b[1], p[2]-b[2]
		return dx*dx+dy*dy+dz*dz <= b[3]*b[3]
	}
	return false
}

// center returns the box centroid or sphere center.
func (r Region) center() [3]float64 {
	b := r.Bounds
	if r.Kind == KindSphere {
		return [3]float64{b[0], b[1], b[2]}
	}
	return [3]float64{(b[0] + b[1]) / 2, (b[2] + b[3]) / 2, (b[4] + b[5]) / 2}
}

// Inside compiles "position is inside r" with the given inward margin.
//
// A box becomes the conjunction of six half-spaces (right & left & front &
// back & top & bottom), each pulled in by tol. A sphere becomes
// (r−tol)·|r−tol| − ‖p−c‖² ≥ 0, which no point satisfies once tol ≥ r.
//
// Expectations:
//   - The center of a box satisfies Inside for any tol below the smallest half-extent
//   - A point farther than tol outside the box violates Inside
//   - Returns an error for tol < 0 or malformed bounds
func Inside(r Region, tol float64) (stl.Formula, error) {
	return compile(r, tol, true, "")
}

// Outside compiles "position is outside r" with the given outward margin.
//
// A box becomes the disjunction of six half-spaces pushed out by tol. A
// sphere becomes ‖p−c‖² − (r+tol)² ≥ 0.
func Outside(r Region, tol float64) (stl.Formula, error) {
	return compile(r, tol, false, "")
}

func compile(r Region, tol float64, inside bool, source string) (stl.Formula, error) {
	if tol < 0 || math.IsNaN(tol) {
		return nil, fmt.Errorf("region: tolerance %v for %q must be ≥ 0", tol, r.Name)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if source == "" {
		source = surface(funcName(r.Kind, inside), strconv.Quote(r.Name), tol, true)
	}
	var body stl.Formula
	switch r.Kind {
	case KindBox:
		body = boxFormula(r.Bounds, tol, inside)
	case KindSphere:
		body = sphereFormula(r, tol, inside)
	}
	return &stl.Compiled{Source: source, Body: body}, nil
}

func boxFormula(b []float64, tol float64, inside bool) stl.Formula {
	var sides []stl.Formula
	for axis := 0; axis < 3; axis++ {
		lo, hi := b[2*axis], b[2*axis+1]
		var plus, minus [6]float64
		plus[axis], minus[axis] = 1, -1
		if inside {
			// x ≥ lo+tol and −x ≥ −hi+tol
			sides = append(sides,
				&stl.Linear{A: plus, B: lo + tol},
				&stl.Linear{A: minus, B: -hi + tol})
		} else {
			// x ≥ hi+tol or −x ≥ −lo+tol
			sides = append(sides,
				&stl.Linear{A: plus, B: hi + tol},
				&stl.Linear{A: minus, B: -lo + tol})
		}
	}
	if inside {
		return stl.And(sides...)
	}
	return stl.Or(sides...)
}

func sphereFormula(r Region, tol float64, inside bool) stl.Formula {
	cx, cy, cz, rad := r.Bounds[0], r.Bounds[1], r.Bounds[2], r.Bounds[3]
	if inside {
		// Signed so that tol ≥ rad leaves no satisfying point.
		m := rad - tol
		margin := m * math.Abs(m)
		return &stl.Nonlinear{
			Label: fmt.Sprintf("inside_sphere(%s)", r.Name),
			G: func(x types.State) float64 {
				dx, dy, dz := x[0]-cx, x[1]-cy, x[2]-cz
				return margin - (dx*dx + dy*dy + dz*dz)
			},
		}
	}
	reff := rad + tol
	return &stl.Nonlinear{
		Label: fmt.Sprintf("outside_sphere(%s)", r.Name),
		G: func(x types.State) float64 {
			dx, dy, dz := x[0]-cx, x[1]-cy, x[2]-cz
			return dx*dx + dy*dy + dz*dz - reff*reff
		},
	}
}

func funcName(k Kind, inside bool) string {
	switch {
	case k == KindBox && inside:
		return "inside_cuboid"
	case k == KindBox:
		return "outside_cuboid"
	case inside:
		return "inside_sphere"
	}
	return "outside_sphere"
}

// surface prints a predicate call. named=true renders objects["name"].
func surface(fn, ref string, tol float64, named bool) string {
	if named {
		ref = "objects[" + ref + "]"
	}
	return fmt.Sprintf("%s(%s, %s)", fn, ref, strconv.FormatFloat(tol, 'g', -1, 64))
}
