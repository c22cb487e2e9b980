package region

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haricheung/stlpilot/internal/stl"
)

// Set is a scenario's region table. Names are unique; Regions preserves the
// order in which the scenario listed them, which is also the display order
// of occupancy rows.
type Set struct {
	order []string
	byKey map[string]Region
}

// NewSet builds a Set from regions in display order.
//
// Expectations:
//   - Preserves insertion order
//   - Rejects duplicate names and malformed regions
func NewSet(rs ...Region) (*Set, error) {
	s := &Set{byKey: make(map[string]Region, len(rs))}
	for _, r := range rs {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends r.
func (s *Set) Add(r Region) error {
	if r.Name == "" {
		return fmt.Errorf("region: empty name")
	}
	if _, dup := s.byKey[r.Name]; dup {
		return fmt.Errorf("region: duplicate name %q", r.Name)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.order = append(s.order, r.Name)
	s.byKey[r.Name] = r
	return nil
}

// Len returns the number of regions.
func (s *Set) Len() int { return len(s.order) }

// Get returns the named region.
func (s *Set) Get(name string) (Region, bool) {
	r, ok := s.byKey[name]
	return r, ok
}

// Regions returns the regions in display order.
func (s *Set) Regions() []Region {
	out := make([]Region, len(s.order))
	for i, n := range s.order {
		out[i] = s.byKey[n]
	}
	return out
}

// Names returns the region names in display order.
func (s *Set) Names() []string { return append([]string(nil), s.order...) }

// Table renders the objects table handed to the language model, one
// "name": [bounds] entry per line in display order.
func (s *Set) Table() string {
	var sb strings.Builder
	sb.WriteString("{\n")
	for i, n := range s.order {
		r := s.byKey[n]
		parts := make([]string, len(r.Bounds))
		for j, v := range r.Bounds {
			parts[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		fmt.Fprintf(&sb, "  %q: (%s)", n, strings.Join(parts, ", "))
		if i < len(s.order)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	return sb.String()
}

// Predicate resolves a surface-syntax predicate call, making Set an stl.Env.
// Polarity comes from the function name; shape comes from the region itself,
// so inside_cuboid on a sphere region compiles the sphere test.
func (s *Set) Predicate(call stl.PredicateCall) (stl.Formula, error) {
	inside, err := polarity(call.Func)
	if err != nil {
		return nil, err
	}
	if call.Name != "" {
		r, ok := s.byKey[call.Name]
		if !ok {
			return nil, fmt.Errorf("region: unknown region %q (known: %s)", call.Name, strings.Join(s.sortedNames(), ", "))
		}
		return compile(r, call.Tol, inside, "")
	}
	r, err := FromBounds("inline", call.Bounds)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(call.Bounds))
	for i, v := range call.Bounds {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	src := surface(funcName(r.Kind, inside), "("+strings.Join(parts, ", ")+")", call.Tol, false)
	return compile(r, call.Tol, inside, src)
}

func polarity(fn string) (bool, error) {
	switch {
	case strings.HasPrefix(fn, "inside_"):
		return true, nil
	case strings.HasPrefix(fn, "outside_"):
		return false, nil
	}
	return false, fmt.Errorf("region: unknown predicate %q", fn)
}

func (s *Set) sortedNames() []string {
	names := s.Names()
	sort.Strings(names)
	return names
}
