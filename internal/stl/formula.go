package stl

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/haricheung/stlpilot/internal/types"
)

// DefaultTolerance is the margin applied to a region predicate when the
// surface syntax omits one.
const DefaultTolerance = 0.1

// Signal is a discrete-time state sequence x_0 … x_N.
type Signal = []types.State

// Formula is a node of a specification tree. Robustness is the quantitative
// semantics at step k; String prints the solver surface syntax.
type Formula interface {
	Robustness(sig Signal, k int) float64
	String() string
}

// Linear is the half-space predicate A·x − B ≥ 0.
type Linear struct {
	A [6]float64
	B float64
}

// Robustness returns A·x_k − B, or −Inf when k is outside the signal.
func (p *Linear) Robustness(sig Signal, k int) float64 {
	if k < 0 || k >= len(sig) {
		return math.Inf(-1)
	}
	var dot float64
	for i, a := range p.A {
		dot += a * sig[k][i]
	}
	return dot - p.B
}

func (p *Linear) String() string {
	parts := make([]string, len(p.A))
	for i, a := range p.A {
		parts[i] = formatNumber(a)
	}
	return fmt.Sprintf("linear([%s], %s)", strings.Join(parts, ", "), formatNumber(p.B))
}

// Nonlinear is the predicate G(x) ≥ 0 for an arbitrary scalar function.
// It has no surface form of its own; region compilers wrap it in a Compiled node.
type Nonlinear struct {
	G     func(types.State) float64
	Label string
}

func (p *Nonlinear) Robustness(sig Signal, k int) float64 {
	if k < 0 || k >= len(sig) {
		return math.Inf(-1)
	}
	return p.G(sig[k])
}

func (p *Nonlinear) String() string { return p.Label }

// Compiled is a region predicate that remembers how it was written
// (inside_cuboid(objects["goal"], 0.1)) and evaluates through Body.
type Compiled struct {
	Source string
	Body   Formula
}

func (c *Compiled) Robustness(sig Signal, k int) float64 { return c.Body.Robustness(sig, k) }
func (c *Compiled) String() string                       { return c.Source }

// AndNode holds when every child holds: robustness is the minimum.
type AndNode struct {
	Children []Formula
}

func (n *AndNode) Robustness(sig Signal, k int) float64 {
	r := math.Inf(1)
	for _, c := range n.Children {
		r = math.Min(r, c.Robustness(sig, k))
	}
	return r
}

func (n *AndNode) String() string { return joinChildren(n.Children, " & ") }

// OrNode holds when some child holds: robustness is the maximum.
type OrNode struct {
	Children []Formula
}

func (n *OrNode) Robustness(sig Signal, k int) float64 {
	r := math.Inf(-1)
	for _, c := range n.Children {
		r = math.Max(r, c.Robustness(sig, k))
	}
	return r
}

func (n *OrNode) String() string { return joinChildren(n.Children, " | ") }

// EventuallyNode holds at k when Child holds at some step in [k+T1, k+T2].
type EventuallyNode struct {
	Child  Formula
	T1, T2 int
}

// Robustness is the maximum child robustness over the window, clipped to
// the end of the signal. An empty window gives −Inf.
func (n *EventuallyNode) Robustness(sig Signal, k int) float64 {
	r := math.Inf(-1)
	lo, hi := window(len(sig), k, n.T1, n.T2)
	for j := lo; j <= hi; j++ {
		r = math.Max(r, n.Child.Robustness(sig, j))
	}
	return r
}

func (n *EventuallyNode) String() string {
	return fmt.Sprintf("%s.eventually(%d, %d)", wrap(n.Child), n.T1, n.T2)
}

// AlwaysNode holds at k when Child holds at every step in [k+T1, k+T2].
type AlwaysNode struct {
	Child  Formula
	T1, T2 int
}

// Robustness is the minimum child robustness over the window, clipped to
// the end of the signal. An empty window gives +Inf.
func (n *AlwaysNode) Robustness(sig Signal, k int) float64 {
	r := math.Inf(1)
	lo, hi := window(len(sig), k, n.T1, n.T2)
	for j := lo; j <= hi; j++ {
		r = math.Min(r, n.Child.Robustness(sig, j))
	}
	return r
}

func (n *AlwaysNode) String() string {
	return fmt.Sprintf("%s.always(%d, %d)", wrap(n.Child), n.T1, n.T2)
}

// window returns the inclusive index range [k+t1, min(k+t2, n-1)].
// lo > hi denotes an empty window.
func window(n, k, t1, t2 int) (lo, hi int) {
	lo, hi = k+t1, k+t2
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

// And conjoins fs, flattening nested conjunctions. A single operand is
// returned unchanged.
//
// Expectations:
//   - And(a, And(b, c)) has three children
//   - And(a) returns a itself
//   - And() returns nil
func And(fs ...Formula) Formula {
	var out []Formula
	for _, f := range fs {
		if n, ok := f.(*AndNode); ok {
			out = append(out, n.Children...)
			continue
		}
		out = append(out, f)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return &AndNode{Children: out}
}

// Or disjoins fs, flattening nested disjunctions.
func Or(fs ...Formula) Formula {
	var out []Formula
	for _, f := range fs {
		if n, ok := f.(*OrNode); ok {
			out = append(out, n.Children...)
			continue
		}
		out = append(out, f)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return &OrNode{Children: out}
}

// Eventually wraps f in a bounded "eventually" over steps [t1, t2].
func Eventually(f Formula, t1, t2 int) Formula {
	return &EventuallyNode{Child: f, T1: t1, T2: t2}
}

// Always wraps f in a bounded "always" over steps [t1, t2].
func Always(f Formula, t1, t2 int) Formula {
	return &AlwaysNode{Child: f, T1: t1, T2: t2}
}

// Satisfied reports whether sig satisfies f, i.e. robustness at step 0 is ≥ 0.
func Satisfied(f Formula, sig Signal) bool {
	return f.Robustness(sig, 0) >= 0
}

// Walk visits f and its descendants depth-first. Returning false from fn
// skips the node's children. Compiled nodes are visited as leaves.
func Walk(f Formula, fn func(Formula) bool) {
	if f == nil || !fn(f) {
		return
	}
	switch n := f.(type) {
	case *AndNode:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *OrNode:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *EventuallyNode:
		Walk(n.Child, fn)
	case *AlwaysNode:
		Walk(n.Child, fn)
	}
}

// Validate checks the structural invariants of a tree against a horizon of
// horizon steps: every And/Or has at least two non-nil children and every
// temporal window satisfies 0 ≤ t1 ≤ t2 ≤ horizon.
//
// Expectations:
//   - Returns nil for a well-formed tree
//   - Rejects a nil root
//   - Rejects t1 > t2, negative t1 and t2 beyond the horizon
//   - Rejects an And/Or with fewer than two children
func Validate(f Formula, horizon int) error {
	if f == nil {
		return fmt.Errorf("stl: empty formula")
	}
	var err error
	Walk(f, func(node Formula) bool {
		if err != nil {
			return false
		}
		switch n := node.(type) {
		case *AndNode:
			err = checkChildren("and", n.Children)
		case *OrNode:
			err = checkChildren("or", n.Children)
		case *EventuallyNode:
			err = checkWindow("eventually", n.Child, n.T1, n.T2, horizon)
		case *AlwaysNode:
			err = checkWindow("always", n.Child, n.T1, n.T2, horizon)
		case *Compiled:
			if n.Body == nil {
				err = fmt.Errorf("stl: predicate %s has no body", n.Source)
			}
		case *Nonlinear:
			if n.G == nil {
				err = fmt.Errorf("stl: predicate %s has no function", n.Label)
			}
		}
		return err == nil
	})
	return err
}

func checkChildren(op string, cs []Formula) error {
	if len(cs) < 2 {
		return fmt.Errorf("stl: %s needs at least two operands, got %d", op, len(cs))
	}
	for i, c := range cs {
		if c == nil {
			return fmt.Errorf("stl: %s operand %d is nil", op, i)
		}
	}
	return nil
}

func checkWindow(op string, child Formula, t1, t2, horizon int) error {
	if child == nil {
		return fmt.Errorf("stl: %s has no operand", op)
	}
	if t1 < 0 || t1 > t2 || t2 > horizon {
		return fmt.Errorf("stl: %s(%d, %d) outside [0, %d]", op, t1, t2, horizon)
	}
	return nil
}

func joinChildren(cs []Formula, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = wrap(c)
	}
	return strings.Join(parts, sep)
}

// wrap parenthesizes Boolean nodes so that a child never rebinds under the
// surrounding operator.
func wrap(f Formula) string {
	switch f.(type) {
	case *AndNode, *OrNode:
		return "(" + f.String() + ")"
	}
	return f.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
