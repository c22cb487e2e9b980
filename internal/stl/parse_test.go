package stl

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/haricheung/stlpilot/internal/types"
)

// boxEnv resolves every cuboid reference to an x-interval predicate so the
// parser can be exercised without the region compiler.
type boxEnv map[string][2]float64

func (e boxEnv) Predicate(call PredicateCall) (Formula, error) {
	var lo, hi float64
	switch {
	case call.Name != "":
		b, ok := e[call.Name]
		if !ok {
			return nil, fmt.Errorf("unknown region %q", call.Name)
		}
		lo, hi = b[0], b[1]
	case len(call.Bounds) >= 2:
		lo, hi = call.Bounds[0], call.Bounds[1]
	default:
		return nil, fmt.Errorf("no bounds")
	}
	var body Formula
	switch call.Func {
	case "inside_cuboid":
		body = And(xAbove(lo+call.Tol), &Linear{A: [6]float64{-1}, B: -hi + call.Tol})
	case "outside_cuboid":
		body = Or(xAbove(hi+call.Tol), &Linear{A: [6]float64{-1}, B: -lo + call.Tol})
	default:
		return nil, fmt.Errorf("unsupported %s", call.Func)
	}
	ref := call.Name
	if ref == "" {
		ref = fmt.Sprint(call.Bounds)
	}
	return &Compiled{Source: fmt.Sprintf("%s(objects[%q], %s)", call.Func, ref, formatNumber(call.Tol)), Body: body}, nil
}

var testEnv = boxEnv{"goal": {4, 5}, "wall": {1, 2}}

func TestParse_PrefixOptional(t *testing.T) {
	// Accepts calls with and without the STL_formulas. prefix
	for _, src := range []string{
		`STL_formulas.inside_cuboid(objects["goal"], 0.1)`,
		`inside_cuboid(objects["goal"], 0.1)`,
		`inside_cuboid('goal')`,
	} {
		f, err := Parse(src, testEnv, 10)
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		if _, ok := f.(*Compiled); !ok {
			t.Errorf("%s: got %T, want *Compiled", src, f)
		}
	}
}

func TestParse_DefaultTolerance(t *testing.T) {
	// Omitted tolerance defaults to DefaultTolerance
	var seen PredicateCall
	env := envFunc(func(c PredicateCall) (Formula, error) {
		seen = c
		return xAbove(0), nil
	})
	if _, err := Parse(`inside_cuboid(objects["goal"])`, env, 10); err != nil {
		t.Fatal(err)
	}
	if seen.Tol != DefaultTolerance || seen.Name != "goal" {
		t.Errorf("call = %+v", seen)
	}
}

func TestParse_KeywordToleranceAndInlineBounds(t *testing.T) {
	// Inline bound tuples and tolerance= are passed through to the env
	var seen PredicateCall
	env := envFunc(func(c PredicateCall) (Formula, error) {
		seen = c
		return xAbove(0), nil
	})
	if _, err := Parse(`outside_cuboid((4, 5, 4, 5, -1e1, 5), tolerance=0.05)`, env, 10); err != nil {
		t.Fatal(err)
	}
	if seen.Tol != 0.05 || len(seen.Bounds) != 6 || seen.Bounds[4] != -10 {
		t.Errorf("call = %+v", seen)
	}
}

func TestParse_UnknownKeywordRejected(t *testing.T) {
	// Only tolerance= is accepted as a keyword argument
	env := envFunc(func(PredicateCall) (Formula, error) { return xAbove(0), nil })
	_, err := Parse(`inside_cuboid(objects["goal"], foo=0.2)`, env, 10)
	var se *SyntaxError
	if !errors.As(err, &se) || !strings.Contains(se.Msg, "foo") {
		t.Errorf("err = %v, want syntax error naming foo", err)
	}
}

type envFunc func(PredicateCall) (Formula, error)

func (f envFunc) Predicate(c PredicateCall) (Formula, error) { return f(c) }

func TestParse_Precedence(t *testing.T) {
	// & binds tighter than |; postfix .eventually/.always binds tightest
	f, err := Parse(`linear([1,0,0,0,0,0], 1) | linear([1,0,0,0,0,0], 2) & linear([1,0,0,0,0,0], 3).always(0, 2)`, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	or, ok := f.(*OrNode)
	if !ok || len(or.Children) != 2 {
		t.Fatalf("root = %T, want Or with 2 children", f)
	}
	and, ok := or.Children[1].(*AndNode)
	if !ok {
		t.Fatalf("second operand = %T, want And", or.Children[1])
	}
	if _, ok := and.Children[1].(*AlwaysNode); !ok {
		t.Errorf("postfix bound to %T, want Always on the last predicate", and.Children[1])
	}
}

func TestParse_HorizonSymbols(t *testing.T) {
	// T, T_MAX and N stand for the horizon in steps and accept offsets
	f, err := Parse(`(inside_cuboid(objects["goal"]) & outside_cuboid(objects["wall"])).eventually(T_MAX-5, N)`, testEnv, 20)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := f.(*EventuallyNode)
	if !ok {
		t.Fatalf("root = %T", f)
	}
	if ev.T1 != 15 || ev.T2 != 20 {
		t.Errorf("window = [%d, %d], want [15, 20]", ev.T1, ev.T2)
	}
}

func TestParse_WindowBeyondHorizonRejected(t *testing.T) {
	// Returns a validation error for windows beyond the horizon
	if _, err := Parse(`inside_cuboid(objects["goal"]).eventually(0, 30)`, testEnv, 20); err == nil {
		t.Error("expected error")
	}
}

func TestParse_SyntaxErrors(t *testing.T) {
	// Returns *SyntaxError for malformed input and trailing garbage
	for _, src := range []string{
		`inside_cuboid(objects["goal"]`,
		`inside_cuboid(objects["goal"]) &`,
		`inside_cuboid(objects["goal"]) )`,
		`fly_to(objects["goal"])`,
		`inside_cuboid(objects["goal"]).sometimes(0, 1)`,
		`inside_cuboid(objects["goal"]).eventually(0.5, 1)`,
		`inside_cuboid(objects["goal]`,
		`inside_cuboid(objects["goal"]) ; rm`,
	} {
		_, err := Parse(src, testEnv, 10)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%s: got %v, want *SyntaxError", src, err)
		}
	}
}

func TestParse_UnknownRegionSurfacesEnvError(t *testing.T) {
	// Env failures are returned with the predicate name
	_, err := Parse(`inside_cuboid(objects["moon"])`, testEnv, 10)
	if err == nil || !strings.Contains(err.Error(), "moon") {
		t.Errorf("got %v", err)
	}
}

func TestRoundTrip_SemanticEquivalence(t *testing.T) {
	// Parse(f.String()) has the same robustness as f on random signals
	src := `(inside_cuboid(objects["goal"], 0.1).eventually(0, 8) & outside_cuboid(objects["wall"], 0.2).always(0, 10)) | linear([0, 1, 0, 0, 0, 0], -2.5)`
	f, err := Parse(src, testEnv, 10)
	if err != nil {
		t.Fatal(err)
	}
	g, err := Parse(f.String(), testEnv, 10)
	if err != nil {
		t.Fatalf("reparse %q: %v", f.String(), err)
	}
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 30; trial++ {
		sig := make(Signal, 11)
		for k := range sig {
			sig[k] = types.State{rng.Float64() * 7, rng.Float64()*6 - 3, 0, 0, 0, 0}
		}
		for k := 0; k < len(sig); k++ {
			if a, b := f.Robustness(sig, k), g.Robustness(sig, k); a != b {
				t.Fatalf("trial %d step %d: %v != %v", trial, k, a, b)
			}
		}
	}
}
