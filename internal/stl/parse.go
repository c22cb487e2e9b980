package stl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// PredicateCall is one region predicate as written in the surface syntax.
// Exactly one of Name and Bounds is set: Name for objects["goal"] references,
// Bounds for inline literals such as inside_cuboid((4, 5, 4, 5, 4, 5)).
type PredicateCall struct {
	Func   string // inside_cuboid | outside_cuboid | inside_sphere | outside_sphere
	Name   string
	Bounds []float64
	Tol    float64
	TolSet bool // the call named its own tolerance
}

// Env resolves region predicates during parsing.
type Env interface {
	Predicate(call PredicateCall) (Formula, error)
}

// SyntaxError reports where a specification string stopped making sense.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("stl: parse error at offset %d: %s", e.Offset, e.Msg)
}

// Parse reads a specification in solver surface syntax. The symbols T, T_MAX
// and N in temporal bounds stand for horizon (in steps). The returned tree is
// validated against horizon.
//
// Expectations:
//   - Accepts calls with and without the STL_formulas. prefix
//   - & binds tighter than |; postfix .eventually/.always binds tightest
//   - Omitted tolerance defaults to DefaultTolerance
//   - Resolves objects["name"], bare "name" and inline bound tuples through env
//   - Returns *SyntaxError for malformed input and trailing garbage
//   - Returns a validation error for windows beyond the horizon
func Parse(src string, env Env, horizon int) (Formula, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, env: env, horizon: horizon}
	f, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q after end of formula", t.text)
	}
	if err := Validate(f, horizon); err != nil {
		return nil, err
	}
	return f, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokKind
	text string
	num  float64
	off  int
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[start:i]), off: start})
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && unicode.IsDigit(rs[j]) {
					i = j
					for i < len(rs) && unicode.IsDigit(rs[i]) {
						i++
					}
				}
			}
			text := string(rs[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Offset: start, Msg: fmt.Sprintf("bad number %q", text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, off: start})
		case r == '"' || r == '\'':
			start := i
			i++
			for i < len(rs) && rs[i] != r {
				i++
			}
			if i >= len(rs) {
				return nil, &SyntaxError{Offset: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: string(rs[start+1 : i]), off: start})
			i++
		case strings.ContainsRune("()[],.&|+-=", r):
			toks = append(toks, token{kind: tokPunct, text: string(r), off: i})
			i++
		default:
			return nil, &SyntaxError{Offset: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	toks = append(toks, token{kind: tokEOF, off: len(rs)})
	return toks, nil
}

type parser struct {
	toks    []token
	pos     int
	env     Env
	horizon int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) expect(s string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != s {
		return p.errorf(t, "expected %q, got %q", s, t.text)
	}
	return nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Offset: t.off, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Formula, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	fs := []Formula{first}
	for p.isPunct("|") {
		p.next()
		f, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return Or(fs...), nil
}

func (p *parser) parseAnd() (Formula, error) {
	first, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	fs := []Formula{first}
	for p.isPunct("&") {
		p.next()
		f, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return And(fs...), nil
}

func (p *parser) parsePostfix() (Formula, error) {
	f, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.isPunct(".") {
		p.next()
		op := p.next()
		if op.kind != tokIdent || (op.text != "eventually" && op.text != "always") {
			return nil, p.errorf(op, "expected eventually or always, got %q", op.text)
		}
		if err := p.expect("("); err != nil {
			return nil, err
		}
		t1, err := p.parseTime()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		t2, err := p.parseTime()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		if op.text == "eventually" {
			f = Eventually(f, t1, t2)
		} else {
			f = Always(f, t1, t2)
		}
	}
	return f, nil
}

func (p *parser) parsePrimary() (Formula, error) {
	if p.isPunct("(") {
		p.next()
		f, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return f, nil
	}
	t := p.next()
	if t.kind != tokIdent {
		return nil, p.errorf(t, "expected predicate or '(', got %q", t.text)
	}
	name := t.text
	if name == "STL_formulas" {
		if err := p.expect("."); err != nil {
			return nil, err
		}
		t = p.next()
		if t.kind != tokIdent {
			return nil, p.errorf(t, "expected predicate name after STL_formulas., got %q", t.text)
		}
		name = t.text
	}
	switch name {
	case "linear":
		return p.parseLinear()
	case "inside_cuboid", "outside_cuboid", "inside_sphere", "outside_sphere":
		return p.parseRegionCall(t, name)
	}
	return nil, p.errorf(t, "unknown predicate %q", name)
}

// linear([a0, …, a5], b)
func (p *parser) parseLinear() (Formula, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	start := p.peek()
	coeffs, err := p.parseTuple()
	if err != nil {
		return nil, err
	}
	if len(coeffs) != 6 {
		return nil, p.errorf(start, "linear needs 6 coefficients, got %d", len(coeffs))
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	b, err := p.parseSigned()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	l := &Linear{B: b}
	copy(l.A[:], coeffs)
	return l, nil
}

func (p *parser) parseRegionCall(at token, fn string) (Formula, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	call := PredicateCall{Func: fn, Tol: DefaultTolerance}
	t := p.peek()
	switch {
	case t.kind == tokIdent && t.text == "objects":
		p.next()
		if err := p.expect("["); err != nil {
			return nil, err
		}
		s := p.next()
		if s.kind != tokString {
			return nil, p.errorf(s, "expected quoted region name, got %q", s.text)
		}
		if err := p.expect("]"); err != nil {
			return nil, err
		}
		call.Name = s.text
	case t.kind == tokString:
		p.next()
		call.Name = t.text
	case t.kind == tokPunct && (t.text == "(" || t.text == "["):
		bounds, err := p.parseTuple()
		if err != nil {
			return nil, err
		}
		call.Bounds = bounds
	default:
		return nil, p.errorf(t, "expected region reference, got %q", t.text)
	}
	if p.isPunct(",") {
		p.next()
		// Optional keyword form: tolerance=0.05
		if k := p.peek(); k.kind == tokIdent {
			if k.text != "tolerance" {
				return nil, p.errorf(k, "unknown keyword %q in %s, want tolerance", k.text, fn)
			}
			p.next()
			if err := p.expect("="); err != nil {
				return nil, err
			}
		}
		tol, err := p.parseSigned()
		if err != nil {
			return nil, err
		}
		call.Tol = tol
		call.TolSet = true
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if p.env == nil {
		return nil, p.errorf(at, "no region table to resolve %s", fn)
	}
	f, err := p.env.Predicate(call)
	if err != nil {
		return nil, fmt.Errorf("stl: %s at offset %d: %w", fn, at.off, err)
	}
	return f, nil
}

// parseTuple reads (n, n, …) or [n, n, …].
func (p *parser) parseTuple() ([]float64, error) {
	open := p.next()
	closing := ")"
	switch {
	case open.kind == tokPunct && open.text == "(":
	case open.kind == tokPunct && open.text == "[":
		closing = "]"
	default:
		return nil, p.errorf(open, "expected '(' or '[', got %q", open.text)
	}
	var vs []float64
	for !p.isPunct(closing) {
		v, err := p.parseSigned()
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
		if !p.isPunct(",") {
			break
		}
		p.next()
	}
	if err := p.expect(closing); err != nil {
		return nil, err
	}
	return vs, nil
}

func (p *parser) parseSigned() (float64, error) {
	sign := 1.0
	for p.isPunct("-") || p.isPunct("+") {
		if p.next().text == "-" {
			sign = -sign
		}
	}
	t := p.next()
	if t.kind != tokNumber {
		return 0, p.errorf(t, "expected number, got %q", t.text)
	}
	return sign * t.num, nil
}

// parseTime reads term (('+'|'-') term)* where a term is an integer or one
// of the horizon symbols.
func (p *parser) parseTime() (int, error) {
	total, err := p.parseTimeTerm()
	if err != nil {
		return 0, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := p.next()
		v, err := p.parseTimeTerm()
		if err != nil {
			return 0, err
		}
		if op.text == "+" {
			total += v
		} else {
			total -= v
		}
	}
	return total, nil
}

func (p *parser) parseTimeTerm() (int, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		switch t.text {
		case "T", "T_MAX", "N":
			return p.horizon, nil
		}
		return 0, p.errorf(t, "unknown time symbol %q", t.text)
	case tokNumber:
		if t.num != math.Trunc(t.num) {
			return 0, p.errorf(t, "time bound %s is not a whole number of steps", t.text)
		}
		return int(t.num), nil
	}
	return 0, p.errorf(t, "expected time bound, got %q", t.text)
}
