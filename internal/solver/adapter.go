package solver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/brunoga/deep"
	"github.com/goforj/godump"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haricheung/stlpilot/internal/dynamics"
	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/stl"
	"github.com/haricheung/stlpilot/internal/types"
)

// Weights are the quadratic cost x'Qx + u'Ru summed over the horizon.
type Weights struct {
	Q [6][6]float64
	R [3][3]float64
}

// DefaultWeights is pure control-effort minimization: Q = 0, R = I.
func DefaultWeights() Weights {
	var w Weights
	for i := 0; i < 3; i++ {
		w.R[i][i] = 1
	}
	return w
}

// Problem is one synthesis call: find controls from X0 over T seconds that
// satisfy Spec under Model.
type Problem struct {
	Spec            stl.Formula
	Regions         *region.Set
	Model           dynamics.Model
	X0              types.State
	T               float64
	Weights         Weights // zero value means DefaultWeights
	IncludeDynamics bool    // false: geometry-only pre-check
}

// InfeasibleError carries the reason a problem produced the NaN sentinel.
type InfeasibleError struct {
	Reason string
	Status string
}

func (e *InfeasibleError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("solver: infeasible (%s): %s", e.Status, e.Reason)
	}
	return "solver: infeasible: " + e.Reason
}

// IsInfeasible reports whether err is (or wraps) an *InfeasibleError.
func IsInfeasible(err error) bool {
	var ie *InfeasibleError
	return errors.As(err, &ie)
}

// Config tunes an Adapter.
type Config struct {
	CacheSize int           // 0 disables the cache
	CacheTTL  time.Duration // entry lifetime
	TimeLimit time.Duration // forwarded to the oracle
	Tolerance float64       // numeric slack for x0, bounds, dynamics and robustness checks
	Dump      io.Writer     // when set, every request is dumped here
}

// DefaultConfig caches 64 answers for 30 minutes with a 1e-4 numeric slack.
func DefaultConfig() Config {
	return Config{CacheSize: 64, CacheTTL: 30 * time.Minute, Tolerance: 1e-4}
}

type cached struct {
	traj   types.Trajectory
	reason string
	status string
}

// Adapter builds oracle requests and normalizes their answers into either a
// realized trajectory or the all-NaN sentinel.
type Adapter struct {
	oracle Oracle
	cfg    Config
	cache  *expirable.LRU[string, cached]
}

// NewAdapter wraps o.
func NewAdapter(o Oracle, cfg Config) *Adapter {
	a := &Adapter{oracle: o, cfg: cfg}
	if cfg.CacheSize > 0 {
		a.cache = expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return a
}

// Solve discretizes p into N = ⌈T/dt⌉ steps, asks the oracle, and
// normalizes the answer. On any failure it returns the all-NaN trajectory
// together with an *InfeasibleError; callers may check either. Only context
// cancellation returns a plain error.
//
// Expectations:
//   - Request carries x0 exactly, ∓maxAcc control bounds, ±maxSpeed velocity bounds and null position bounds
//   - Oracle errors, non-optimal status, misshapen or null-bearing arrays become the sentinel
//   - x_0 ≠ x0 becomes the sentinel
//   - With IncludeDynamics, dynamics or bound violations become the sentinel
//   - A solution whose robustness is below −Tolerance becomes the sentinel
//   - Identical problems are answered from the cache without calling the oracle
func (a *Adapter) Solve(ctx context.Context, p Problem) (types.Trajectory, error) {
	n := p.Model.Steps(p.T)
	fail := func(status, format string, args ...any) (types.Trajectory, error) {
		reason := fmt.Sprintf(format, args...)
		log.Printf("[SOLVER] infeasible N=%d: %s", n, reason)
		return types.NaNTrajectory(n), &InfeasibleError{Reason: reason, Status: status}
	}
	if n <= 0 {
		return fail("", "horizon %.3gs yields no steps at dt=%.3g", p.T, p.Model.Dt)
	}
	if p.Spec == nil {
		return fail("", "no specification")
	}
	if err := stl.Validate(p.Spec, n); err != nil {
		return fail("", "malformed specification: %v", err)
	}

	req := a.request(p, n)
	key := cacheKey(req)
	if a.cache != nil && key != "" {
		if hit, ok := a.cache.Get(key); ok {
			log.Printf("[SOLVER] cache hit N=%d dynamics=%v", n, p.IncludeDynamics)
			if hit.reason != "" {
				return types.NaNTrajectory(n), &InfeasibleError{Reason: hit.reason, Status: hit.status}
			}
			return deep.MustCopy(hit.traj), nil
		}
	}
	if a.cfg.Dump != nil {
		godump.Fdump(a.cfg.Dump, req)
	}

	resp, err := a.oracle.Solve(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return types.NaNTrajectory(n), fmt.Errorf("solver: %w", ctx.Err())
		}
		return fail("", "oracle: %v", err)
	}

	tr, reason := a.normalize(p, req, resp)
	if a.cache != nil && key != "" {
		a.cache.Add(key, cached{traj: deep.MustCopy(tr), reason: reason, status: resp.Status})
	}
	if reason != "" {
		return fail(resp.Status, "%s", reason)
	}
	return tr, nil
}

func (a *Adapter) request(p Problem, n int) Request {
	w := p.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	lo, hi := p.Model.StateBounds()
	req := Request{
		Spec:            p.Spec.String(),
		A:               p.Model.A,
		B:               p.Model.B,
		X0:              p.X0,
		N:               n,
		Dt:              p.Model.Dt,
		Q:               w.Q,
		R:               w.R,
		UMin:            p.Model.UMin,
		UMax:            p.Model.UMax,
		XMin:            wireBounds(lo),
		XMax:            wireBounds(hi),
		IncludeDynamics: p.IncludeDynamics,
		TimeLimitS:      a.cfg.TimeLimit.Seconds(),
	}
	if p.Regions != nil {
		req.Regions = p.Regions.Regions()
	}
	return req
}

// wireBounds maps infinite components to null.
func wireBounds(s types.State) []*float64 {
	out := make([]*float64, len(s))
	for i, v := range s {
		if math.IsInf(v, 0) {
			continue
		}
		out[i] = &v
	}
	return out
}

// normalize turns resp into a trajectory, or returns a non-empty reason.
func (a *Adapter) normalize(p Problem, req Request, resp Response) (types.Trajectory, string) {
	if resp.Status != StatusOptimal {
		if resp.Message != "" {
			return types.Trajectory{}, fmt.Sprintf("status %q: %s", resp.Status, resp.Message)
		}
		return types.Trajectory{}, fmt.Sprintf("status %q", resp.Status)
	}
	if len(resp.X) != req.N+1 {
		return types.Trajectory{}, fmt.Sprintf("got %d states, want %d", len(resp.X), req.N+1)
	}
	if len(resp.U) != req.N {
		return types.Trajectory{}, fmt.Sprintf("got %d controls, want %d", len(resp.U), req.N)
	}
	tr := types.Trajectory{
		States:   make([]types.State, req.N+1),
		Controls: make([]types.Control, req.N),
	}
	for k, row := range resp.X {
		if err := fill(tr.States[k][:], row); err != "" {
			return types.Trajectory{}, fmt.Sprintf("state %d: %s", k, err)
		}
	}
	for k, row := range resp.U {
		if err := fill(tr.Controls[k][:], row); err != "" {
			return types.Trajectory{}, fmt.Sprintf("control %d: %s", k, err)
		}
	}

	tol := a.cfg.Tolerance
	for i := range p.X0 {
		if math.Abs(tr.States[0][i]-p.X0[i]) > tol {
			return types.Trajectory{}, fmt.Sprintf("initial state %v does not match x0 %v", tr.States[0], p.X0)
		}
	}
	tr.States[0] = p.X0
	if p.IncludeDynamics {
		if err := p.Model.Check(tr, tol); err != nil {
			return types.Trajectory{}, err.Error()
		}
		for k := range tr.Controls {
			tr.Controls[k] = p.Model.Saturate(tr.Controls[k])
		}
	}
	if rho := p.Spec.Robustness(tr.States, 0); rho < -tol {
		return types.Trajectory{}, fmt.Sprintf("solution violates the specification (robustness %.4g)", rho)
	}
	return tr, ""
}

func fill(dst []float64, row []*float64) string {
	if len(row) != len(dst) {
		return fmt.Sprintf("%d entries, want %d", len(row), len(dst))
	}
	for i, v := range row {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Sprintf("entry %d is not a number", i)
		}
		dst[i] = *v
	}
	return ""
}

func cacheKey(req Request) string {
	b, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
