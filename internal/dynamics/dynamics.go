package dynamics

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/haricheung/stlpilot/internal/types"
)

// stepEpsilon absorbs floating error in T/dt so that 10/0.1 is 100 steps, not 101.
const stepEpsilon = 1e-9

// Model is the discrete-time double integrator x_{k+1} = A·x_k + B·u_k with
// state [px,py,pz,vx,vy,vz] and control [ax,ay,az].
type Model struct {
	Dt       float64
	MaxAcc   float64
	MaxSpeed float64
	A        [6][6]float64
	B        [6][3]float64
	UMin     types.Control
	UMax     types.Control
}

// Build discretizes the continuous double integrator with a forward Euler
// step: Ad = I + A·dt, Bd = B·dt, where A[i][i+3] = 1 and B[i+3][i] = 1.
//
// Expectations:
//   - Ad has ones on the diagonal and dt at (i, i+3)
//   - Bd has dt at (i+3, i) and zeros elsewhere
//   - UMin/UMax are ∓maxAcc on every axis
func Build(dt, maxAcc, maxSpeed float64) Model {
	m := Model{Dt: dt, MaxAcc: maxAcc, MaxSpeed: maxSpeed}
	for i := 0; i < 6; i++ {
		m.A[i][i] = 1
	}
	for i := 0; i < 3; i++ {
		m.A[i][i+3] = dt
		m.B[i+3][i] = dt
		m.UMin[i] = -maxAcc
		m.UMax[i] = maxAcc
	}
	return m
}

// Step returns A·x + B·u.
func (m Model) Step(x types.State, u types.Control) types.State {
	var next types.State
	for i := 0; i < 6; i++ {
		var v float64
		for j := 0; j < 6; j++ {
			v += m.A[i][j] * x[j]
		}
		for j := 0; j < 3; j++ {
			v += m.B[i][j] * u[j]
		}
		next[i] = v
	}
	return next
}

// rollout integrates us from x0 and returns the len(us)+1 visited states.
func (m Model) rollout(x0 types.State, us []types.Control) types.Trajectory {
	tr := types.Trajectory{
		States:   make([]types.State, len(us)+1),
		Controls: append([]types.Control(nil), us...),
	}
	tr.States[0] = x0
	for k, u := range us {
		tr.States[k+1] = m.Step(tr.States[k], u)
	}
	return tr
}

// StateBounds returns the box constraint on the state: position unbounded,
// velocity within ±MaxSpeed.
func (m Model) StateBounds() (lo, hi types.State) {
	inf := math.Inf(1)
	lo = types.State{-inf, -inf, -inf, -m.MaxSpeed, -m.MaxSpeed, -m.MaxSpeed}
	hi = types.State{inf, inf, inf, m.MaxSpeed, m.MaxSpeed, m.MaxSpeed}
	return lo, hi
}

// Steps returns N = ⌈T/dt⌉.
//
// Expectations:
//   - Steps(10) with dt 0.1 is 100
//   - A fractional remainder rounds up
//   - Non-positive T gives 0
func (m Model) Steps(T float64) int {
	if T <= 0 || m.Dt <= 0 {
		return 0
	}
	return int(math.Ceil(T/m.Dt - stepEpsilon))
}

// Check verifies that tr is a trajectory this model could have produced:
// N+1 states for N controls, x_{k+1} = A·x_k + B·u_k, controls within
// [UMin, UMax] and velocities within ±MaxSpeed, each up to tol.
//
// Expectations:
//   - Returns nil for a rollout of in-bounds controls
//   - Reports the first step whose successor state is inconsistent
//   - Reports out-of-bound controls and speeds
//   - Reports mismatched state/control counts
func (m Model) Check(tr types.Trajectory, tol float64) error {
	if len(tr.States) != len(tr.Controls)+1 {
		return fmt.Errorf("dynamics: %d states for %d controls", len(tr.States), len(tr.Controls))
	}
	for k, u := range tr.Controls {
		for i := 0; i < 3; i++ {
			if u[i] < m.UMin[i]-tol || u[i] > m.UMax[i]+tol {
				return fmt.Errorf("dynamics: control %d axis %d = %.4g outside ±%.4g", k, i, u[i], m.MaxAcc)
			}
		}
		want := m.Step(tr.States[k], u)
		for i := 0; i < 6; i++ {
			if math.Abs(want[i]-tr.States[k+1][i]) > tol {
				return fmt.Errorf("dynamics: state %d component %d = %.4g, dynamics give %.4g", k+1, i, tr.States[k+1][i], want[i])
			}
		}
	}
	for k, x := range tr.States {
		for i := 3; i < 6; i++ {
			if math.Abs(x[i]) > m.MaxSpeed+tol {
				return fmt.Errorf("dynamics: state %d velocity %d = %.4g exceeds %.4g", k, i-3, x[i], m.MaxSpeed)
			}
		}
	}
	return nil
}

// Saturate clips u into the control bounds. Controls accepted by Check may
// overshoot them by the check's slack.
func (m Model) Saturate(u types.Control) types.Control {
	for i := range u {
		u[i] = clamp(u[i], m.UMin[i], m.UMax[i])
	}
	return u
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
