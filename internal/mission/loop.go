// Package mission runs the planning loop: ask for a specification, solve it,
// validate the candidate segment and stitch accepted segments into one
// cumulative trajectory.
//
// The loop is strictly sequential. It owns the conversation history and the
// cumulative trajectory; observers only see copies through the bus.
package mission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/dynamics"
	"github.com/haricheung/stlpilot/internal/monitor"
	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/scenario"
	"github.com/haricheung/stlpilot/internal/solver"
	"github.com/haricheung/stlpilot/internal/stl"
	"github.com/haricheung/stlpilot/internal/tasklog"
	"github.com/haricheung/stlpilot/internal/types"
)

// Conversation produces specifications from a natural-language dialogue and
// repairs specifications the solver could not use.
type Conversation interface {
	Converse(ctx context.Context, history []types.ChatMessage, feedback bool, horizonSteps int) (types.Turn, error)
	Repair(ctx context.Context, spec string, horizonSteps int) (types.Extraction, error)
}

// Checker is the automated acceptance collaborator.
type Checker interface {
	Check(ctx context.Context, summary string, history []types.ChatMessage) (types.Verdict, string, error)
}

// Confirmer asks the operator a y/n question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Solver turns a problem into a trajectory or the infeasibility sentinel.
// *solver.Adapter satisfies it.
type Solver interface {
	Solve(ctx context.Context, p solver.Problem) (types.Trajectory, error)
}

// Deps are the loop's collaborators. Checker and Confirmer may be nil when
// the corresponding checks are disabled; Bus, Log and Out are optional.
type Deps struct {
	Conversation Conversation
	Solver       Solver
	Checker      Checker
	Confirmer    Confirmer
	Bus          *bus.Bus
	Log          *tasklog.TaskLog
	Out          io.Writer // operator status lines
}

// Segment is one accepted piece of the mission.
type Segment struct {
	Spec       string
	Horizon    float64 // seconds
	Trajectory types.Trajectory
}

// Result is what a finished mission yields.
type Result struct {
	MissionID    string
	Trajectory   types.Trajectory // cumulative; starts at the scenario's x0
	Occupancy    monitor.Matrix
	Accomplished *bool // nil when the scenario has no task check
	History      []types.ChatMessage
	Segments     []Segment
	Reason       string // why the mission terminated
	Iterations   int
	Horizon      float64 // final T in seconds
}

type state int

const (
	awaitingSpec state = iota
	prechecking
	solving
	validating
	terminated
)

func (s state) String() string {
	switch s {
	case awaitingSpec:
		return "awaiting_spec"
	case prechecking:
		return "prechecking"
	case solving:
		return "solving"
	case validating:
		return "validating"
	default:
		return "terminated"
	}
}

// Loop is one mission. It is not safe for concurrent use and runs once.
type Loop struct {
	cfg   Config
	sc    *scenario.Scenario
	model dynamics.Model
	id    string
	d     Deps
	out   io.Writer

	// run state, owned by Run
	history      []types.ChatMessage
	feedback     bool
	pending      string // repaired specification to try next
	spec         string
	formula      stl.Formula
	specAccepted bool // current spec passed the geometry-only pre-check
	candidate    types.Trajectory
	horizon      float64
	x0           types.State
	cumulative   types.Trajectory
	segments     []Segment
	syntaxIter   int
	specIter     int
	iterations   int
	rejections   int
	failed       bool // terminated by an exhausted repair budget
	reason       string
	checkerNoted bool
}

// New validates cfg and prepares a mission for sc. missionID may be empty.
func New(cfg Config, sc *scenario.Scenario, missionID string, d Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sc == nil || sc.Regions == nil {
		return nil, fmt.Errorf("mission: no scenario")
	}
	if d.Conversation == nil || d.Solver == nil {
		return nil, fmt.Errorf("mission: conversation and solver are required")
	}
	if cfg.SpecCheckerEnabled && d.Checker == nil {
		return nil, fmt.Errorf("mission: spec checker enabled without a checker")
	}
	if (cfg.ManualSpecCheck || cfg.ManualTrajectoryCheck) && d.Confirmer == nil {
		return nil, fmt.Errorf("mission: manual checks enabled without a confirmer")
	}
	if missionID == "" {
		missionID = uuid.New().String()
	}
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	return &Loop{
		cfg:        cfg,
		sc:         sc,
		model:      cfg.Model(),
		id:         missionID,
		d:          d,
		out:        out,
		horizon:    sc.THorizon,
		x0:         sc.X0,
		cumulative: types.Trajectory{States: []types.State{sc.X0}},
	}, nil
}

// Run drives the state machine until the operator exits, a limit is
// exhausted or ctx is cancelled. Collaborator failures other than
// infeasibility abort the mission; the partial Result is still returned.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	log.Printf("[MISSION] start id=%s scenario=%s T=%.1fs dt=%.2f", l.id, l.sc.Name, l.horizon, l.cfg.Dt)
	st := awaitingSpec
	var err error
	for st != terminated && err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.terminate("cancelled")
			err = ctxErr
			break
		}
		prev := st
		switch st {
		case awaitingSpec:
			st, err = l.awaitSpec(ctx)
		case prechecking:
			st, err = l.precheck(ctx)
		case solving:
			st, err = l.solve(ctx)
		case validating:
			st, err = l.validate(ctx)
		}
		if st != prev {
			log.Printf("[MISSION] %s → %s", prev, st)
		}
	}
	if err != nil && l.reason == "" {
		l.terminate(fmt.Sprintf("aborted: %v", err))
	}
	return l.finish(), err
}

func (l *Loop) steps() int { return l.model.Steps(l.horizon) }

func (l *Loop) terminate(reason string) state {
	l.reason = reason
	fmt.Fprintf(l.out, "Mission terminated: %s\n", reason)
	return terminated
}

// awaitSpec obtains the next specification, from a pending repair or from
// the conversation, and parses it.
func (l *Loop) awaitSpec(ctx context.Context) (state, error) {
	if l.iterations >= l.cfg.MaxIterations {
		return l.terminate(fmt.Sprintf("iteration limit (%d) reached", l.cfg.MaxIterations)), nil
	}
	l.iterations++

	if l.pending != "" {
		l.spec, l.pending = l.pending, ""
		fmt.Fprintf(l.out, "Using repaired specification: %s\n", l.spec)
		l.publish(types.RoleRepair, types.RoleMission, types.MsgSpecRepaired, types.SpecProposal{
			MissionID: l.id, Iteration: l.iterations, Spec: l.spec, Horizon: l.horizon, Repaired: true,
		})
	} else {
		turn, err := l.d.Conversation.Converse(ctx, l.history, l.feedback, l.steps())
		if err != nil {
			return terminated, fmt.Errorf("mission: conversation: %w", err)
		}
		l.feedback = false
		l.history = turn.History
		if turn.Exit {
			return l.terminate("operator ended the conversation"), nil
		}
		if !turn.Spec.Found {
			fmt.Fprintln(l.out, "No specification in the reply; continuing the conversation.")
			return awaitingSpec, nil
		}
		l.spec = turn.Spec.Text
		l.specAccepted = false
		fmt.Fprintf(l.out, "Extracted specification: %s\n", l.spec)
		l.publish(types.RoleTranslator, types.RoleMission, types.MsgSpecProposed, types.SpecProposal{
			MissionID: l.id, Iteration: l.iterations, Spec: l.spec, Horizon: l.horizon,
		})
	}

	f, err := stl.Parse(l.spec, toleranceEnv{regions: l.sc.Regions, tol: l.cfg.Tolerance}, l.steps())
	if err != nil {
		return l.infeasible(ctx, fmt.Sprintf("specification does not parse: %v", err))
	}
	l.formula = f
	if l.cfg.DynamiclessCheckEnabled && !l.specAccepted {
		return prechecking, nil
	}
	return solving, nil
}

// toleranceEnv applies the configured margin to predicates that do not name one.
type toleranceEnv struct {
	regions *region.Set
	tol     float64
}

func (e toleranceEnv) Predicate(call stl.PredicateCall) (stl.Formula, error) {
	if !call.TolSet {
		call.Tol = e.tol
	}
	return e.regions.Predicate(call)
}

// precheck solves without dynamics so the deciders can judge what the
// specification asks for before the full solve.
func (l *Loop) precheck(ctx context.Context) (state, error) {
	fmt.Fprintln(l.out, "Checking the specification without dynamics...")
	tr, reason, err := l.callSolver(ctx, false)
	if err != nil {
		return terminated, err
	}
	if reason != "" {
		return l.infeasible(ctx, reason)
	}
	accepted, err := l.decide(ctx, "spec", tr)
	if err != nil {
		return terminated, err
	}
	if !accepted {
		return l.reject("specification rejected in the pre-check", tr), nil
	}
	fmt.Fprintln(l.out, "The specification is accepted.")
	l.specAccepted = true
	return solving, nil
}

func (l *Loop) solve(ctx context.Context) (state, error) {
	fmt.Fprintln(l.out, "Generating the trajectory...")
	tr, reason, err := l.callSolver(ctx, true)
	if err != nil {
		return terminated, err
	}
	if reason != "" {
		return l.infeasible(ctx, reason)
	}
	l.candidate = tr
	return validating, nil
}

func (l *Loop) validate(ctx context.Context) (state, error) {
	accepted, err := l.decide(ctx, "trajectory", l.candidate)
	if err != nil {
		return terminated, err
	}
	if !accepted {
		return l.reject("trajectory rejected", l.candidate), nil
	}
	return l.accept(), nil
}

// callSolver runs the solver and reports infeasibility as a reason string.
// err is reserved for cancellation and other non-infeasibility failures.
func (l *Loop) callSolver(ctx context.Context, includeDynamics bool) (types.Trajectory, string, error) {
	n := l.steps()
	l.publish(types.RoleMission, types.RoleSolver, types.MsgSolveRequest, types.SolveRequest{
		MissionID: l.id, Iteration: l.iterations, Spec: l.spec, Horizon: l.horizon, Steps: n, X0: l.x0, IncludeDynamics: includeDynamics,
	})
	start := time.Now()
	tr, err := l.d.Solver.Solve(ctx, solver.Problem{
		Spec:            l.formula,
		Regions:         l.sc.Regions,
		Model:           l.model,
		X0:              l.x0,
		T:               l.horizon,
		IncludeDynamics: includeDynamics,
	})
	elapsed := time.Since(start).Milliseconds()

	var reason string
	switch {
	case err != nil && !solver.IsInfeasible(err):
		if ctx.Err() != nil {
			return tr, "", ctx.Err()
		}
		// Unexpected solver failures are still infeasibility for the loop.
		reason = err.Error()
	case err != nil:
		var ie *solver.InfeasibleError
		errors.As(err, &ie)
		reason = ie.Reason
	case tr.Infeasible():
		reason = "solver returned the infeasibility sentinel"
	}

	res := types.SolveResult{
		MissionID: l.id, Iteration: l.iterations, Feasible: reason == "", Reason: reason,
		IncludeDynamics: includeDynamics, ElapsedMs: elapsed,
	}
	if reason == "" {
		term := tr.Terminal()
		res.Terminal = &term
	}
	l.publish(types.RoleSolver, types.RoleMission, types.MsgSolveResult, res)
	l.d.Log.Solve(l.spec, n, includeDynamics, reason == "", reason, elapsed)
	return tr, reason, nil
}

// decide runs the monitor and the enabled deciders on tr. The operator's
// answer, when asked, is final; otherwise the candidate is accepted unless
// the checker rejects it.
func (l *Loop) decide(ctx context.Context, stage string, tr types.Trajectory) (bool, error) {
	m := monitor.Occupancy(tr, l.sc.Regions)
	monitor.Render(l.out, m)
	summary := monitor.Describe(m)

	rejected := false
	if l.cfg.SpecCheckerEnabled {
		if l.specIter < l.cfg.SpecCheckLimit {
			v, raw, err := l.d.Checker.Check(ctx, summary, l.history)
			if err != nil {
				return false, fmt.Errorf("mission: checker: %w", err)
			}
			l.specIter++
			l.verdict(stage, "checker", v, raw, l.specIter)
			if v != types.VerdictAccepted {
				rejected = true
				if v == types.VerdictNoVerdict {
					raw += "\n(no <accepted> or <rejected> marker; treated as a rejection)"
				}
				l.history = append(l.history, types.ChatMessage{Role: types.ChatSystem, Content: "Specification checker: " + raw})
				l.feedback = true
				fmt.Fprintf(l.out, "The %s is rejected by the checker. Processing feedback...\n", stage)
			}
		} else if !l.checkerNoted {
			l.checkerNoted = true
			fmt.Fprintf(l.out, "Specification checker limit (%d) reached; skipping the checker.\n", l.cfg.SpecCheckLimit)
		}
	}

	manual := (stage == "spec" && l.cfg.ManualSpecCheck) || (stage == "trajectory" && l.cfg.ManualTrajectoryCheck)
	if manual {
		ok, err := l.d.Confirmer.Confirm(fmt.Sprintf("Accept the %s? (y/n): ", stage))
		if err != nil {
			return false, fmt.Errorf("mission: confirm: %w", err)
		}
		v := types.VerdictRejected
		if ok {
			v = types.VerdictAccepted
		}
		l.verdict(stage, "operator", v, "", 0)
		if !ok {
			fmt.Fprintf(l.out, "The %s is rejected.\n", stage)
			return false, nil
		}
		l.feedback = false
		return true, nil
	}
	return !rejected, nil
}

func (l *Loop) verdict(stage, source string, v types.Verdict, feedback string, attempt int) {
	from := types.RoleChecker
	if source == "operator" {
		from = types.RoleUser
	}
	l.publish(from, types.RoleMission, types.MsgCheckVerdict, types.CheckVerdict{
		MissionID: l.id, Iteration: l.iterations, Stage: stage, Source: source, Verdict: v, Feedback: feedback, Attempt: attempt,
	})
	l.d.Log.Verdict(stage, source, string(v), feedback, attempt)
}

// accept stitches the candidate onto the cumulative trajectory. The
// candidate's first state equals the current x0 and is not repeated.
func (l *Loop) accept() state {
	tr := l.candidate
	l.cumulative.States = append(l.cumulative.States, tr.States[1:]...)
	l.cumulative.Controls = append(l.cumulative.Controls, tr.Controls...)
	l.x0 = tr.Terminal()
	l.segments = append(l.segments, Segment{Spec: l.spec, Horizon: l.horizon, Trajectory: tr})
	l.specAccepted = false
	l.feedback = false
	l.rejections = 0
	l.candidate = types.Trajectory{}

	fmt.Fprintf(l.out, "The trajectory is accepted. Current position: (%.2f, %.2f, %.2f)\n", l.x0[0], l.x0[1], l.x0[2])
	l.publish(types.RoleMission, types.RoleMemory, types.MsgSegmentAccepted, l.outcome(len(l.segments), tr, ""))
	l.d.Log.Segment(len(l.segments), true, l.spec, tr.Steps(), "")

	if l.cfg.StopAfterSegments > 0 && len(l.segments) >= l.cfg.StopAfterSegments {
		return l.terminate(fmt.Sprintf("%d segment(s) accepted", len(l.segments)))
	}
	return awaitingSpec
}

// reject discards the candidate and keeps x0.
func (l *Loop) reject(reason string, tr types.Trajectory) state {
	l.rejections++
	l.candidate = types.Trajectory{}
	fmt.Fprintf(l.out, "Segment discarded: %s\n", reason)
	l.publish(types.RoleMission, types.RoleMemory, types.MsgSegmentRejected, l.outcome(0, tr, reason))
	l.d.Log.Segment(0, false, l.spec, tr.Steps(), reason)
	return awaitingSpec
}

// infeasible handles a spec the solver could not use. With syntax repair
// enabled it widens T and asks for a repaired spec until the repair budget
// is spent; without it the failure is noted in the conversation.
func (l *Loop) infeasible(ctx context.Context, reason string) (state, error) {
	fmt.Fprintf(l.out, "The specification is infeasible: %s\n", reason)
	l.rejections++
	so := l.outcome(0, types.Trajectory{}, reason)
	so.Infeasible = true
	l.publish(types.RoleMission, types.RoleMemory, types.MsgSegmentRejected, so)
	l.d.Log.Segment(0, false, l.spec, 0, reason)

	if !l.cfg.SyntaxCheckerEnabled {
		l.history = append(l.history, types.ChatMessage{
			Role:    types.ChatSystem,
			Content: fmt.Sprintf("The solver could not produce a trajectory for <%s>: %s. Please provide a different specification.", l.spec, reason),
		})
		l.feedback = true
		return awaitingSpec, nil
	}
	if l.syntaxIter >= l.cfg.SyntaxCheckLimit {
		l.failed = true
		return l.terminate(fmt.Sprintf("syntax repair limit (%d) exhausted; last failure: %s", l.cfg.SyntaxCheckLimit, reason)), nil
	}

	prev := l.horizon
	l.horizon += l.cfg.HorizonIncrement
	l.syntaxIter++
	fmt.Fprintf(l.out, "The time horizon is increased by %g seconds. New T = %g s, N = %d.\n", l.cfg.HorizonIncrement, l.horizon, l.steps())
	fmt.Fprintln(l.out, "Checking the syntax of the specification...")
	l.publish(types.RoleMission, types.RoleRepair, types.MsgHorizonExtended, types.HorizonExtension{
		MissionID: l.id, Previous: prev, Horizon: l.horizon, RepairRound: l.syntaxIter, Reason: reason,
	})
	l.d.Log.Horizon(prev, l.horizon, l.syntaxIter, reason)

	ext, err := l.d.Conversation.Repair(ctx, l.spec, l.steps())
	if err != nil {
		return terminated, fmt.Errorf("mission: repair: %w", err)
	}
	if !ext.Found {
		fmt.Fprintln(l.out, "The syntax checker returned no specification; asking the translator instead.")
		l.history = append(l.history, types.ChatMessage{
			Role:    types.ChatSystem,
			Content: fmt.Sprintf("The specification <%s> could not be solved (%s). The horizon is now %d steps.", l.spec, reason, l.steps()),
		})
		l.feedback = true
		return awaitingSpec, nil
	}
	l.pending = ext.Text
	return awaitingSpec, nil
}

func (l *Loop) outcome(segment int, tr types.Trajectory, reason string) types.SegmentOutcome {
	so := types.SegmentOutcome{
		MissionID:  l.id,
		Scenario:   l.sc.Name,
		Request:    lastUserMessage(l.history),
		Iteration:  l.iterations,
		Segment:    segment,
		Spec:       l.spec,
		Steps:      tr.Steps(),
		Reason:     reason,
		Rejections: l.rejections,
	}
	if len(tr.States) > 0 && !tr.Infeasible() {
		so.Terminal = tr.Terminal()
	}
	return so
}

func lastUserMessage(h []types.ChatMessage) string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == types.ChatUser {
			return h[i].Content
		}
	}
	return ""
}

// finish evaluates the cumulative trajectory and publishes the summary.
func (l *Loop) finish() Result {
	m := monitor.Occupancy(l.cumulative, l.sc.Regions)
	var accomplished *bool
	if l.failed {
		f := false
		accomplished = &f
	} else if acc, ok := monitor.TaskCheck(m, l.sc.Name); ok {
		accomplished = &acc
	}

	if len(l.segments) == 0 {
		fmt.Fprintln(l.out, "No trajectories were accepted.")
	} else {
		fmt.Fprintf(l.out, "The full trajectory has %d steps in %d segment(s).\n", l.cumulative.Steps(), len(l.segments))
	}
	switch {
	case accomplished == nil:
		fmt.Fprintln(l.out, "Task check: no verdict for this scenario.")
	case *accomplished:
		fmt.Fprintln(l.out, "Task check: accomplished.")
	default:
		fmt.Fprintln(l.out, "Task check: not accomplished.")
	}

	l.publish(types.RoleMission, types.RoleUser, types.MsgMissionEnd, types.MissionSummary{
		MissionID:    l.id,
		Scenario:     l.sc.Name,
		Segments:     len(l.segments),
		Steps:        l.cumulative.Steps(),
		Accomplished: accomplished,
		Reason:       l.reason,
		Iterations:   l.iterations,
	})
	log.Printf("[MISSION] end id=%s segments=%d reason=%q", l.id, len(l.segments), l.reason)

	return Result{
		MissionID:    l.id,
		Trajectory:   l.cumulative,
		Occupancy:    m,
		Accomplished: accomplished,
		History:      l.history,
		Segments:     l.segments,
		Reason:       l.reason,
		Iterations:   l.iterations,
		Horizon:      l.horizon,
	}
}

func (l *Loop) publish(from, to types.Role, t types.MessageType, payload any) {
	if l.d.Bus == nil {
		return
	}
	l.d.Bus.Publish(types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
	})
}
