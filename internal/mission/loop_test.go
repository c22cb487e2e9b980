package mission

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/scenario"
	"github.com/haricheung/stlpilot/internal/solver"
	"github.com/haricheung/stlpilot/internal/types"
)

const goalSpec = `inside_cuboid(objects["goal"]).eventually(0, 5)`

// conversation replays turns; after the script it signals exit.
type conversation struct {
	specs     []string // "" means a reply without a specification
	feedbacks []bool
	histories [][]types.ChatMessage
	repairs   []string
	repairTo  string
}

func (c *conversation) Converse(_ context.Context, history []types.ChatMessage, feedback bool, _ int) (types.Turn, error) {
	c.feedbacks = append(c.feedbacks, feedback)
	c.histories = append(c.histories, history)
	h := append(append([]types.ChatMessage(nil), history...), types.ChatMessage{Role: types.ChatUser, Content: "go"})
	if len(c.specs) == 0 {
		return types.Turn{History: h, Exit: true}, nil
	}
	s := c.specs[0]
	c.specs = c.specs[1:]
	h = append(h, types.ChatMessage{Role: types.ChatAssistant, Content: "<" + s + ">"})
	return types.Turn{History: h, Spec: types.Extraction{Text: s, Found: s != ""}}, nil
}

func (c *conversation) Repair(_ context.Context, spec string, _ int) (types.Extraction, error) {
	c.repairs = append(c.repairs, spec)
	return types.Extraction{Text: c.repairTo, Found: c.repairTo != ""}, nil
}

// walker moves +1 in x per step from X0. When infeasible is set it returns the sentinel.
type walker struct {
	infeasible bool
	problems   []solver.Problem
}

func (w *walker) Solve(_ context.Context, p solver.Problem) (types.Trajectory, error) {
	w.problems = append(w.problems, p)
	n := p.Model.Steps(p.T)
	if w.infeasible {
		return types.NaNTrajectory(n), &solver.InfeasibleError{Reason: "status=infeasible", Status: "infeasible"}
	}
	tr := types.Trajectory{Controls: make([]types.Control, n)}
	for k := 0; k <= n; k++ {
		s := p.X0
		s[0] += float64(k)
		tr.States = append(tr.States, s)
	}
	return tr, nil
}

type confirmer struct {
	answers []bool
	asked   []string
}

func (c *confirmer) Confirm(q string) (bool, error) {
	c.asked = append(c.asked, q)
	if len(c.answers) == 0 {
		return true, nil
	}
	a := c.answers[0]
	c.answers = c.answers[1:]
	return a, nil
}

type checker struct {
	verdicts []types.Verdict
	calls    int
}

func (c *checker) Check(_ context.Context, _ string, _ []types.ChatMessage) (types.Verdict, string, error) {
	c.calls++
	v := types.VerdictRejected
	if len(c.verdicts) > 0 {
		v = c.verdicts[0]
		c.verdicts = c.verdicts[1:]
	}
	return v, "<" + string(v) + "> because", nil
}

func testScenario(t *testing.T) *scenario.Scenario {
	t.Helper()
	set, err := region.NewSet(region.Box("goal", 8, 12, -1, 1, -1, 1))
	if err != nil {
		t.Fatal(err)
	}
	return &scenario.Scenario{Name: "test", Regions: set, X0: types.State{0, 0, 0, 0, 0, 0}, THorizon: 5}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dt = 1
	cfg.ManualSpecCheck = false
	cfg.ManualTrajectoryCheck = false
	return cfg
}

func run(t *testing.T, cfg Config, d Deps) Result {
	t.Helper()
	l, err := New(cfg, testScenario(t), "m1", d)
	if err != nil {
		t.Fatal(err)
	}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestRun_StitchesSegmentsWithoutDuplicateBoundary(t *testing.T) {
	// The second segment starts at the first one's terminal state, which appears exactly once
	conv := &conversation{specs: []string{goalSpec, goalSpec}}
	w := &walker{}
	cfg := testConfig()
	cfg.ManualTrajectoryCheck = true
	conf := &confirmer{}
	res := run(t, cfg, Deps{Conversation: conv, Solver: w, Confirmer: conf})

	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d", len(res.Segments))
	}
	if w.problems[1].X0 != (types.State{5, 0, 0, 0, 0, 0}) {
		t.Errorf("second x0 = %v", w.problems[1].X0)
	}
	if len(res.Trajectory.States) != 11 || len(res.Trajectory.Controls) != 10 {
		t.Fatalf("cumulative = %d states / %d controls", len(res.Trajectory.States), len(res.Trajectory.Controls))
	}
	xa := types.State{5, 0, 0, 0, 0, 0}
	count := 0
	for i, s := range res.Trajectory.States {
		if s == xa {
			count++
		}
		if s[0] != float64(i) {
			t.Errorf("state %d = %v", i, s)
		}
	}
	if count != 1 {
		t.Errorf("boundary state appears %d times", count)
	}
	if len(conf.asked) != 2 || !strings.Contains(conf.asked[0], "trajectory") {
		t.Errorf("asked = %v", conf.asked)
	}
	if res.Accomplished != nil {
		t.Errorf("unknown scenario should give no verdict, got %v", *res.Accomplished)
	}
}

func TestRun_OperatorRejectionKeepsX0(t *testing.T) {
	// A rejected segment is discarded and the next solve starts from the same x0
	conv := &conversation{specs: []string{goalSpec, goalSpec}}
	w := &walker{}
	cfg := testConfig()
	cfg.ManualTrajectoryCheck = true
	res := run(t, cfg, Deps{Conversation: conv, Solver: w, Confirmer: &confirmer{answers: []bool{false, true}}})
	if len(res.Segments) != 1 || w.problems[1].X0 != w.problems[0].X0 {
		t.Errorf("segments=%d x0s=%v/%v", len(res.Segments), w.problems[0].X0, w.problems[1].X0)
	}
	if res.Trajectory.Steps() != 5 {
		t.Errorf("cumulative steps = %d", res.Trajectory.Steps())
	}
}

func TestRun_RepairLimitTerminatesNotAccomplished(t *testing.T) {
	// Persistent infeasibility widens T per repair round and ends the mission failed once the budget is spent
	conv := &conversation{specs: []string{goalSpec}, repairTo: goalSpec}
	cfg := testConfig()
	cfg.SyntaxCheckerEnabled = true
	cfg.SyntaxCheckLimit = 2
	var out bytes.Buffer
	res := run(t, cfg, Deps{Conversation: conv, Solver: &walker{infeasible: true}, Out: &out})

	if len(conv.repairs) != 2 {
		t.Errorf("repairs = %d, want 2", len(conv.repairs))
	}
	if res.Horizon != 15 {
		t.Errorf("horizon = %v, want 15", res.Horizon)
	}
	if res.Accomplished == nil || *res.Accomplished {
		t.Errorf("accomplished = %v, want false", res.Accomplished)
	}
	if !strings.Contains(res.Reason, "syntax repair limit") {
		t.Errorf("reason = %q", res.Reason)
	}
	if len(res.Trajectory.States) != 1 {
		t.Errorf("cumulative trajectory should only hold x0, got %d states", len(res.Trajectory.States))
	}
	if strings.Count(out.String(), "infeasible: status=infeasible") != 3 {
		t.Errorf("every infeasibility should be reported:\n%s", out.String())
	}
}

func TestRun_RepairDisabledReturnsToConversation(t *testing.T) {
	// Without syntax repair the failure is noted in the history and the next round asks for feedback
	conv := &conversation{specs: []string{`inside_cuboid(objects["nowhere"])`}}
	res := run(t, testConfig(), Deps{Conversation: conv, Solver: &walker{}})
	if len(conv.feedbacks) != 2 || conv.feedbacks[0] || !conv.feedbacks[1] {
		t.Fatalf("feedbacks = %v", conv.feedbacks)
	}
	h := conv.histories[1]
	last := h[len(h)-1]
	if last.Role != types.ChatSystem || !strings.Contains(last.Content, "does not parse") {
		t.Errorf("note = %+v", last)
	}
	if len(conv.repairs) != 0 || res.Reason != "operator ended the conversation" {
		t.Errorf("repairs=%d reason=%q", len(conv.repairs), res.Reason)
	}
}

func TestRun_CheckerCounterAndLimit(t *testing.T) {
	// The checker runs at most SpecCheckLimit times; once skipped, candidates are accepted
	conv := &conversation{specs: []string{goalSpec, goalSpec, goalSpec}}
	chk := &checker{}
	cfg := testConfig()
	cfg.SpecCheckerEnabled = true
	cfg.SpecCheckLimit = 2
	res := run(t, cfg, Deps{Conversation: conv, Solver: &walker{}, Checker: chk})
	if chk.calls != 2 {
		t.Errorf("checker calls = %d, want 2", chk.calls)
	}
	if len(res.Segments) != 1 {
		t.Errorf("segments = %d, want 1", len(res.Segments))
	}
	if !conv.feedbacks[1] || !conv.feedbacks[2] {
		t.Errorf("rejections should request feedback: %v", conv.feedbacks)
	}
	found := false
	for _, m := range res.History {
		if m.Role == types.ChatSystem && strings.HasPrefix(m.Content, "Specification checker: <rejected>") {
			found = true
		}
	}
	if !found {
		t.Error("checker feedback missing from history")
	}
}

func TestRun_OperatorOverridesChecker(t *testing.T) {
	// With manual confirmation the operator's answer decides even after a checker rejection
	conv := &conversation{specs: []string{goalSpec}}
	cfg := testConfig()
	cfg.SpecCheckerEnabled = true
	cfg.ManualTrajectoryCheck = true
	res := run(t, cfg, Deps{Conversation: conv, Solver: &walker{}, Checker: &checker{}, Confirmer: &confirmer{}})
	if len(res.Segments) != 1 {
		t.Errorf("segments = %d, want 1", len(res.Segments))
	}
}

func TestRun_PrecheckSolvesWithoutDynamicsFirst(t *testing.T) {
	// The geometry-only pre-check runs before the full solve for a new spec
	conv := &conversation{specs: []string{goalSpec}}
	w := &walker{}
	cfg := testConfig()
	cfg.DynamiclessCheckEnabled = true
	run(t, cfg, Deps{Conversation: conv, Solver: w})
	if len(w.problems) != 2 || w.problems[0].IncludeDynamics || !w.problems[1].IncludeDynamics {
		t.Errorf("solves = %+v", w.problems)
	}
}

func TestRun_IncompleteTurnsHitIterationLimit(t *testing.T) {
	// Replies without a specification keep the loop in awaiting_spec until MaxIterations
	conv := &conversation{specs: []string{"", "", "", ""}}
	cfg := testConfig()
	cfg.MaxIterations = 3
	res := run(t, cfg, Deps{Conversation: conv, Solver: &walker{}})
	if res.Iterations != 3 || !strings.Contains(res.Reason, "iteration limit") {
		t.Errorf("iterations=%d reason=%q", res.Iterations, res.Reason)
	}
}

func TestRun_StopAfterSegments(t *testing.T) {
	// The mission ends once the configured number of segments was accepted
	conv := &conversation{specs: []string{goalSpec, goalSpec}}
	cfg := testConfig()
	cfg.StopAfterSegments = 1
	res := run(t, cfg, Deps{Conversation: conv, Solver: &walker{}})
	if len(res.Segments) != 1 || len(conv.feedbacks) != 1 {
		t.Errorf("segments=%d conversations=%d", len(res.Segments), len(conv.feedbacks))
	}
}

func TestRun_PublishesMissionEvents(t *testing.T) {
	// Observers see the spec, the solve, the accepted segment and the mission end
	b := bus.New()
	tap := b.NewTap()
	conv := &conversation{specs: []string{goalSpec}}
	run(t, testConfig(), Deps{Conversation: conv, Solver: &walker{}, Bus: b})

	var seen []types.MessageType
	for len(tap) > 0 {
		seen = append(seen, (<-tap).Type)
	}
	want := []types.MessageType{types.MsgSpecProposed, types.MsgSolveRequest, types.MsgSolveResult, types.MsgSegmentAccepted, types.MsgMissionEnd}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRun_CancelledContext(t *testing.T) {
	// A cancelled context stops the loop and still yields a result
	l, err := New(testConfig(), testScenario(t), "", Deps{Conversation: &conversation{}, Solver: &walker{}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) || res.Reason != "cancelled" || res.MissionID == "" {
		t.Errorf("err=%v reason=%q id=%q", err, res.Reason, res.MissionID)
	}
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	// Enabled checks need their collaborators
	cfg := testConfig()
	cfg.ManualTrajectoryCheck = true
	if _, err := New(cfg, testScenario(t), "", Deps{Conversation: &conversation{}, Solver: &walker{}}); err == nil {
		t.Error("expected error without a confirmer")
	}
	cfg = testConfig()
	cfg.Dt = 0
	if _, err := New(cfg, testScenario(t), "", Deps{Conversation: &conversation{}, Solver: &walker{}}); err == nil {
		t.Error("expected config error")
	}
}

func TestRun_ConfiguredToleranceAppliesToUnmarkedPredicates(t *testing.T) {
	// Predicates without their own tolerance get Config.Tolerance; explicit ones keep theirs
	explicit := `inside_cuboid(objects["goal"], 0.05).eventually(0, 5)`
	conv := &conversation{specs: []string{goalSpec, explicit}}
	w := &walker{}
	cfg := testConfig()
	cfg.Tolerance = 0.25
	run(t, cfg, Deps{Conversation: conv, Solver: w})
	if len(w.problems) != 2 {
		t.Fatalf("solves = %d", len(w.problems))
	}
	if got := w.problems[0].Spec.String(); !strings.Contains(got, ", 0.25)") {
		t.Errorf("first spec = %q, want tolerance 0.25", got)
	}
	if got := w.problems[1].Spec.String(); !strings.Contains(got, ", 0.05)") {
		t.Errorf("second spec = %q, want tolerance 0.05", got)
	}
}
