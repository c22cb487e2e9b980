package auditor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/types"
)

// newTestAuditor builds an Auditor without a log file; writeEvent only counts.
func newTestAuditor() *Auditor {
	return New(nil, os.DevNull)
}

func rejectedMsg(missionID string) types.Message {
	return types.Message{
		From:    types.RoleMission,
		To:      types.RoleMemory,
		Type:    types.MsgSegmentRejected,
		Payload: types.SegmentOutcome{MissionID: missionID, Spec: "s"},
	}
}

func TestBoundaryViolation_WrongSender(t *testing.T) {
	// A solve result claiming to come from the translator is a boundary violation
	a := newTestAuditor()
	a.process(types.Message{From: types.RoleTranslator, To: types.RoleMission, Type: types.MsgSolveResult, Payload: types.SolveResult{}})
	if a.Anomalies() != 1 {
		t.Errorf("anomalies = %d, want 1", a.Anomalies())
	}
}

func TestBoundaryViolation_AllowsEitherDecider(t *testing.T) {
	// Check verdicts may come from the checker or the operator
	a := newTestAuditor()
	a.process(types.Message{From: types.RoleChecker, To: types.RoleMission, Type: types.MsgCheckVerdict, Payload: types.CheckVerdict{}})
	a.process(types.Message{From: types.RoleUser, To: types.RoleMission, Type: types.MsgCheckVerdict, Payload: types.CheckVerdict{}})
	if a.Anomalies() != 0 {
		t.Errorf("anomalies = %d, want 0", a.Anomalies())
	}
}

func TestThrashing_FiresAtThresholdAndResetsOnAccept(t *testing.T) {
	// Consecutive rejections in one mission reach the threshold; an accepted segment resets the count
	a := newTestAuditor()
	for i := 0; i < thrashThreshold-1; i++ {
		a.process(rejectedMsg("m1"))
	}
	a.process(rejectedMsg("m2"))
	if a.Anomalies() != 0 {
		t.Fatalf("anomalies before threshold = %d", a.Anomalies())
	}
	a.process(types.Message{From: types.RoleMission, To: types.RoleMemory, Type: types.MsgSegmentAccepted, Payload: types.SegmentOutcome{MissionID: "m1"}})
	a.process(rejectedMsg("m1"))
	if a.Anomalies() != 0 {
		t.Fatalf("accept did not reset: %d", a.Anomalies())
	}
	for i := 0; i < thrashThreshold-1; i++ {
		a.process(rejectedMsg("m1"))
	}
	if a.Anomalies() != 1 {
		t.Errorf("anomalies = %d, want 1", a.Anomalies())
	}
}

func TestHorizonCreep(t *testing.T) {
	// Repeated horizon extensions in one mission are flagged
	a := newTestAuditor()
	for i := 1; i <= horizonThreshold; i++ {
		a.process(types.Message{From: types.RoleMission, To: types.RoleRepair, Type: types.MsgHorizonExtended,
			Payload: types.HorizonExtension{MissionID: "m1", Horizon: 25 + 5*float64(i), RepairRound: i}})
	}
	if a.Anomalies() != 1 {
		t.Errorf("anomalies = %d, want 1", a.Anomalies())
	}
}

func TestRun_WritesJSONL(t *testing.T) {
	// Run writes one JSONL event per message and drains the tap on cancel
	b := bus.New()
	logPath := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a := New(b.NewTap(), logPath)
	b.Publish(types.Message{From: types.RoleMission, To: types.RoleSolver, Type: types.MsgSolveRequest, Payload: types.SolveRequest{MissionID: "m1"}})
	b.Publish(types.Message{From: types.RoleMission, To: types.RoleUser, Type: types.MsgMissionEnd, Payload: types.MissionSummary{MissionID: "m1"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].MissionID != "m1" || events[0].Anomaly != "none" || events[1].MessageType != string(types.MsgMissionEnd) {
		t.Errorf("events = %+v", events)
	}
}
