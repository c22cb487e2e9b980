package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/types"
)

// ---------------------------------------------------------------------------
// deriveAction decision plane thresholds
// ---------------------------------------------------------------------------

func TestDeriveAction(t *testing.T) {
	// Thresholds split the plane into Ignore / Exploit / Avoid / Caution
	cases := []struct {
		att, dec float64
		want     string
	}{
		{0.3, 0.9, "Ignore"},
		{0.9, 0.5, "Exploit"},
		{0.9, -0.5, "Avoid"},
		{0.9, 0.1, "Caution"},
		{0.9, -0.2, "Caution"},
	}
	for _, c := range cases {
		if got := deriveAction(c.att, c.dec); got != c.want {
			t.Errorf("deriveAction(%v, %v) = %q, want %q", c.att, c.dec, got, c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Integration tests using real LevelDB (temp directory)
// ---------------------------------------------------------------------------

func newTestStore(t *testing.T, b *bus.Bus) *Store {
	t.Helper()
	s, err := New(b, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func record(scenario, spec string, outcome types.SpecOutcome, at time.Time) types.SpecRecord {
	return types.SpecRecord{
		ID:        uuid.New().String(),
		CreatedAt: at.Format(time.RFC3339Nano),
		Scenario:  scenario,
		Spec:      spec,
		Outcome:   outcome,
	}
}

func TestNew_FailsOnLockedDB(t *testing.T) {
	// A second open of the same directory fails with an error instead of exiting
	dir := t.TempDir()
	s, err := New(nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.db.Close()
	if _, err := New(nil, dir); err == nil {
		t.Error("expected lock error")
	}
}

func TestRecent_NewestFirstAndFiltered(t *testing.T) {
	// Recent returns newest records first, filtered by outcome and bounded by n
	s := newTestStore(t, nil)
	defer s.db.Close()
	base := time.Now().UTC()
	s.persist(s.complete(record("reach_avoid", "old", types.OutcomeAccepted, base.Add(-2*time.Hour))))
	s.persist(s.complete(record("reach_avoid", "new", types.OutcomeAccepted, base.Add(-time.Hour))))
	s.persist(s.complete(record("reach_avoid", "bad", types.OutcomeRejected, base)))
	s.persist(s.complete(record("narrow_maze", "other", types.OutcomeAccepted, base)))

	got, err := s.Recent("reach_avoid", types.OutcomeAccepted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Spec != "new" || got[1].Spec != "old" {
		t.Fatalf("got %+v", got)
	}
	all, _ := s.Recent("reach_avoid", "", 2)
	if len(all) != 2 || all[0].Spec != "bad" {
		t.Errorf("unfiltered = %+v", all)
	}
	none, err := s.Recent("treasure_hunt", types.OutcomeAccepted, 5)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v (%v)", none, err)
	}
}

func TestComplete_AssignsOutcomeWeights(t *testing.T) {
	// Missing weights come from the outcome table
	s := newTestStore(t, nil)
	defer s.db.Close()
	r := s.complete(types.SpecRecord{Outcome: types.OutcomeInfeasible})
	if r.ID == "" || r.CreatedAt == "" || r.F != 0.3 || r.Sigma != -1 || r.K != 0.5 {
		t.Errorf("got %+v", r)
	}
}

func TestStanding_CombinesEvidencePerSpec(t *testing.T) {
	// Accepted evidence outweighs a single rejection; a rejected-only spec is avoided
	s := newTestStore(t, nil)
	defer s.db.Close()
	now := s.now()
	for _, r := range []types.SpecRecord{
		record("ra", "good", types.OutcomeAccepted, now),
		record("ra", "good", types.OutcomeAccepted, now),
		record("ra", "good", types.OutcomeRejected, now),
		record("ra", "bad", types.OutcomeRejected, now),
	} {
		s.persist(s.complete(r))
	}
	st, err := s.Standing("ra")
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 2 || st[0].Spec != "good" || st[1].Spec != "bad" {
		t.Fatalf("standing = %+v", st)
	}
	if math.Abs(st[0].Decision-(0.9+0.9-0.6)) > 1e-6 || st[0].Action != "Exploit" {
		t.Errorf("good = %+v", st[0])
	}
	if st[1].Action != "Avoid" {
		t.Errorf("bad = %+v", st[1])
	}
	ex, _ := s.Examples("ra", 3)
	if len(ex) != 1 || ex[0] != "good" {
		t.Errorf("examples = %v", ex)
	}
}

func TestGCPass_DeletesFadedRecords(t *testing.T) {
	// Faded records lose all keys; fresh ones survive
	s := newTestStore(t, nil)
	defer s.db.Close()
	old := s.complete(record("ra", "stale", types.OutcomeInfeasible, time.Now().UTC().Add(-30*24*time.Hour)))
	fresh := s.complete(record("ra", "fresh", types.OutcomeAccepted, time.Now().UTC()))
	s.persist(old)
	s.persist(fresh)

	scanned, deleted := s.gcPass()
	if scanned != 2 || deleted != 1 {
		t.Fatalf("scanned=%d deleted=%d", scanned, deleted)
	}
	if _, err := s.fetch(old.ID); err == nil {
		t.Error("stale record still present")
	}
	if recs, _ := s.Recent("ra", types.OutcomeInfeasible, 0); len(recs) != 0 {
		t.Errorf("outcome index not cleaned: %+v", recs)
	}
	if _, err := s.fetch(fresh.ID); err != nil {
		t.Errorf("fresh record lost: %v", err)
	}
}

func TestRun_RecordsSegmentOutcomesFromBus(t *testing.T) {
	// Segment events published before or during Run become records; Run drains and closes on cancel
	b := bus.New()
	dir := t.TempDir()
	s, err := New(b, dir)
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(types.Message{Type: types.MsgSegmentAccepted, Payload: types.SegmentOutcome{Scenario: "ra", Spec: "goal", Request: "go"}})
	b.Publish(types.Message{Type: types.MsgSegmentRejected, Payload: types.SegmentOutcome{Scenario: "ra", Spec: "wall", Infeasible: true}})
	s.Write(types.SpecRecord{Scenario: "ra", Spec: "queued", Outcome: types.OutcomeRejected})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	s2, err := New(nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.db.Close()
	acc, _ := s2.Recent("ra", types.OutcomeAccepted, 0)
	if len(acc) != 1 || acc[0].Task != "go" {
		t.Errorf("accepted = %+v", acc)
	}
	inf, _ := s2.Recent("ra", types.OutcomeInfeasible, 0)
	if len(inf) != 1 || inf[0].Spec != "wall" {
		t.Errorf("infeasible = %+v", inf)
	}
	rej, _ := s2.Recent("ra", types.OutcomeRejected, 0)
	if len(rej) != 1 || rej[0].Spec != "queued" {
		t.Errorf("rejected = %+v", rej)
	}
}
