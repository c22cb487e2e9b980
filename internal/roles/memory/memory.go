// Package memory remembers which specifications worked in which scenario,
// backed by LevelDB. The mission loop never writes directly: the Store
// listens for segment outcomes on the bus. The translator is seeded with
// Examples for the next mission.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/stlpilot/internal/bus"
	"github.com/haricheung/stlpilot/internal/types"
)

// LevelDB key prefixes. "|" separates parts so colons in names are safe.
//
//	r|<id>                               → SpecRecord JSON   (primary record)
//	s|<scenario>|<outcome>|<ts>|<id>     → nil               (time-ordered scan for Recent)
//	x|<scenario>|<id>                    → nil               (scenario scan for Standing)
const (
	prefixRecord   = "r|"
	prefixOutcome  = "s|"
	prefixScenario = "x|"
)

// gcThreshold is the decayed attention below which a record is forgotten.
const gcThreshold = 0.1

// Outcome weights: outcome → (f, σ, k).
// k=0.05 ≈ 14-day half-life; k=0.2 ≈ 3.5-day; k=0.5 ≈ 1.4-day.
var quantizationMatrix = map[types.SpecOutcome]struct{ f, sigma, k float64 }{
	types.OutcomeAccepted:   {f: 0.90, sigma: +1.0, k: 0.05},
	types.OutcomeRejected:   {f: 0.60, sigma: -1.0, k: 0.20},
	types.OutcomeInfeasible: {f: 0.30, sigma: -1.0, k: 0.50},
}

// Store is the LevelDB-backed specification memory.
// Write() is async (fire-and-forget channel); Recent/Standing/Examples are synchronous.
type Store struct {
	db      *leveldb.DB
	writeCh chan types.SpecRecord
	now     func() time.Time

	acceptedCh, rejectedCh <-chan types.Message
}

// New opens (or creates) a LevelDB database at dbPath. b may be nil when
// the store is only queried.
func New(b *bus.Bus, dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s (another stlpilot may hold the lock): %w", dbPath, err)
	}
	s := &Store{
		db:      db,
		writeCh: make(chan types.SpecRecord, 256),
		now:     func() time.Time { return time.Now().UTC() },
	}
	// Subscribe here so outcomes published before Run starts are not lost.
	if b != nil {
		s.acceptedCh = b.Subscribe(types.MsgSegmentAccepted)
		s.rejectedCh = b.Subscribe(types.MsgSegmentRejected)
	}
	return s, nil
}

// Write enqueues a record for async non-blocking persistence.
//
// Expectations:
//   - Non-blocking: never blocks the caller goroutine
//   - Assigns ID, CreatedAt and outcome weights if missing
//   - Drops the record with a log warning when the queue is at capacity
//   - Does not guarantee persistence before returning
func (s *Store) Write(r types.SpecRecord) {
	r = s.complete(r)
	select {
	case s.writeCh <- r:
	default:
		slog.Warn("[MEMORY] write queue full — dropping record", "id", r.ID, "outcome", r.Outcome)
	}
}

func (s *Store) complete(r types.SpecRecord) types.SpecRecord {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = s.now().Format(time.RFC3339Nano)
	}
	if r.F == 0 && r.Sigma == 0 && r.K == 0 {
		q := quantizationMatrix[r.Outcome]
		r.F, r.Sigma, r.K = q.f, q.sigma, q.k
	}
	return r
}

// Run persists queued records and turns segment outcomes seen on the bus
// into records. On cancellation it drains the queue, forgets faded records
// and closes the DB.
func (s *Store) Run(ctx context.Context) {
	acceptedCh, rejectedCh := s.acceptedCh, s.rejectedCh
	for {
		select {
		case <-ctx.Done():
			s.drainObserved(acceptedCh, rejectedCh)
			s.drainWriteQueue()
			scanned, deleted := s.gcPass()
			slog.Info("[MEMORY] shutdown", "gc_scanned", scanned, "gc_deleted", deleted)
			if err := s.db.Close(); err != nil {
				slog.Warn("[MEMORY] DB close error", "error", err)
			}
			return
		case r := <-s.writeCh:
			s.persist(r)
		case msg := <-acceptedCh:
			s.observe(msg)
		case msg := <-rejectedCh:
			s.observe(msg)
		}
	}
}

func (s *Store) observe(msg types.Message) {
	so, ok := msg.Payload.(types.SegmentOutcome)
	if !ok || so.Spec == "" {
		return
	}
	outcome := types.OutcomeRejected
	switch {
	case msg.Type == types.MsgSegmentAccepted:
		outcome = types.OutcomeAccepted
	case so.Infeasible:
		outcome = types.OutcomeInfeasible
	}
	s.persist(s.complete(types.SpecRecord{
		Scenario: so.Scenario,
		Task:     so.Request,
		Spec:     so.Spec,
		Outcome:  outcome,
	}))
}

// Recent returns up to n records of scenario with the given outcome, newest first.
// An empty outcome matches every outcome.
//
// Expectations:
//   - Returns newest records first
//   - Returns at most n records (n <= 0 means no limit)
//   - Filters by outcome when one is given
//   - Returns an empty slice (not error) when nothing matches
func (s *Store) Recent(scenario string, outcome types.SpecOutcome, n int) ([]types.SpecRecord, error) {
	prefix := prefixOutcome + safeKeyPart(scenario) + "|"
	if outcome != "" {
		prefix += string(outcome) + "|"
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	type keyed struct {
		ts string
		id string
	}
	var keys []keyed
	for iter.Next() {
		parts := strings.Split(string(iter.Key()), "|")
		if len(parts) != 5 {
			continue
		}
		keys = append(keys, keyed{ts: parts[3], id: parts[4]})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("memory: scan %s: %w", scenario, err)
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].ts > keys[j].ts })

	out := []types.SpecRecord{}
	for _, k := range keys {
		if n > 0 && len(out) == n {
			break
		}
		r, err := s.fetch(k.id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Standing computes the decayed dual-channel evidence for every specification
// remembered for scenario, strongest decision first.
//
// Expectations:
//   - Attention = Σ|fᵢ|·exp(−kᵢ·Δt_days) over the spec's records
//   - Decision = Σσᵢ·fᵢ·exp(−kᵢ·Δt_days)
//   - Action is derived via the decision plane thresholds
//   - Sorted by Decision descending, then by Spec
func (s *Store) Standing(scenario string) ([]types.SpecStanding, error) {
	prefix := prefixScenario + safeKeyPart(scenario) + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	now := s.now()
	bySpec := map[string]*types.SpecStanding{}
	for iter.Next() {
		r, err := s.fetch(string(iter.Key())[len(prefix):])
		if err != nil {
			continue
		}
		att, dec, ok := potentials(r, now)
		if !ok {
			continue
		}
		st := bySpec[r.Spec]
		if st == nil {
			st = &types.SpecStanding{Spec: r.Spec}
			bySpec[r.Spec] = st
		}
		st.Attention += att
		st.Decision += dec
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("memory: scan %s: %w", scenario, err)
	}

	out := make([]types.SpecStanding, 0, len(bySpec))
	for _, st := range bySpec {
		st.Action = deriveAction(st.Attention, st.Decision)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Decision != out[j].Decision {
			return out[i].Decision > out[j].Decision
		}
		return out[i].Spec < out[j].Spec
	})
	return out, nil
}

// Examples returns up to n specifications worth showing the translator for
// scenario: those whose standing says Exploit.
func (s *Store) Examples(scenario string, n int) ([]string, error) {
	standing, err := s.Standing(scenario)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, st := range standing {
		if st.Action != "Exploit" {
			continue
		}
		out = append(out, st.Spec)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Internal write path
// ---------------------------------------------------------------------------

func (s *Store) persist(r types.SpecRecord) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("[MEMORY] marshal record failed", "id", r.ID, "error", err)
		return
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixRecord+r.ID), data)
	batch.Put([]byte(outcomeKey(r)), nil)
	batch.Put([]byte(scenarioKey(r.Scenario, r.ID)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		slog.Error("[MEMORY] persist record failed", "id", r.ID, "error", err)
		return
	}
	slog.Info("[MEMORY] persisted record", "id", r.ID, "scenario", r.Scenario, "outcome", r.Outcome)
}

// drainObserved records outcomes already published when shutdown began.
func (s *Store) drainObserved(chs ...<-chan types.Message) {
	for _, ch := range chs {
		for done := false; !done; {
			select {
			case msg := <-ch:
				s.observe(msg)
			default:
				done = true
			}
		}
	}
}

func (s *Store) drainWriteQueue() {
	for {
		select {
		case r := <-s.writeCh:
			s.persist(r)
		default:
			return
		}
	}
}

// gcPass hard-deletes records whose decayed attention fell below gcThreshold.
//
// Expectations:
//   - Deletes records with |f|·exp(−k·Δt_days) < gcThreshold
//   - Keeps fresh records
//   - Removes all three keys (primary, outcome, scenario) on delete
func (s *Store) gcPass() (scanned, deleted int) {
	now := s.now()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	var faded []types.SpecRecord
	for iter.Next() {
		scanned++
		var r types.SpecRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		if att, _, ok := potentials(r, now); ok && att < gcThreshold {
			faded = append(faded, r)
		}
	}
	iter.Release()
	for _, r := range faded {
		batch := new(leveldb.Batch)
		batch.Delete([]byte(prefixRecord + r.ID))
		batch.Delete([]byte(outcomeKey(r)))
		batch.Delete([]byte(scenarioKey(r.Scenario, r.ID)))
		if err := s.db.Write(batch, nil); err != nil {
			slog.Error("[MEMORY] gc delete failed", "id", r.ID, "error", err)
			continue
		}
		deleted++
	}
	return
}

func (s *Store) fetch(id string) (types.SpecRecord, error) {
	data, err := s.db.Get([]byte(prefixRecord+id), nil)
	if err != nil {
		return types.SpecRecord{}, err
	}
	var r types.SpecRecord
	return r, json.Unmarshal(data, &r)
}

func potentials(r types.SpecRecord, now time.Time) (attention, decision float64, ok bool) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return 0, 0, false
	}
	deltaDays := now.Sub(created).Hours() / 24.0
	decay := math.Exp(-r.K * deltaDays)
	return math.Abs(r.F) * decay, r.Sigma * r.F * decay, true
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

// outcomeKey sorts lexically by creation time within (scenario, outcome).
func outcomeKey(r types.SpecRecord) string {
	ts := "00000000000000000000"
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		ts = fmt.Sprintf("%020d", t.UnixNano())
	}
	return prefixOutcome + safeKeyPart(r.Scenario) + "|" + string(r.Outcome) + "|" + ts + "|" + r.ID
}

func scenarioKey(scenario, id string) string {
	return prefixScenario + safeKeyPart(scenario) + "|" + id
}

// safeKeyPart replaces "|" with "_" so LevelDB keys parse unambiguously.
func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}

// deriveAction maps dual-channel potential values to an action using the
// decision plane thresholds.
//
// Expectations:
//   - Returns "Ignore" when attention < 0.5
//   - Returns "Exploit" when attention >= 0.5 and decision > 0.2
//   - Returns "Avoid" when attention >= 0.5 and decision < -0.2
//   - Returns "Caution" when attention >= 0.5 and -0.2 <= decision <= 0.2
func deriveAction(attention, decision float64) string {
	if attention < 0.5 {
		return "Ignore"
	}
	if decision > 0.2 {
		return "Exploit"
	}
	if decision < -0.2 {
		return "Avoid"
	}
	return "Caution"
}
