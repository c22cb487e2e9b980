// Package tasklog provides per-mission structured logging for the planner.
//
// Each mission gets one JSONL file in a configurable directory. Events capture
// every key stage: LLM calls (with full prompts), solver calls, checker and
// operator verdicts, segment outcomes and horizon extensions.
//
// Design constraints:
//   - All TaskLog methods are nil-safe (no-op on nil receiver) so roles don't need
//     nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; roles never open files.
//   - main opens a log via Registry.Open before the mission starts and closes it
//     via Registry.Close once the result is known.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the mission log.
type EventKind string

const (
	KindMissionBegin EventKind = "mission_begin"
	KindMissionEnd   EventKind = "mission_end"
	KindLLMCall      EventKind = "llm_call"
	KindSolve        EventKind = "solve"
	KindVerdict      EventKind = "verdict"
	KindSegment      EventKind = "segment"
	KindHorizon      EventKind = "horizon"
)

// Event is one JSONL line in the mission log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// mission_begin / mission_end
	MissionID      string     `json:"mission_id,omitempty"`
	Scenario       string     `json:"scenario,omitempty"`
	Status         string     `json:"status,omitempty"` // "accomplished" | "failed" | "no_verdict"
	ElapsedMs      int64      `json:"elapsed_ms,omitempty"`
	TotalTokens    int        `json:"total_tokens,omitempty"`
	RoleStats      []RoleStat `json:"role_stats,omitempty"`       // mission_end only
	SolveCount     int        `json:"solve_count,omitempty"`      // mission_end only
	SolveElapsedMs int64      `json:"solve_elapsed_ms,omitempty"` // mission_end only

	// llm_call
	Role             string `json:"role,omitempty"` // "translator" | "repair" | "checker"
	Prompt           string `json:"prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// solve
	Spec            string `json:"spec,omitempty"`
	Steps           int    `json:"steps,omitempty"`
	IncludeDynamics *bool  `json:"include_dynamics,omitempty"`
	Feasible        *bool  `json:"feasible,omitempty"` // pointer: false must be serialised
	Reason          string `json:"reason,omitempty"`

	// verdict
	Stage    string `json:"stage,omitempty"`  // "spec" | "trajectory"
	Source   string `json:"source,omitempty"` // "checker" | "operator"
	Verdict  string `json:"verdict,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`

	// segment
	Segment  int   `json:"segment,omitempty"`
	Accepted *bool `json:"accepted,omitempty"`

	// horizon
	PreviousS   float64 `json:"previous_s,omitempty"`
	HorizonS    float64 `json:"horizon_s,omitempty"`
	RepairRound int     `json:"repair_round,omitempty"`
}

// MissionStats aggregates all cost metrics for a finished mission.
//
// Expectations:
//   - Roles is sorted in canonical order (translator, repair, checker)
//   - SolveCount equals the total number of Solve invocations
//   - SolveElapsedMs equals the sum of all elapsed times passed to Solve
type MissionStats struct {
	Roles          []RoleStat `json:"roles"`
	SolveCount     int        `json:"solve_count"`
	SolveElapsedMs int64      `json:"solve_elapsed_ms"`
}

// RoleStat summarises LLM usage for one role across all calls in a mission.
type RoleStat struct {
	Role             string `json:"role"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

type roleStat struct {
	calls            int
	promptTokens     int
	completionTokens int
	elapsedMs        int64
}

var canonicalRoleOrder = []string{"translator", "repair", "checker"}

// TaskLog is a handle for writing structured events for one mission.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TaskLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type TaskLog struct {
	missionID        string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
	roleStats        map[string]*roleStat
	solveCount       int
	solveElapsedMs   int64
}

// Registry maps mission IDs to open TaskLogs.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a mission_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same ID
//   - Get returns nil for unknown mission IDs
//   - Close writes mission_end with status, elapsed_ms, total_tokens before flushing
//   - Close removes the ID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when the ID is not registered
type Registry struct {
	dir   string
	mu    sync.Mutex
	logs  map[string]*TaskLog
	cache map[string]*MissionStats
}

// NewRegistry creates a Registry that writes one JSONL file per mission under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:   dir,
		logs:  make(map[string]*TaskLog),
		cache: make(map[string]*MissionStats),
	}
}

// Open creates a new TaskLog for missionID, writes a mission_begin event, and registers it.
func (r *Registry) Open(missionID, scenario string) *TaskLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[missionID]; ok {
		return tl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, missionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	tl := &TaskLog{missionID: missionID, started: time.Now(), f: f, roleStats: make(map[string]*roleStat)}
	r.logs[missionID] = tl
	tl.write(Event{
		Kind:      KindMissionBegin,
		MissionID: missionID,
		Scenario:  scenario,
	})
	return tl
}

// Get returns the TaskLog for missionID, or nil if not found.
func (r *Registry) Get(missionID string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[missionID]
}

// Close writes a mission_end event, flushes and closes the file, and removes
// the entry from the registry. Safe on a nil *Registry or unknown ID.
func (r *Registry) Close(missionID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	tl, ok := r.logs[missionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	stats := tl.Stats()
	r.cache[missionID] = stats
	delete(r.logs, missionID)
	r.mu.Unlock()

	tl.mu.Lock()
	elapsed := time.Since(tl.started).Milliseconds()
	total := tl.promptTokens + tl.completionTokens
	tl.mu.Unlock()

	tl.write(Event{
		Kind:           KindMissionEnd,
		MissionID:      missionID,
		Status:         status,
		ElapsedMs:      elapsed,
		TotalTokens:    total,
		RoleStats:      stats.Roles,
		SolveCount:     stats.SolveCount,
		SolveElapsedMs: stats.SolveElapsedMs,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// GetStats returns and removes the cached MissionStats for missionID.
//
// Expectations:
//   - Returns nil for unknown missionID
//   - Deletes the cache entry on first call (subsequent calls return nil)
func (r *Registry) GetStats(missionID string) *MissionStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.cache[missionID]
	delete(r.cache, missionID)
	return s
}

// LLMCall writes an llm_call event with the last prompt, the response, token
// counts and elapsed time (from llm.Usage.ElapsedMs).
func (tl *TaskLog) LLMCall(role, prompt, response string, promptToks, completionToks int, elapsedMs int64) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.promptTokens += promptToks
	tl.completionTokens += completionToks
	rs := tl.roleStats[role]
	if rs == nil {
		rs = &roleStat{}
		tl.roleStats[role] = rs
	}
	rs.calls++
	rs.promptTokens += promptToks
	rs.completionTokens += completionToks
	rs.elapsedMs += elapsedMs
	tl.mu.Unlock()
	tl.write(Event{
		Kind:             KindLLMCall,
		Role:             role,
		Prompt:           prompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		ElapsedMs:        elapsedMs,
	})
}

// Solve writes a solve event. reason is empty for feasible results.
//
// Expectations:
//   - SolveCount increments by 1 per invocation
//   - SolveElapsedMs accumulates the sum of all elapsedMs values
//   - include_dynamics and feasible are serialised even when false
//   - No-op on nil receiver
func (tl *TaskLog) Solve(spec string, steps int, includeDynamics, feasible bool, reason string, elapsedMs int64) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.solveCount++
	tl.solveElapsedMs += elapsedMs
	tl.mu.Unlock()
	tl.write(Event{
		Kind:            KindSolve,
		Spec:            spec,
		Steps:           steps,
		IncludeDynamics: &includeDynamics,
		Feasible:        &feasible,
		Reason:          reason,
		ElapsedMs:       elapsedMs,
	})
}

// Verdict writes a verdict event from the automated checker or the operator.
func (tl *TaskLog) Verdict(stage, source, verdict, feedback string, attempt int) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindVerdict,
		Stage:    stage,
		Source:   source,
		Verdict:  verdict,
		Feedback: feedback,
		Attempt:  attempt,
	})
}

// Segment writes a segment event for an accepted or rejected candidate.
func (tl *TaskLog) Segment(segment int, accepted bool, spec string, steps int, reason string) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindSegment,
		Segment:  segment,
		Accepted: &accepted,
		Spec:     spec,
		Steps:    steps,
		Reason:   reason,
	})
}

// Horizon writes a horizon event when infeasibility widens T.
func (tl *TaskLog) Horizon(previous, horizon float64, repairRound int, reason string) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:        KindHorizon,
		PreviousS:   previous,
		HorizonS:    horizon,
		RepairRound: repairRound,
		Reason:      reason,
	})
}

// RoleStats returns a snapshot of per-role LLM usage sorted by canonical order.
// Roles that made no LLM calls are omitted.
//
// Expectations:
//   - Returns one entry per role that called LLMCall
//   - Calls count matches number of LLMCall invocations per role
//   - PromptTokens and CompletionTokens match the sum across calls for that role
func (tl *TaskLog) RoleStats() []RoleStat {
	if tl == nil {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var out []RoleStat
	for _, role := range canonicalRoleOrder {
		rs, ok := tl.roleStats[role]
		if !ok {
			continue
		}
		out = append(out, RoleStat{
			Role:             role,
			Calls:            rs.calls,
			PromptTokens:     rs.promptTokens,
			CompletionTokens: rs.completionTokens,
			ElapsedMs:        rs.elapsedMs,
		})
	}
	return out
}

// Stats returns a snapshot of all cost metrics for the live mission.
func (tl *TaskLog) Stats() *MissionStats {
	if tl == nil {
		return nil
	}
	tl.mu.Lock()
	sc := tl.solveCount
	se := tl.solveElapsedMs
	tl.mu.Unlock()
	return &MissionStats{
		Roles:          tl.RoleStats(),
		SolveCount:     sc,
		SolveElapsedMs: se,
	}
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (tl *TaskLog) TotalTokens() int {
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.promptTokens + tl.completionTokens
}

func (tl *TaskLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}
