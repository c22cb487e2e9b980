package types

import (
	"math"
	"time"
)

// Role identifiers
type Role string

const (
	RoleUser       Role = "User"
	RoleTranslator Role = "NL2STL"
	RoleMission    Role = "Mission"
	RoleSolver     Role = "Solver"
	RoleChecker    Role = "Checker"
	RoleRepair     Role = "Repair"
	RoleMemory     Role = "Memory"
	RoleAuditor    Role = "Auditor"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgSpecProposed    MessageType = "SpecProposed"
	MsgSolveRequest    MessageType = "SolveRequest"
	MsgSolveResult     MessageType = "SolveResult"
	MsgCheckVerdict    MessageType = "CheckVerdict"
	MsgSegmentAccepted MessageType = "SegmentAccepted"
	MsgSegmentRejected MessageType = "SegmentRejected"
	MsgHorizonExtended MessageType = "HorizonExtended" // Mission → Repair: T widened, repaired spec requested
	MsgSpecRepaired    MessageType = "SpecRepaired"
	MsgMissionEnd      MessageType = "MissionEnd"
)

// Message is the envelope for every event the mission loop publishes.
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// State is the vehicle state [px, py, pz, vx, vy, vz].
type State [6]float64

// Position returns the first three components.
func (s State) Position() [3]float64 {
	return [3]float64{s[0], s[1], s[2]}
}

// Control is the commanded acceleration [ax, ay, az].
type Control [3]float64

// Trajectory holds N+1 states and N controls. An infeasible solve is
// reported as a trajectory whose every entry is NaN.
type Trajectory struct {
	States   []State   `json:"states" msgpack:"states"`
	Controls []Control `json:"controls" msgpack:"controls"`
}

// NaNTrajectory returns the infeasibility sentinel for an n-step horizon.
func NaNTrajectory(n int) Trajectory {
	nan := math.NaN()
	tr := Trajectory{States: make([]State, n+1), Controls: make([]Control, n)}
	for i := range tr.States {
		for j := range tr.States[i] {
			tr.States[i][j] = nan
		}
	}
	for i := range tr.Controls {
		for j := range tr.Controls[i] {
			tr.Controls[i][j] = nan
		}
	}
	return tr
}

// Steps returns N, the number of control intervals.
func (t Trajectory) Steps() int {
	if len(t.States) == 0 {
		return 0
	}
	return len(t.States) - 1
}

// Infeasible reports whether t is the all-NaN sentinel (or empty).
//
// Expectations:
//   - Returns true for an empty trajectory
//   - Returns true when every state and control entry is NaN
//   - Returns false when at least one entry is a number
func (t Trajectory) Infeasible() bool {
	for _, s := range t.States {
		for _, v := range s {
			if !math.IsNaN(v) {
				return false
			}
		}
	}
	for _, u := range t.Controls {
		for _, v := range u {
			if !math.IsNaN(v) {
				return false
			}
		}
	}
	return true
}

// Terminal returns the last state. Callers must not call it on an empty trajectory.
func (t Trajectory) Terminal() State {
	return t.States[len(t.States)-1]
}

// ChatRole tags a conversation turn.
type ChatRole string

const (
	ChatSystem    ChatRole = "system"
	ChatUser      ChatRole = "user"
	ChatAssistant ChatRole = "assistant"
)

// ChatMessage is one role-tagged conversation turn.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Verdict is an acceptance decision from the automated checker or the operator.
type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictRejected  Verdict = "rejected"
	VerdictNoVerdict Verdict = "none"
)

// SpecProposal is published when the translator hands the loop a new specification.
type SpecProposal struct {
	MissionID string  `json:"mission_id"`
	Iteration int     `json:"iteration"`
	Spec      string  `json:"spec"`
	Horizon   float64 `json:"horizon_s"`
	Repaired  bool    `json:"repaired,omitempty"`
}

// SolveRequest is published just before the solver oracle is called.
type SolveRequest struct {
	MissionID       string  `json:"mission_id"`
	Iteration       int     `json:"iteration"`
	Spec            string  `json:"spec"`
	Horizon         float64 `json:"horizon_s"`
	Steps           int     `json:"steps"`
	X0              State   `json:"x0"`
	IncludeDynamics bool    `json:"include_dynamics"`
}

// SolveResult is published after the solver adapter normalized the oracle response.
type SolveResult struct {
	MissionID       string `json:"mission_id"`
	Iteration       int    `json:"iteration"`
	Feasible        bool   `json:"feasible"`
	Reason          string `json:"reason,omitempty"`
	IncludeDynamics bool   `json:"include_dynamics"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	Terminal        *State `json:"terminal,omitempty"`
}

// CheckVerdict is published after the automated checker or the operator decided.
type CheckVerdict struct {
	MissionID string  `json:"mission_id"`
	Iteration int     `json:"iteration"`
	Stage     string  `json:"stage"`  // "spec" | "trajectory"
	Source    string  `json:"source"` // "checker" | "operator"
	Verdict   Verdict `json:"verdict"`
	Feedback  string  `json:"feedback,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
}

// SegmentOutcome is published when a candidate segment is accepted or rejected.
type SegmentOutcome struct {
	MissionID  string `json:"mission_id"`
	Scenario   string `json:"scenario"`
	Request    string `json:"request,omitempty"` // last operator message that led to Spec
	Iteration  int    `json:"iteration"`
	Segment    int    `json:"segment"` // 1-based index among accepted segments; 0 for rejections
	Spec       string `json:"spec"`
	Steps      int    `json:"steps"`
	Terminal   State  `json:"terminal"`
	Reason     string `json:"reason,omitempty"`
	Infeasible bool   `json:"infeasible,omitempty"`
	Rejections int    `json:"rejections"` // consecutive rejections including this one; 0 on accept
}

// HorizonExtension is published when infeasibility widens the horizon and a repair is requested.
type HorizonExtension struct {
	MissionID   string  `json:"mission_id"`
	Previous    float64 `json:"previous_s"`
	Horizon     float64 `json:"horizon_s"`
	RepairRound int     `json:"repair_round"`
	Reason      string  `json:"reason"`
}

// MissionSummary is the final event of a mission.
type MissionSummary struct {
	MissionID    string `json:"mission_id"`
	Scenario     string `json:"scenario"`
	Segments     int    `json:"segments"`
	Steps        int    `json:"steps"`
	Accomplished *bool  `json:"accomplished"`
	Reason       string `json:"reason"`
	Iterations   int    `json:"iterations"`
}

// Extraction is the typed result of scanning a model reply for a
// specification delimited by '<' and '>'.
type Extraction struct {
	Text  string
	Found bool
}

// Turn is the outcome of one conversation round.
type Turn struct {
	History []ChatMessage
	Spec    Extraction
	Exit    bool
}

// SpecOutcome labels how a specification fared.
type SpecOutcome string

const (
	OutcomeAccepted   SpecOutcome = "accepted"
	OutcomeRejected   SpecOutcome = "rejected"
	OutcomeInfeasible SpecOutcome = "infeasible"
)

// SpecRecord is one remembered specification. F, Sigma and K weight the
// record's contribution to a spec's standing and how fast it fades.
type SpecRecord struct {
	ID        string      `json:"id"`
	CreatedAt string      `json:"created_at"` // RFC3339Nano
	Scenario  string      `json:"scenario"`
	Task      string      `json:"task"`
	Spec      string      `json:"spec"`
	Outcome   SpecOutcome `json:"outcome"`
	F         float64     `json:"f"`
	Sigma     float64     `json:"sigma"`
	K         float64     `json:"k"` // decay per day
}

// SpecStanding is the decayed evidence for one specification in one scenario.
type SpecStanding struct {
	Spec      string  `json:"spec"`
	Attention float64 `json:"attention"`
	Decision  float64 `json:"decision"`
	Action    string  `json:"action"` // "Exploit" | "Avoid" | "Caution" | "Ignore"
}
