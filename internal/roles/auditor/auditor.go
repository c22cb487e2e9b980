package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/stlpilot/internal/types"
)

const (
	thrashThreshold  = 3 // consecutive rejected segments in one mission
	horizonThreshold = 3 // horizon extensions in one mission
)

// Event is one JSONL line in the audit log.
type Event struct {
	EventID     string     `json:"event_id"`
	Timestamp   string     `json:"timestamp"`
	MissionID   string     `json:"mission_id,omitempty"`
	FromRole    types.Role `json:"from_role"`
	ToRole      types.Role `json:"to_role"`
	MessageType string     `json:"message_type"`
	Anomaly     string     `json:"anomaly"` // "none" | "boundary_violation" | "thrashing" | "horizon_creep"
	Detail      *string    `json:"detail,omitempty"`
}

// Auditor taps the message bus read-only and writes structured Events to a JSONL file.
// It detects boundary violations, repeated rejections and repeated horizon growth.
type Auditor struct {
	tap     <-chan types.Message
	logPath string
	mu      sync.Mutex
	logFile *os.File

	rejections map[string]int // missionID -> consecutive rejected segments
	horizons   map[string]int // missionID -> horizon extensions
	anomalies  int
}

// New creates an Auditor.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:        tap,
		logPath:    logPath,
		rejections: make(map[string]int),
		horizons:   make(map[string]int),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled, then
// drains whatever is already buffered on the tap.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.mu.Lock()
	a.logFile = f
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.logFile = nil
		a.mu.Unlock()
		f.Close()
	}()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg, ok := <-a.tap:
					if !ok {
						return
					}
					a.process(msg)
				default:
					return
				}
			}
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// Anomalies returns the number of anomalies recorded so far.
func (a *Auditor) Anomalies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.anomalies
}

type path struct {
	from types.Role
	to   types.Role
}

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType][]path{
	types.MsgSpecProposed:    {{types.RoleTranslator, types.RoleMission}},
	types.MsgSpecRepaired:    {{types.RoleRepair, types.RoleMission}},
	types.MsgSolveRequest:    {{types.RoleMission, types.RoleSolver}},
	types.MsgSolveResult:     {{types.RoleSolver, types.RoleMission}},
	types.MsgCheckVerdict:    {{types.RoleChecker, types.RoleMission}, {types.RoleUser, types.RoleMission}},
	types.MsgSegmentAccepted: {{types.RoleMission, types.RoleMemory}},
	types.MsgSegmentRejected: {{types.RoleMission, types.RoleMemory}},
	types.MsgHorizonExtended: {{types.RoleMission, types.RoleRepair}},
	types.MsgMissionEnd:      {{types.RoleMission, types.RoleUser}},
}

func (a *Auditor) process(msg types.Message) {
	anomaly := "none"
	var detail *string
	missionID := payloadMissionID(msg.Payload)

	// 1. Boundary violation check
	if allowed, ok := allowedPaths[msg.Type]; ok {
		match := false
		for _, p := range allowed {
			if msg.From == p.from && msg.To == p.to {
				match = true
				break
			}
		}
		if !match {
			anomaly = "boundary_violation"
			d := fmt.Sprintf("unexpected %s→%s for %s", msg.From, msg.To, msg.Type)
			detail = &d
			log.Printf("[AUDIT] BOUNDARY VIOLATION: %s", d)
		}
	}

	// 2. Convergence checks
	switch msg.Type {
	case types.MsgSegmentAccepted:
		a.rejections[missionID] = 0
	case types.MsgSegmentRejected:
		a.rejections[missionID]++
		if n := a.rejections[missionID]; n >= thrashThreshold {
			anomaly = "thrashing"
			d := fmt.Sprintf("mission %s: %d consecutive rejected segments (threshold=%d)", missionID, n, thrashThreshold)
			detail = &d
			log.Printf("[AUDIT] THRASHING DETECTED: %s", d)
		}
	case types.MsgHorizonExtended:
		a.horizons[missionID]++
		if n := a.horizons[missionID]; n >= horizonThreshold {
			anomaly = "horizon_creep"
			d := fmt.Sprintf("mission %s: horizon extended %d times", missionID, n)
			if he, err := decode[types.HorizonExtension](msg.Payload); err == nil {
				d += fmt.Sprintf(" (now %.1fs)", he.Horizon)
			}
			detail = &d
			log.Printf("[AUDIT] HORIZON CREEP: %s", d)
		}
	case types.MsgMissionEnd:
		delete(a.rejections, missionID)
		delete(a.horizons, missionID)
	}

	a.writeEvent(Event{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MissionID:   missionID,
		FromRole:    msg.From,
		ToRole:      msg.To,
		MessageType: string(msg.Type),
		Anomaly:     anomaly,
		Detail:      detail,
	})
}

func (a *Auditor) writeEvent(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Anomaly != "none" {
		a.anomalies++
	}
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

// decode round-trips payload through JSON so both typed values and maps
// (e.g. replayed from a log) are accepted.
func decode[T any](payload any) (T, error) {
	var out T
	b, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(b, &out)
}

func payloadMissionID(payload any) string {
	m, err := decode[struct {
		MissionID string `json:"mission_id"`
	}](payload)
	if err != nil {
		return ""
	}
	return m.MissionID
}
