package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/stlpilot/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

var roleEmoji = map[types.Role]string{
	types.RoleTranslator: "🗣️ ",
	types.RoleMission:    "🧭",
	types.RoleSolver:     "🧮",
	types.RoleChecker:    "🔍",
	types.RoleRepair:     "🔧",
	types.RoleMemory:     "💾",
	types.RoleAuditor:    "📡",
	types.RoleUser:       "👤",
}

var msgColor = map[types.MessageType]string{
	types.MsgSpecProposed:    ansiCyan,
	types.MsgSolveRequest:    ansiBlue,
	types.MsgSolveResult:     ansiYellow,
	types.MsgCheckVerdict:    ansiMagenta,
	types.MsgSegmentAccepted: ansiGreen,
	types.MsgSegmentRejected: ansiRed,
	types.MsgHorizonExtended: ansiRed,
	types.MsgSpecRepaired:    ansiCyan,
}

// msgStatus is the spinner label shown while the loop waits on the next step.
// Types without an entry stop the spinner.
var msgStatus = map[types.MessageType]string{
	types.MsgSolveRequest:    "🧮 solving...",
	types.MsgHorizonExtended: "🔧 repairing specification...",
}

// dynamicStatus returns a spinner label for msg, enriched with payload detail
// where the static label alone is not informative enough.
func dynamicStatus(msg types.Message) string {
	switch msg.Type {
	case types.MsgSolveRequest:
		var r types.SolveRequest
		if remarshal(msg.Payload, &r) == nil && r.Steps > 0 {
			if r.IncludeDynamics {
				return fmt.Sprintf("🧮 solving %d steps...", r.Steps)
			}
			return fmt.Sprintf("🧮 checking %d steps without dynamics...", r.Steps)
		}
	case types.MsgHorizonExtended:
		var h types.HorizonExtension
		if remarshal(msg.Payload, &h) == nil && h.RepairRound > 0 {
			return fmt.Sprintf("🔧 repair %d at T=%gs...", h.RepairRound, h.Horizon)
		}
	}
	return msgStatus[msg.Type]
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders the inter-role flow of one mission. It reads from a bus
// tap channel and animates a spinner while the solver or repair is busy.
type Display struct {
	tap     <-chan types.Message
	out     io.Writer
	mu      sync.Mutex
	status  string
	started time.Time
	inBox   bool
	spinIdx int
}

// New creates a Display reading from tap and writing to out.
func New(tap <-chan types.Message, out io.Writer) *Display {
	return &Display{tap: tap, out: out}
}

// Run renders flow lines and animates the spinner until ctx is cancelled or
// the tap closes. On cancellation buffered messages are rendered first. All
// terminal writes happen on this goroutine.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.clearLine()
			return

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			d.handle(msg)

		case <-ticker.C:
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			if !d.inBox || status == "" {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			fmt.Fprintf(d.out, "\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// drain renders whatever the tap already holds, so a MissionEnd published
// just before cancellation still closes the box.
func (d *Display) drain() {
	for {
		select {
		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			d.handle(msg)
		default:
			return
		}
	}
}

func (d *Display) handle(msg types.Message) {
	if !d.inBox {
		d.startBox()
	}
	d.clearLine()
	if msg.Type == types.MsgMissionEnd {
		d.endBox(msg)
		return
	}
	fmt.Fprintln(d.out, flowLine(msg))
	d.setStatus(dynamicStatus(msg))
}

func (d *Display) clearLine() {
	d.mu.Lock()
	spinning := d.status != ""
	d.mu.Unlock()
	if spinning {
		fmt.Fprint(d.out, "\r\033[K")
	}
}

func (d *Display) startBox() {
	d.started = time.Now()
	d.inBox = true
	fmt.Fprintf(d.out, "\n%s┌─── 🛸 stlpilot mission %s%s\n", ansiDim, strings.Repeat("─", 36), ansiReset)
}

func (d *Display) endBox(msg types.Message) {
	d.inBox = false
	d.setStatus("")
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "⏹️ "
	var s types.MissionSummary
	if remarshal(msg.Payload, &s) == nil && s.Accomplished != nil {
		icon = "❌"
		if *s.Accomplished {
			icon = "✅"
		}
	}
	fmt.Fprintf(d.out, "%s└─── %s  %v  %s%s\n", ansiDim, icon, elapsed, clip(s.Reason, 50), ansiReset)
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func flowLine(msg types.Message) string {
	from := roleLabel(msg.From)
	to := roleLabel(msg.To)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}

	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}
	return fmt.Sprintf("  %s ──[%s%s%s]──► %s", from, color, label, ansiReset, to)
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgSpecProposed, types.MsgSpecRepaired:
		var p types.SpecProposal
		if remarshal(msg.Payload, &p) == nil && p.Spec != "" {
			return clip(p.Spec, 55)
		}
	case types.MsgSolveRequest:
		var r types.SolveRequest
		if remarshal(msg.Payload, &r) == nil {
			return fmt.Sprintf("T=%gs N=%d", r.Horizon, r.Steps)
		}
	case types.MsgSolveResult:
		var r types.SolveResult
		if remarshal(msg.Payload, &r) == nil {
			if r.Feasible {
				return fmt.Sprintf("feasible (%dms)", r.ElapsedMs)
			}
			if r.Reason != "" {
				return "infeasible | " + clip(r.Reason, 40)
			}
			return "infeasible"
		}
	case types.MsgCheckVerdict:
		var v types.CheckVerdict
		if remarshal(msg.Payload, &v) == nil && v.Verdict != "" {
			return fmt.Sprintf("%s %s by %s", v.Stage, v.Verdict, v.Source)
		}
	case types.MsgSegmentAccepted:
		var o types.SegmentOutcome
		if remarshal(msg.Payload, &o) == nil {
			return fmt.Sprintf("#%d %s", o.Segment, clip(o.Spec, 45))
		}
	case types.MsgSegmentRejected:
		var o types.SegmentOutcome
		if remarshal(msg.Payload, &o) == nil {
			if o.Rejections > 1 {
				return fmt.Sprintf("%d in a row", o.Rejections)
			}
			return clip(o.Reason, 45)
		}
	case types.MsgHorizonExtended:
		var h types.HorizonExtension
		if remarshal(msg.Payload, &h) == nil {
			return fmt.Sprintf("T %g → %gs", h.Previous, h.Horizon)
		}
	}
	return ""
}

// clip truncates s to at most n display cells, appending "…" if trimmed.
func clip(s string, n int) string {
	return runewidth.Truncate(s, n, "…")
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
