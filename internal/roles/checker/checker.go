package checker

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/haricheung/stlpilot/internal/llm"
	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/tasklog"
	"github.com/haricheung/stlpilot/internal/types"
)

const systemPrompt = `You are the Specification Checker for a drone mission planner. Your mission is to decide whether a planned trajectory does what the operator asked for.

The room contains these named regions (boxes: xmin, xmax, ymin, ymax, zmin, zmax; spheres: cx, cy, cz, r):
OBJECTS

You receive the operator's requests and, for every region, whether the planned trajectory is inside it at all times, outside it at all times, or passes through it.

Rules:
- Accept only when every region the operator asked to visit is entered and every region the operator asked to avoid is never entered.
- Regions the operator did not mention do not matter, except walls and obstacles, which must never be entered.
- Order and timing cannot be judged from the summary; do not reject on them.

Output rules:
- If the trajectory is acceptable, answer with <accepted> and one sentence.
- Otherwise answer with <rejected> followed by exactly what is wrong and how the specification should change.`

// Chatter is the text-generation collaborator. *llm.Client satisfies it.
type Chatter interface {
	ChatMessages(ctx context.Context, messages []types.ChatMessage) (string, llm.Usage, error)
}

// Checker is the automated acceptance collaborator.
type Checker struct {
	llm     Chatter
	regions *region.Set
	out     io.Writer
	tl      *tasklog.TaskLog
}

// New creates a Checker. The verdict text is echoed to out for the operator.
func New(c Chatter, regions *region.Set, out io.Writer, tl *tasklog.TaskLog) *Checker {
	if out == nil {
		out = io.Discard
	}
	return &Checker{llm: c, regions: regions, out: out, tl: tl}
}

// ParseVerdict reads the acceptance marker from a checker reply.
//
// Expectations:
//   - "<accepted>" anywhere → VerdictAccepted (checked first)
//   - "<rejected>" anywhere → VerdictRejected
//   - Neither marker → VerdictNoVerdict
//   - Markers inside <think> blocks are ignored
func ParseVerdict(reply string) types.Verdict {
	s := llm.StripThinkBlocks(reply)
	switch {
	case strings.Contains(s, "<accepted>"):
		return types.VerdictAccepted
	case strings.Contains(s, "<rejected>"):
		return types.VerdictRejected
	default:
		return types.VerdictNoVerdict
	}
}

// Check asks the model to judge an occupancy summary against the operator's
// requests in history. It returns the verdict and the raw reply, which the
// mission loop feeds back to the translator on rejection.
func (c *Checker) Check(ctx context.Context, summary string, history []types.ChatMessage) (types.Verdict, string, error) {
	msgs := []types.ChatMessage{
		{Role: types.ChatSystem, Content: strings.ReplaceAll(systemPrompt, "OBJECTS", c.regions.Table())},
		{Role: types.ChatUser, Content: userPrompt(summary, history)},
	}
	reply, usage, err := c.llm.ChatMessages(ctx, msgs)
	if err != nil {
		return types.VerdictNoVerdict, "", fmt.Errorf("checker: %w", err)
	}
	c.tl.LLMCall("checker", msgs[1].Content, reply, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
	v := ParseVerdict(reply)
	fmt.Fprintf(c.out, "Specification checker: %s\n", reply)
	log.Printf("[CHECKER] verdict=%s", v)
	return v, reply, nil
}

func userPrompt(summary string, history []types.ChatMessage) string {
	var b strings.Builder
	b.WriteString("Operator requests:\n")
	n := 0
	for _, m := range history {
		if m.Role != types.ChatUser {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", m.Content)
		n++
	}
	if n == 0 {
		b.WriteString("- (none recorded)\n")
	}
	b.WriteString("\nTrajectory summary:\n")
	b.WriteString(summary)
	return b.String()
}
