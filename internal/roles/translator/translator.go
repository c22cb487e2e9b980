package translator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/haricheung/stlpilot/internal/llm"
	"github.com/haricheung/stlpilot/internal/region"
	"github.com/haricheung/stlpilot/internal/tasklog"
	"github.com/haricheung/stlpilot/internal/types"
)

// DefaultMaxInputs bounds the user turns (or automated re-asks) per conversation round.
const DefaultMaxInputs = 10

const (
	feedbackPrompt = "Please return a new specification directly, based on the feedback."
	reaskPrompt    = "Please provide the specification now."
)

const systemPromptTemplate = `You are NL2STL — a translator from natural-language drone missions to Signal Temporal Logic specifications.

The drone flies in a 3-D room. The named regions are (boxes: xmin, xmax, ymin, ymax, zmin, zmax; spheres: cx, cy, cz, r):
{{OBJECTS}}

Time is measured in steps. The mission horizon is {{HORIZON}} steps; bounds must satisfy 0 <= t1 <= t2 <= {{HORIZON}}.

Syntax:
- Predicates: inside_cuboid(objects["name"]), outside_cuboid(objects["name"]), inside_sphere(objects["name"]), outside_sphere(objects["name"]).
  An optional second argument sets the tolerance margin, e.g. inside_cuboid(objects["goal"], 0.1).
- Temporal operators are postfix: P.eventually(t1, t2) means P holds at some step in [t1, t2]; P.always(t1, t2) means P holds at every step in [t1, t2].
- Combine with & (and) and | (or). & binds tighter than |. Use parentheses to group.
- The symbol T_MAX may be used as a time bound; it stands for the horizon, {{HORIZON}}.

Conversation rules:
- If the task is ambiguous, ask one short clarifying question and do not emit a specification.
- When the task is clear, explain the plan in one or two sentences and give the complete specification between < and >, for example:
  <inside_cuboid(objects["goal"]).eventually(0, T_MAX) & outside_cuboid(objects["wall"]).always(0, T_MAX)>
- Emit exactly one specification per answer. Never use < or > anywhere else.`

const repairPromptTemplate = `You are a syntax checker for Signal Temporal Logic specifications used by a drone trajectory solver.

The named regions are:
{{OBJECTS}}

The mission horizon is {{HORIZON}} steps. The previous specification could not be solved. Rewrite it so that:
- every region reference names one of the regions above with the correct predicate (cuboid vs sphere),
- every temporal bound satisfies 0 <= t1 <= t2 <= {{HORIZON}} (T_MAX may stand for {{HORIZON}}),
- operators use only &, |, parentheses, .eventually(t1, t2) and .always(t1, t2),
- the intent of the original is preserved; relax timing only when it is impossible within the horizon.

Return only the corrected specification between < and >.`

// Chatter is the text-generation collaborator. *llm.Client satisfies it.
type Chatter interface {
	ChatMessages(ctx context.Context, messages []types.ChatMessage) (string, llm.Usage, error)
}

// Prompter reads one operator line. A readline instance satisfies it; io.EOF
// (Ctrl-D or Ctrl-C) ends the conversation.
type Prompter interface {
	Readline() (string, error)
}

// Options selects the conversation mode.
type Options struct {
	AutoUser  bool
	Task      string   // canned task sent in automated-user mode
	MaxInputs int      // defaults to DefaultMaxInputs
	Examples  []string // previously accepted specifications for this scenario
}

// Translator turns a natural-language conversation into an STL specification string.
type Translator struct {
	llm      Chatter
	regions  *region.Set
	prompter Prompter
	out      io.Writer
	tl       *tasklog.TaskLog
	opts     Options
}

// New creates a Translator. prompter may be nil in automated-user mode.
// Operator-facing conversation lines are written to out.
func New(c Chatter, regions *region.Set, prompter Prompter, out io.Writer, tl *tasklog.TaskLog, opts Options) *Translator {
	if opts.MaxInputs <= 0 {
		opts.MaxInputs = DefaultMaxInputs
	}
	if out == nil {
		out = io.Discard
	}
	return &Translator{llm: c, regions: regions, prompter: prompter, out: out, tl: tl, opts: opts}
}

// Extract returns the first '<'…'>' delimited substring of an assistant reply.
// Reasoning blocks are stripped first.
//
// Expectations:
//   - Found=false when there is no complete '<'…'>' pair
//   - Found=false when the delimited text is blank
//   - Returns the first pair when several are present
//   - Ignores <think>…</think> blocks
func Extract(text string) types.Extraction {
	all := ExtractAll(text)
	if len(all) == 0 {
		return types.Extraction{}
	}
	return types.Extraction{Text: all[0], Found: true}
}

// ExtractAll returns every non-blank '<'…'>' delimited substring in order (list mode).
func ExtractAll(text string) []string {
	s := llm.StripThinkBlocks(text)
	var out []string
	for {
		start := strings.IndexByte(s, '<')
		if start == -1 {
			return out
		}
		end := strings.IndexByte(s[start+1:], '>')
		if end == -1 {
			return out
		}
		if spec := strings.TrimSpace(s[start+1 : start+1+end]); spec != "" {
			out = append(out, spec)
		}
		s = s[start+1+end+1:]
	}
}

// SystemPrompt renders the translator instructions for the current horizon.
func (t *Translator) SystemPrompt(horizonSteps int) string {
	p := t.fill(systemPromptTemplate, horizonSteps)
	if len(t.opts.Examples) > 0 {
		var b strings.Builder
		b.WriteString(p)
		b.WriteString("\n\nSpecifications accepted earlier for this room:")
		for _, ex := range t.opts.Examples {
			fmt.Fprintf(&b, "\n- <%s>", ex)
		}
		p = b.String()
	}
	return p
}

func (t *Translator) fill(tmpl string, horizonSteps int) string {
	p := strings.ReplaceAll(tmpl, "{{OBJECTS}}", t.regions.Table())
	return strings.ReplaceAll(p, "{{HORIZON}}", strconv.Itoa(horizonSteps))
}

// Converse runs one conversation round and returns the extended history plus
// the extracted specification. The caller's history slice is not modified.
//
// Expectations:
//   - Seeds an empty history with the system prompt
//   - Refreshes a leading system prompt so it names the current horizon
//   - feedback=true appends a system request for a corrected specification and asks once
//   - Interactive mode stops at the first reply carrying a specification, after MaxInputs turns, or on quit/exit/EOF (Exit=true)
//   - Automated-user mode sends the task once and re-asks until a specification appears or MaxInputs replies were made
//   - Spec is extracted from the last assistant reply
func (t *Translator) Converse(ctx context.Context, history []types.ChatMessage, feedback bool, horizonSteps int) (types.Turn, error) {
	msgs := make([]types.ChatMessage, len(history), len(history)+8)
	copy(msgs, history)
	sys := t.SystemPrompt(horizonSteps)
	if len(msgs) == 0 {
		msgs = append(msgs, types.ChatMessage{Role: types.ChatSystem, Content: sys})
	} else if msgs[0].Role == types.ChatSystem {
		msgs[0].Content = sys
	}

	var reply string
	switch {
	case feedback:
		fmt.Fprintln(t.out, "Processing feedback...")
		msgs = append(msgs, types.ChatMessage{Role: types.ChatSystem, Content: feedbackPrompt})
		var err error
		if msgs, reply, err = t.ask(ctx, msgs, "translator"); err != nil {
			return types.Turn{}, err
		}

	case t.opts.AutoUser:
		fmt.Fprintf(t.out, "Automated user: %s\n", t.opts.Task)
		msgs = append(msgs, types.ChatMessage{Role: types.ChatUser, Content: t.opts.Task})
		for i := 0; i < t.opts.MaxInputs; i++ {
			var err error
			if msgs, reply, err = t.ask(ctx, msgs, "translator"); err != nil {
				return types.Turn{}, err
			}
			if Extract(reply).Found {
				break
			}
			log.Printf("[NL2STL] no specification in reply %d/%d; asking again", i+1, t.opts.MaxInputs)
			fmt.Fprintln(t.out, "The specification was not generated. Trying again...")
			msgs = append(msgs, types.ChatMessage{Role: types.ChatSystem, Content: reaskPrompt})
		}

	default:
		if t.prompter == nil {
			return types.Turn{}, fmt.Errorf("translator: interactive mode needs a prompter")
		}
		fmt.Fprintln(t.out, "Please specify the task. Type 'quit' to end the conversation.")
		for i := 0; i < t.opts.MaxInputs; i++ {
			line, err := t.prompter.Readline()
			if errors.Is(err, io.EOF) {
				return t.exit(msgs), nil
			}
			if err != nil {
				return types.Turn{}, fmt.Errorf("translator: read input: %w", err)
			}
			line = strings.TrimSpace(line)
			switch strings.ToLower(line) {
			case "":
				continue
			case "quit", "exit":
				return t.exit(msgs), nil
			}
			msgs = append(msgs, types.ChatMessage{Role: types.ChatUser, Content: line})
			if msgs, reply, err = t.ask(ctx, msgs, "translator"); err != nil {
				return types.Turn{}, err
			}
			if Extract(reply).Found {
				fmt.Fprintln(t.out, "The specification was generated.")
				break
			}
		}
	}

	turn := types.Turn{History: msgs, Spec: Extract(reply)}
	log.Printf("[NL2STL] round done: messages=%d found=%v", len(msgs), turn.Spec.Found)
	return turn, nil
}

func (t *Translator) exit(msgs []types.ChatMessage) types.Turn {
	fmt.Fprintln(t.out, "Exited conversation")
	log.Printf("[NL2STL] operator ended the conversation")
	return types.Turn{History: msgs, Exit: true}
}

// ask sends msgs, appends the reply as an assistant turn and records the call.
func (t *Translator) ask(ctx context.Context, msgs []types.ChatMessage, role string) ([]types.ChatMessage, string, error) {
	reply, usage, err := t.llm.ChatMessages(ctx, msgs)
	if err != nil {
		return msgs, "", fmt.Errorf("translator: %w", err)
	}
	t.tl.LLMCall(role, msgs[len(msgs)-1].Content, reply, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
	fmt.Fprintf(t.out, "Assistant: %s\n", reply)
	return append(msgs, types.ChatMessage{Role: types.ChatAssistant, Content: reply}), reply, nil
}

// Repair asks the syntax-repair collaborator for a corrected version of spec
// under the (possibly widened) horizon. The exchange is not part of the
// mission conversation.
func (t *Translator) Repair(ctx context.Context, spec string, horizonSteps int) (types.Extraction, error) {
	msgs := []types.ChatMessage{
		{Role: types.ChatSystem, Content: t.fill(repairPromptTemplate, horizonSteps)},
		{Role: types.ChatUser, Content: "Original specification: " + spec},
	}
	reply, usage, err := t.llm.ChatMessages(ctx, msgs)
	if err != nil {
		return types.Extraction{}, fmt.Errorf("translator: repair: %w", err)
	}
	t.tl.LLMCall("repair", msgs[1].Content, reply, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
	fmt.Fprintf(t.out, "Syntax checker: %s\n", reply)
	ext := Extract(reply)
	log.Printf("[NL2STL] repair found=%v spec=%q", ext.Found, ext.Text)
	return ext, nil
}
