package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser/snapshot"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

const systemPrompt = `You operate a web browser to accomplish the user's goal.
Each turn you see the goal stack, the current page snapshot and the history of
your previous actions with their results. Respond with exactly one tool call.

Rules:
- Always end your reply with one concrete next action. Never only describe a plan.
- Refer to elements by the id shown in square brackets, e.g. "e12". Ids change
  with every snapshot, so use ids from the snapshot below only.
- For fill, an explicit empty value "" means clear this field.
- Do not call complete because you believe the goal is done. Call it only when
  the page shows evidence (a new URL, a confirmation message, changed content)
  that the goal is satisfied.
- If an action caused no observable change, do not repeat it unchanged. Try a
  different element or approach.
- Use push_subgoal to break the goal down and subgoal_done when the current
  sub-goal is satisfied.

If you cannot call tools, answer with <action>{"name": "...", "arguments": {...}}</action>.`

// PlanInput is everything the planner sees for one decision.
type PlanInput struct {
	Goal       string
	GoalStack  []string
	Milestones []schemas.Milestone
	Snapshot   *snapshot.Snapshot
	History    []string
	Screenshot []byte
}

// Planner asks the model for the next action.
type Planner struct {
	client      llmclient.Client
	parser      *llmutil.Parser
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewPlanner creates a planner over client. idleTimeout bounds the wait for
// each streamed chunk.
func NewPlanner(client llmclient.Client, idleTimeout time.Duration, logger *zap.Logger) *Planner {
	names := make([]string, 0, len(schemas.ActionKinds))
	for _, k := range schemas.ActionKinds {
		names = append(names, string(k))
	}
	if idleTimeout <= 0 {
		idleTimeout = 45 * time.Second
	}
	return &Planner{
		client:      client,
		parser:      llmutil.NewParser(names...),
		idleTimeout: idleTimeout,
		logger:      logger.Named("planner"),
	}
}

// Plan returns the next action. Errors wrap llmutil.ErrUnparseableResponse
// when the reply held no usable action, or llmclient.ErrTransport when the
// model could not be reached.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (schemas.Action, error) {
	req := llmclient.Request{
		System:   systemPrompt,
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: buildPrompt(in)}},
		Tools:    toolSpecs(),
	}
	if len(in.Screenshot) > 0 {
		req.Attachment = &llmclient.Attachment{MIMEType: "image/png", Data: in.Screenshot}
	}

	text, calls, err := p.stream(ctx, req)
	if err != nil && errors.Is(err, llmclient.ErrAttachmentRejected) && req.Attachment != nil {
		p.logger.Warn("Provider rejected the screenshot, retrying without it", zap.Error(err))
		req.Attachment = nil
		text, calls, err = p.stream(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return schemas.Action{}, ctx.Err()
		}
		if !errors.Is(err, llmclient.ErrTransport) {
			err = fmt.Errorf("%w: %v", llmclient.ErrTransport, err)
		}
		return schemas.Action{}, err
	}

	native := make([]llmutil.NativeCall, 0, len(calls))
	for _, c := range calls {
		native = append(native, llmutil.NativeCall{Name: c.Name, Arguments: c.Arguments})
	}
	call, err := p.parser.Parse(native, text)
	if err != nil {
		return schemas.Action{}, err
	}
	p.logger.Debug("Parsed model action", zap.String("name", call.Name), zap.String("strategy", string(call.Source)))
	return actionFromCall(call), nil
}

// stream reads one reply to the end. Tool-call fragments are only assembled
// after the channel closes.
func (p *Planner) stream(ctx context.Context, req llmclient.Request) (string, []llmclient.ToolCall, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.client.Stream(streamCtx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	acc := llmclient.NewToolCallAccumulator()
	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-idle.C:
			return "", nil, fmt.Errorf("%w: no stream data for %s", llmclient.ErrTransport, p.idleTimeout)
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), acc.Finalize(), nil
			}
			if chunk.Err != nil {
				return "", nil, chunk.Err
			}
			text.WriteString(chunk.Text)
			for _, d := range chunk.ToolCalls {
				acc.Add(d)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

// actionFromCall maps tool arguments onto an Action. Each kind keeps its
// payload in Value: the url for navigate, the direction for scroll and the
// milliseconds for wait.
func actionFromCall(call llmutil.Call) schemas.Action {
	args := call.Arguments
	a := schemas.Action{
		Kind:        schemas.ActionKind(call.Name),
		Target:      stringArg(args, "target"),
		Description: stringArg(args, "description"),
		PushSubgoal: stringArg(args, "push_subgoal"),
		SubgoalDone: boolArg(args, "subgoal_done"),
	}

	var valueKey string
	switch a.Kind {
	case schemas.ActionNavigate:
		valueKey = "url"
	case schemas.ActionScroll:
		valueKey = "direction"
	case schemas.ActionWait:
		valueKey = "ms"
	case schemas.ActionComplete:
		if a.Description == "" {
			a.Description = stringArg(args, "summary")
		}
	}
	if v, ok := valueArg(args, valueKey); ok {
		a.Value = &v
	} else if v, ok := valueArg(args, "value"); ok {
		a.Value = &v
	}
	return a
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := valueArg(args, key)
	return strings.TrimSpace(v)
}

// valueArg reports presence separately so an explicit "" survives.
func valueArg(args map[string]interface{}, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	switch v := args[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func boolArg(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// buildPrompt renders the per-iteration user message.
func buildPrompt(in PlanInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n", in.Goal)

	if len(in.GoalStack) > 0 {
		fmt.Fprintf(&sb, "CURRENT FOCUS: %s\n", in.GoalStack[len(in.GoalStack)-1])
		sb.WriteString("GOAL STACK (bottom to top):\n")
		for i, g := range in.GoalStack {
			fmt.Fprintf(&sb, "  %d. %s\n", i+1, g)
		}
	}
	if len(in.Milestones) > 0 {
		sb.WriteString("MILESTONES:\n")
		for _, m := range in.Milestones {
			fmt.Fprintf(&sb, "  - step %d: %s\n", m.StepIndex, m.Label)
		}
	}

	sb.WriteString("\nHISTORY:\n")
	if len(in.History) == 0 {
		sb.WriteString("  (no actions yet)\n")
	}
	for _, h := range in.History {
		fmt.Fprintf(&sb, "  %s\n", h)
	}

	sb.WriteString("\nPAGE:\n")
	if in.Snapshot != nil {
		fmt.Fprintf(&sb, "url: %s\ntitle: %s\n", in.Snapshot.URL, in.Snapshot.Title)
		if len(in.Snapshot.Indicators) > 0 {
			fmt.Fprintf(&sb, "visible errors: %s\n", strings.Join(in.Snapshot.Indicators, " | "))
		}
		tree := in.Snapshot.Text()
		if tree == "" {
			tree = "(empty page)\n"
		}
		sb.WriteString(tree)
	} else {
		sb.WriteString("(no snapshot)\n")
	}

	sb.WriteString("\nChoose the next action.")
	return sb.String()
}

func toolSpecs() []llmclient.ToolSpec {
	common := []llmclient.Param{
		{Name: "description", Type: llmclient.ParamString, Description: "What this step does and why.", Required: true},
		{Name: "push_subgoal", Type: llmclient.ParamString, Description: "Optional sub-goal to push onto the goal stack before acting."},
		{Name: "subgoal_done", Type: llmclient.ParamBoolean, Description: "Set when the current sub-goal is satisfied."},
	}
	target := llmclient.Param{Name: "target", Type: llmclient.ParamString, Description: "Element id from the snapshot, e.g. e12.", Required: true}
	with := func(params ...llmclient.Param) []llmclient.Param {
		return append(params, common...)
	}

	return []llmclient.ToolSpec{
		{
			Name:        string(schemas.ActionNavigate),
			Description: "Load a URL in the current tab.",
			Params:      with(llmclient.Param{Name: "url", Type: llmclient.ParamString, Description: "Absolute or relative URL.", Required: true}),
		},
		{
			Name:        string(schemas.ActionFill),
			Description: "Replace the value of a text field. An empty value clears it.",
			Params:      with(target, llmclient.Param{Name: "value", Type: llmclient.ParamString, Description: "Text to enter.", Required: true}),
		},
		{
			Name:        string(schemas.ActionClick),
			Description: "Click an element.",
			Params:      with(target),
		},
		{
			Name:        string(schemas.ActionSelect),
			Description: "Choose an option of a select element by value or visible text.",
			Params:      with(target, llmclient.Param{Name: "value", Type: llmclient.ParamString, Description: "Option value or label.", Required: true}),
		},
		{
			Name:        string(schemas.ActionScroll),
			Description: "Scroll an element into view, or scroll the page when no target is given.",
			Params: with(
				llmclient.Param{Name: "target", Type: llmclient.ParamString, Description: "Optional element id."},
				llmclient.Param{Name: "direction", Type: llmclient.ParamString, Description: "Page scroll direction.", Enum: []string{"up", "down"}},
			),
		},
		{
			Name:        string(schemas.ActionWait),
			Description: "Pause to let the page update.",
			Params:      with(llmclient.Param{Name: "ms", Type: llmclient.ParamInteger, Description: "Milliseconds to wait."}),
		},
		{
			Name:        string(schemas.ActionComplete),
			Description: "Declare the goal satisfied. Only with visible evidence on the page.",
			Params:      with(llmclient.Param{Name: "summary", Type: llmclient.ParamString, Description: "Evidence that the goal is done."}),
		},
	}
}
