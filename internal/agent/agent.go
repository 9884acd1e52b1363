package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/browser/snapshot"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

const (
	guardWaitDescription = "completion claim not verified; waiting for evidence"
	recordTimeout        = 5 * time.Second
)

// Recorder receives an audit trail of a run. Failures are logged and never
// stop the run.
type Recorder interface {
	RecordOutcome(ctx context.Context, runID string, o schemas.Outcome) error
	RecordRun(ctx context.Context, r schemas.RunResult) error
}

// Agent drives the perceive, plan, act, verify loop against one page.
type Agent struct {
	cfg          config.AgentConfig
	maxDepth     int
	pollInterval time.Duration
	captureLimit time.Duration

	page     browser.Page
	builder  *snapshot.Builder
	planner  *Planner
	executor *Executor
	guard    CompletionGuard
	bus      *ProgressBus
	recorder Recorder
	logger   *zap.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithRecorder attaches an audit recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// New wires an agent for page using client as the model.
func New(cfg *config.Config, page browser.Page, client llmclient.Client, logger *zap.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:          cfg.Agent,
		maxDepth:     cfg.Snapshot.MaxDepth,
		pollInterval: cfg.Executor.PollInterval,
		captureLimit: cfg.Browser.NavigationTimeout,
		page:         page,
		builder:      snapshot.NewBuilder(cfg.Snapshot, logger),
		planner:      NewPlanner(client, cfg.LLM.StreamIdleTimeout, logger),
		executor:     NewExecutor(page, cfg.Executor, cfg.Browser.NavigationTimeout, logger),
		bus:          NewProgressBus(logger, cfg.Agent.EventBuffer),
		logger:       logger.Named("agent"),
	}
	if a.captureLimit <= 0 {
		a.captureLimit = 30 * time.Second
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Events exposes the progress stream.
func (a *Agent) Events() *ProgressBus { return a.bus }

// Close shuts the progress bus down, closing every subscriber channel.
func (a *Agent) Close() { a.bus.Shutdown() }

// historyEntry is either an executed outcome or a synthetic steering note.
type historyEntry struct {
	outcome int
	note    string
}

// runState is scoped to one Run call.
type runState struct {
	goalStack  []string
	milestones []schemas.Milestone
	outcomes   []schemas.Outcome
	history    []historyEntry

	// loopMark is the first outcome index the loop detector still considers.
	loopMark  int
	deferrals int
}

func (s *runState) note(text string) {
	s.history = append(s.history, historyEntry{outcome: -1, note: text})
}

// Run pursues goal until it is completed, the step budget runs out, ctx is
// cancelled or the model becomes unreachable. It always returns a result
// with a status and a reason.
func (a *Agent) Run(ctx context.Context, goal string) schemas.RunResult {
	st := &runState{}
	res := schemas.RunResult{
		RunID:     uuid.NewString(),
		Goal:      goal,
		StartedAt: time.Now().UTC(),
	}
	logger := observability.ForRun(a.logger, res.RunID, goal)
	logger.Info("Run started", zap.Int("max_steps", a.cfg.MaxSteps))
	a.publish(ctx, schemas.Event{RunID: res.RunID, Type: schemas.EventRunStarted})

	finish := func(status schemas.RunStatus, reason string) schemas.RunResult {
		res.Status, res.Reason = status, reason
		res.Outcomes = st.outcomes
		res.Milestones = st.milestones
		res.FinishedAt = time.Now().UTC()
		logger.Info("Run finished",
			zap.String("status", string(status)),
			zap.String("reason", reason),
			zap.Int("steps", res.Steps))

		a.record(ctx, logger, func(rctx context.Context) error { return a.recorder.RecordRun(rctx, res) })
		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		a.publish(finalCtx, schemas.Event{RunID: res.RunID, Type: schemas.EventRunFinished, Step: res.Steps, Status: status, Reason: reason})
		return res
	}

	snap, err := a.capture(ctx)
	if err != nil {
		return finish(schemas.StatusAborted, abortReason(ctx, err))
	}

	attachScreenshot := a.cfg.AttachScreenshot
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return finish(schemas.StatusAborted, abortReason(ctx, ctx.Err()))
		}
		res.Steps = step

		in := PlanInput{
			Goal:       goal,
			GoalStack:  st.goalStack,
			Milestones: st.milestones,
			Snapshot:   snap,
			History:    a.renderHistory(st),
		}
		if attachScreenshot {
			shot, err := a.page.Screenshot(ctx)
			switch {
			case err == nil:
				in.Screenshot = shot
			case errors.Is(err, browser.ErrUnsupported):
				logger.Debug("Page backend cannot take screenshots; continuing without")
				attachScreenshot = false
			default:
				logger.Warn("Screenshot failed", zap.Error(err))
			}
		}

		action, err := a.planner.Plan(ctx, in)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return finish(schemas.StatusAborted, abortReason(ctx, err))
		case errors.Is(err, llmutil.ErrUnparseableResponse):
			logger.Warn("Model reply had no usable action", zap.Int("step", step), zap.Error(err))
			st.note(fmt.Sprintf("step %d: your reply contained no usable action. Reply with exactly one tool call.", step))
			continue
		default:
			return finish(schemas.StatusTransportError, err.Error())
		}

		a.applyGoalOps(st, action, step)

		guardOverride := false
		if action.Kind == schemas.ActionComplete {
			verdict := a.guard.Check(goal, snap, st.outcomes)
			if verdict.Accept {
				a.appendOutcome(ctx, logger, st, res.RunID, schemas.Outcome{
					Step:              step,
					Action:            action,
					Success:           true,
					ExecutedAt:        time.Now().UTC(),
					FingerprintBefore: snap.Fingerprint,
					FingerprintAfter:  snap.Fingerprint,
				})
				reason := action.Description
				if reason == "" {
					reason = "goal reported complete"
				}
				return finish(schemas.StatusCompleted, reason)
			}

			st.deferrals++
			logger.Info("Completion claim rejected", zap.String("reason", verdict.Reason), zap.Int("deferrals", st.deferrals))
			if st.deferrals > a.cfg.MaxGuardDeferrals {
				return finish(schemas.StatusExhausted, "completion could not be verified: "+verdict.Reason)
			}
			st.note(fmt.Sprintf("step %d: completion claim rejected (%s). Produce visible evidence first.", step, verdict.Reason))
			action = schemas.Action{
				Kind:        schemas.ActionWait,
				Value:       schemas.StringPtr(strconv.FormatInt(a.cfg.GuardWait.Milliseconds(), 10)),
				Description: guardWaitDescription,
			}
			guardOverride = true
		} else {
			st.deferrals = 0
		}

		a.publish(ctx, schemas.Event{RunID: res.RunID, Type: schemas.EventActionStarted, Step: step, Action: &action})

		before := snap.Fingerprint
		outcome := a.executor.Execute(ctx, action, snap)
		if ctx.Err() != nil {
			return finish(schemas.StatusAborted, abortReason(ctx, ctx.Err()))
		}

		snap, err = a.capture(ctx)
		if err != nil {
			return finish(schemas.StatusAborted, abortReason(ctx, err))
		}

		outcome.Step = step
		outcome.FingerprintBefore = before
		outcome.FingerprintAfter = snap.Fingerprint
		outcome.StateChanged = before != snap.Fingerprint
		outcome.GuardOverride = guardOverride
		a.appendOutcome(ctx, logger, st, res.RunID, outcome)

		if a.detectLoop(st) {
			logger.Info("Loop detected; steering the planner", zap.Int("step", step), zap.String("signature", outcome.Signature()))
		}
	}

	return finish(schemas.StatusExhausted, fmt.Sprintf("step budget of %d exhausted", a.cfg.MaxSteps))
}

func (a *Agent) appendOutcome(ctx context.Context, logger *zap.Logger, st *runState, runID string, o schemas.Outcome) {
	st.outcomes = append(st.outcomes, o)
	st.history = append(st.history, historyEntry{outcome: len(st.outcomes) - 1})

	a.record(ctx, logger, func(rctx context.Context) error { return a.recorder.RecordOutcome(rctx, runID, o) })
	a.publish(ctx, schemas.Event{RunID: runID, Type: schemas.EventActionCompleted, Step: o.Step, Action: &o.Action, Outcome: &o})
}

// capture snapshots the page, retrying once after a short pause because a
// capture can race a navigation the last action started.
func (a *Agent) capture(ctx context.Context) (*snapshot.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, a.pollInterval); err != nil {
				return nil, err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, a.captureLimit)
		doc, err := a.page.Capture(cctx, a.maxDepth)
		cancel()
		if err == nil {
			return a.builder.Build(doc), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		a.logger.Debug("Page capture failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("page capture failed: %w", lastErr)
}

func (a *Agent) applyGoalOps(st *runState, action schemas.Action, step int) {
	if action.SubgoalDone && len(st.goalStack) > 0 {
		top := st.goalStack[len(st.goalStack)-1]
		st.goalStack = st.goalStack[:len(st.goalStack)-1]
		st.milestones = append(st.milestones, schemas.Milestone{Label: top, StepIndex: step})
	}
	if action.PushSubgoal != "" {
		st.goalStack = append(st.goalStack, action.PushSubgoal)
	}
}

// detectLoop flags the last LoopWindow outcomes when they repeat one action
// on one element without changing the page, and leaves a steering note.
// Outcomes before the previous intervention are not considered again.
func (a *Agent) detectLoop(st *runState) bool {
	n := a.cfg.LoopWindow
	if n < 2 {
		n = 3
	}
	recent := st.outcomes[st.loopMark:]
	if len(recent) < n {
		return false
	}
	window := recent[len(recent)-n:]
	sig := window[0].Signature()
	for _, o := range window {
		if o.StateChanged || o.Signature() != sig {
			return false
		}
	}

	first := len(st.outcomes) - n
	for i := first; i < len(st.outcomes); i++ {
		st.outcomes[i].LoopFlagged = true
	}
	st.loopMark = len(st.outcomes)
	st.note(fmt.Sprintf("LOOP DETECTED: the last %d actions repeated %q without any observable change. "+
		"Do not repeat it. Change strategy: use a different element, scroll, navigate, or reconsider the goal stack.",
		n, window[len(window)-1].Action.String()))
	return true
}

func (a *Agent) renderHistory(st *runState) []string {
	entries := st.history
	if limit := a.cfg.HistoryLimit; limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.outcome < 0 {
			lines = append(lines, "NOTE: "+e.note)
			continue
		}
		lines = append(lines, describeOutcome(st.outcomes[e.outcome]))
	}
	return lines
}

func describeOutcome(o schemas.Outcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %d: %s -> ", o.Step, o.Action.String())
	if o.Success {
		sb.WriteString("ok")
	} else {
		fmt.Fprintf(&sb, "FAILED [%s] %s", o.ErrorCode, o.Error)
	}
	if o.Action.Kind != schemas.ActionComplete && !o.StateChanged {
		sb.WriteString(" (no observable change)")
	}
	if o.LoopFlagged {
		sb.WriteString(" [loop]")
	}
	if o.GuardOverride {
		sb.WriteString(" [guard override]")
	}
	return sb.String()
}

func (a *Agent) publish(ctx context.Context, ev schemas.Event) {
	if err := a.bus.Publish(ctx, ev); err != nil && !errors.Is(err, ErrBusClosed) {
		a.logger.Debug("Progress event dropped", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (a *Agent) record(ctx context.Context, logger *zap.Logger, fn func(context.Context) error) {
	if a.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		logger.Warn("Audit recorder failed", zap.Error(err))
	}
}

func abortReason(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return "aborted: " + cause.Error()
	}
	if err != nil {
		return "aborted: " + err.Error()
	}
	return "aborted"
}
