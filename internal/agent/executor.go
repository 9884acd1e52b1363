package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/browser/snapshot"
	"github.com/xkilldash9x/webpilot/internal/browser/stability"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var snapshotIDRegex = regexp.MustCompile(`^e\d+$`)

// Executor performs planned actions against the page. It is the only
// component that mutates the page.
type Executor struct {
	page       browser.Page
	detector   *stability.Detector
	cfg        config.ExecutorConfig
	navTimeout time.Duration
	logger     *zap.Logger
}

// NewExecutor creates an executor for page.
func NewExecutor(page browser.Page, cfg config.ExecutorConfig, navTimeout time.Duration, logger *zap.Logger) *Executor {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Executor{
		page:       page,
		detector:   stability.NewDetector(page, logger),
		cfg:        cfg,
		navTimeout: navTimeout,
		logger:     logger.Named("executor"),
	}
}

// Execute runs one action and reports how it went. Failures come back as a
// failed outcome with an error code; Execute never panics past its caller.
func (e *Executor) Execute(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (outcome schemas.Outcome) {
	outcome = schemas.Outcome{Action: action, ExecutedAt: time.Now().UTC()}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while executing action", zap.Any("panic", r), zap.Stringer("action", action))
			outcome.Success = false
			outcome.Error = fmt.Sprintf("internal error: %v", r)
			outcome.ErrorCode = string(CodeExecutionError)
		}
	}()

	locator, err := e.dispatch(ctx, action, snap)
	outcome.TargetLocator = locator
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorCode = string(codeFor(err))
		e.logger.Info("Action failed",
			zap.Stringer("action", action),
			zap.String("code", outcome.ErrorCode),
			zap.Error(err))
		return outcome
	}
	outcome.Success = true
	e.logger.Debug("Action succeeded", zap.Stringer("action", action))
	return outcome
}

// dispatch switches over the closed set of action kinds. It returns the
// target's locator string when one was resolved.
func (e *Executor) dispatch(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (string, error) {
	switch action.Kind {
	case schemas.ActionNavigate:
		return "", e.navigate(ctx, action)
	case schemas.ActionFill:
		return e.fill(ctx, action, snap)
	case schemas.ActionClick:
		return e.click(ctx, action, snap)
	case schemas.ActionSelect:
		return e.selectOption(ctx, action, snap)
	case schemas.ActionScroll:
		return e.scroll(ctx, action, snap)
	case schemas.ActionWait:
		return "", e.wait(ctx, action)
	case schemas.ActionComplete:
		return "", invalidParams("complete is a planner signal, not a page action")
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownActionKind, action.Kind)
	}
}

func (e *Executor) navigate(ctx context.Context, action schemas.Action) error {
	target := strings.TrimSpace(action.ValueOr(""))
	if target == "" {
		return invalidParams("navigate needs a url")
	}

	navCtx, cancel := context.WithTimeout(ctx, e.navTimeout)
	defer cancel()
	err := e.page.Navigate(navCtx, target)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		// The page may still be usable; the stability wait below decides.
		e.logger.Warn("Navigation did not finish in time, continuing", zap.String("url", target), zap.Duration("timeout", e.navTimeout))
	default:
		return fmt.Errorf("%w: %s: %v", errNavigation, target, err)
	}
	return e.settle(ctx)
}

func (e *Executor) fill(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (string, error) {
	if action.Value == nil {
		return "", invalidParams("fill needs a value (use an empty string to clear)")
	}
	want := *action.Value

	ref, locator, err := e.resolve(ctx, action.Target, snap)
	if err != nil {
		return locator, err
	}

	got, ok, err := e.setAndVerify(ctx, ref, want)
	if err != nil {
		return locator, err
	}
	if !ok {
		e.logger.Debug("Fill verification mismatch, retrying once", zap.String("want", want), zap.String("got", got))
		got, ok, err = e.setAndVerify(ctx, ref, want)
		if err != nil {
			return locator, err
		}
		if !ok {
			return locator, fmt.Errorf("%w: want %q, got %q", errVerificationFailed, want, got)
		}
	}
	return locator, e.settle(ctx)
}

func (e *Executor) setAndVerify(ctx context.Context, ref browser.ElementRef, want string) (string, bool, error) {
	if err := e.page.SetValue(ctx, ref, want); err != nil {
		return "", false, fmt.Errorf("set value: %w", err)
	}
	got, err := e.page.ReadValue(ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("read back value: %w", err)
	}
	return got, got == want || strings.TrimSpace(got) == strings.TrimSpace(want), nil
}

func (e *Executor) click(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (string, error) {
	ref, locator, err := e.resolve(ctx, action.Target, snap)
	if err != nil {
		return locator, err
	}
	if err := e.page.Click(ctx, ref); err != nil {
		return locator, fmt.Errorf("click: %w", err)
	}
	return locator, e.settle(ctx)
}

func (e *Executor) selectOption(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (string, error) {
	if action.Value == nil {
		return "", invalidParams("select needs a value")
	}
	ref, locator, err := e.resolve(ctx, action.Target, snap)
	if err != nil {
		return locator, err
	}
	if err := e.page.SelectOption(ctx, ref, *action.Value); err != nil {
		return locator, fmt.Errorf("select: %w", err)
	}
	return locator, e.settle(ctx)
}

func (e *Executor) scroll(ctx context.Context, action schemas.Action, snap *snapshot.Snapshot) (string, error) {
	if action.Target != "" {
		ref, locator, err := e.resolve(ctx, action.Target, snap)
		if err != nil {
			return locator, err
		}
		if err := e.page.ScrollIntoView(ctx, ref); err != nil {
			return locator, fmt.Errorf("scroll into view: %w", err)
		}
		return locator, nil
	}

	step := e.cfg.ScrollStep
	if step <= 0 {
		step = 600
	}
	switch dir := strings.ToLower(strings.TrimSpace(action.ValueOr("down"))); dir {
	case "", "down":
	case "up":
		step = -step
	default:
		return "", invalidParams("scroll direction must be up or down, got %q", dir)
	}
	return "", e.page.ScrollBy(ctx, step)
}

func (e *Executor) wait(ctx context.Context, action schemas.Action) error {
	d := e.cfg.DefaultWait
	if raw := strings.TrimSpace(action.ValueOr("")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return invalidParams("wait value must be milliseconds, got %q", raw)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d > e.cfg.MaxWait {
		d = e.cfg.MaxWait
	}
	return sleep(ctx, d)
}

// resolve finds the live element for target. A snapshot id is tried through
// its locator candidates in order; anything else is taken as a selector. The
// candidates are polled until one matches exactly one visible element or the
// resolve timeout passes.
func (e *Executor) resolve(ctx context.Context, target string, snap *snapshot.Snapshot) (browser.ElementRef, string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", invalidParams("target is required")
	}

	var candidates []schemas.Locator
	if snapshotIDRegex.MatchString(target) {
		if snap == nil {
			return "", "", fmt.Errorf("%w: %s", errStaleTarget, target)
		}
		if _, ok := snap.Node(target); !ok {
			return "", "", fmt.Errorf("%w: %s", errStaleTarget, target)
		}
		candidates = snap.Locators[target]
	} else {
		candidates = []schemas.Locator{rawLocator(target)}
	}
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("%w: %s has no locator candidates", errLocatorNotFound, target)
	}
	locator := candidates[0].String()

	resolveCtx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	defer cancel()

	attempts := 0
	for {
		attempts++
		for _, loc := range candidates {
			ref, count, err := e.page.Match(resolveCtx, loc)
			if err != nil {
				if resolveCtx.Err() != nil {
					break
				}
				e.logger.Debug("Locator candidate failed", zap.Stringer("locator", loc), zap.Error(err))
				continue
			}
			if count == 1 {
				return ref, locator, nil
			}
		}

		if err := sleep(resolveCtx, e.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return "", locator, ctx.Err()
			}
			return "", locator, fmt.Errorf("%w: %s after %d attempts", errLocatorNotFound, target, attempts)
		}
	}
}

// rawLocator interprets a model-written selector.
func rawLocator(sel string) schemas.Locator {
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return schemas.Locator{Kind: schemas.LocatorStructural, Syntax: schemas.SyntaxXPath, Value: sel}
	}
	return schemas.Locator{Kind: schemas.LocatorStructural, Syntax: schemas.SyntaxCSS, Value: sel}
}

// settle waits for the page to stop changing. Not reaching stability is
// logged, not failed.
func (e *Executor) settle(ctx context.Context) error {
	res, err := e.detector.Wait(ctx, e.cfg.StabilityTimeout, e.cfg.StabilitySilence)
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		e.logger.Warn("Stability wait failed", zap.Error(err))
		return nil
	}
	if !res.Stable {
		e.logger.Debug("Page not stable before timeout", zap.Duration("waited", res.Waited), zap.Int("mutations", res.Mutations))
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
