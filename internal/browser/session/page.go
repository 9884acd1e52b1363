// internal/browser/session/page.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
)

const (
	// opTimeout bounds a single script evaluation or input event.
	opTimeout = 10 * time.Second
	// cleanupTimeout bounds best-effort observer teardown.
	cleanupTimeout = 2 * time.Second
)

// Page drives one Chrome tab through chromedp.
type Page struct {
	tabCtx     context.Context
	logger     *zap.Logger
	navTimeout time.Duration

	refSeq atomic.Uint64
	obsSeq atomic.Uint64

	bindingMu sync.Mutex
	bound     bool
}

var _ browser.Page = (*Page)(nil)

// NewPage wraps a chromedp tab context. The caller owns the tab's lifetime.
func NewPage(tabCtx context.Context, navTimeout time.Duration, logger *zap.Logger) *Page {
	return &Page{
		tabCtx:     tabCtx,
		logger:     logger.Named("chrome"),
		navTimeout: navTimeout,
	}
}

// run executes actions on the tab, cancelled by either the tab or ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	combined, cancel := combineContext(p.tabCtx, ctx)
	defer cancel()
	err := chromedp.Run(combined, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}

// eval evaluates script and decodes its by-value result into out.
func (p *Page) eval(ctx context.Context, script string, out interface{}) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var raw []byte
	err := p.run(opCtx, chromedp.Evaluate(script, &raw, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

// -- Capture and matching --

// Capture serializes the live DOM.
func (p *Page) Capture(ctx context.Context, maxDepth int) (*browser.Document, error) {
	var doc browser.Document
	if err := p.eval(ctx, fmt.Sprintf(captureScript, maxDepth), &doc); err != nil {
		return nil, fmt.Errorf("failed to capture page: %w", err)
	}
	if doc.Root != nil {
		doc.Root.LinkParents()
	}
	return &doc, nil
}

type matchResult struct {
	Count int    `json:"count"`
	Error string `json:"error"`
}

// Match counts rendered matches. A unique match is tagged with a fresh ref.
func (p *Page) Match(ctx context.Context, loc schemas.Locator) (browser.ElementRef, int, error) {
	syntax := loc.Syntax
	if syntax == "" {
		syntax = schemas.SyntaxCSS
	}
	ref := browser.ElementRef(fmt.Sprintf("ref-%d", p.refSeq.Add(1)))

	var res matchResult
	script := fmt.Sprintf(matchScript, jsonEncode(string(syntax)), jsonEncode(loc.Value), jsonEncode(string(ref)))
	if err := p.eval(ctx, script, &res); err != nil {
		return "", 0, err
	}
	if res.Error != "" {
		return "", 0, fmt.Errorf("invalid %s selector '%s': %s", syntax, loc.Value, res.Error)
	}
	if res.Count != 1 {
		return "", res.Count, nil
	}
	return ref, 1, nil
}

// -- Element operations --

type elementResult struct {
	Status string  `json:"status"`
	Reason string  `json:"reason"`
	Value  string  `json:"value"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func (r elementResult) err(ref browser.ElementRef) error {
	switch r.Status {
	case "ok":
		return nil
	case "detached":
		return fmt.Errorf("%w: %s", browser.ErrElementDetached, ref)
	case "not-interactable":
		return fmt.Errorf("%w: %s", browser.ErrNotInteractable, r.Reason)
	default:
		return fmt.Errorf("element operation on %s failed: %s", ref, r.Status)
	}
}

func (p *Page) onElement(ctx context.Context, ref browser.ElementRef, script string, args ...interface{}) (elementResult, error) {
	encoded := make([]interface{}, 0, len(args)+1)
	encoded = append(encoded, jsonEncode(string(ref)))
	for _, a := range args {
		encoded = append(encoded, jsonEncode(a))
	}
	var res elementResult
	if err := p.eval(ctx, fmt.Sprintf(script, encoded...), &res); err != nil {
		return res, err
	}
	return res, res.err(ref)
}

// SetValue writes through the native value setter so framework-controlled
// inputs see the change, then dispatches input, change and blur.
func (p *Page) SetValue(ctx context.Context, ref browser.ElementRef, value string) error {
	_, err := p.onElement(ctx, ref, setValueScript, value)
	return err
}

// ReadValue reads the element's live value.
func (p *Page) ReadValue(ctx context.Context, ref browser.ElementRef) (string, error) {
	res, err := p.onElement(ctx, ref, readValueScript)
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Click moves the pointer to the element's centre and presses and releases
// the left button; Chrome synthesizes the click from the pair.
func (p *Page) Click(ctx context.Context, ref browser.ElementRef) error {
	pt, err := p.onElement(ctx, ref, pointScript)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	err = p.run(opCtx,
		input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y),
		input.DispatchMouseEvent(input.MousePressed, pt.X, pt.Y).
			WithButton(input.Left).WithButtons(1).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, pt.X, pt.Y).
			WithButton(input.Left).WithButtons(0).WithClickCount(1),
	)
	if err != nil {
		return fmt.Errorf("pointer sequence failed: %w", err)
	}
	return nil
}

// SelectOption picks an option by value, falling back to its visible text.
func (p *Page) SelectOption(ctx context.Context, ref browser.ElementRef, value string) error {
	res, err := p.onElement(ctx, ref, selectScript, value)
	if res.Status == "no-option" {
		return fmt.Errorf("option '%s' not found in select element", value)
	}
	return err
}

// ScrollIntoView centres the element in the viewport.
func (p *Page) ScrollIntoView(ctx context.Context, ref browser.ElementRef) error {
	_, err := p.onElement(ctx, ref, scrollIntoViewScript)
	return err
}

// ScrollBy scrolls the viewport vertically by dy pixels.
func (p *Page) ScrollBy(ctx context.Context, dy int) error {
	return p.eval(ctx, fmt.Sprintf("window.scrollBy(0, %d); true", dy), nil)
}

// -- Navigation and state --

// Navigate loads url and waits for the load event and a ready body, bounded
// by the navigation timeout. A timeout is reported as context.DeadlineExceeded.
func (p *Page) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()

	p.logger.Debug("Navigating", zap.String("url", url))
	if err := p.run(navCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("navigation to '%s' did not complete within %s: %w", url, p.navTimeout, context.DeadlineExceeded)
		}
		return fmt.Errorf("navigation to '%s' failed: %w", url, err)
	}
	return nil
}

// ReadyState returns document.readyState.
func (p *Page) ReadyState(ctx context.Context) (string, error) {
	var state string
	if err := p.eval(ctx, "document.readyState", &state); err != nil {
		return "", err
	}
	return state, nil
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var buf []byte
	if err := p.run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// -- Mutation observation --

func (p *Page) ensureBinding(ctx context.Context) error {
	p.bindingMu.Lock()
	defer p.bindingMu.Unlock()
	if p.bound {
		return nil
	}
	if err := p.run(ctx, runtime.AddBinding(mutationBinding)); err != nil {
		return fmt.Errorf("failed to add binding '%s': %w", mutationBinding, err)
	}
	p.bound = true
	return nil
}

// ObserveMutations installs a MutationObserver whose callbacks reach Go
// through a runtime binding. stop disconnects the observer and removes the
// target listener.
func (p *Page) ObserveMutations(ctx context.Context) (<-chan struct{}, func(), error) {
	if err := p.ensureBinding(ctx); err != nil {
		return nil, nil, err
	}
	id := fmt.Sprintf("obs-%d", p.obsSeq.Add(1))
	events := make(chan struct{}, 1)

	// The listener lives exactly as long as listenCtx.
	listenCtx, stopListening := context.WithCancel(p.tabCtx)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != mutationBinding || called.Payload != id {
			return
		}
		select {
		case events <- struct{}{}:
		default:
		}
	})

	if err := p.eval(ctx, fmt.Sprintf(observeScript, jsonEncode(id)), nil); err != nil {
		stopListening()
		return nil, nil, fmt.Errorf("failed to install mutation observer: %w", err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			stopListening()
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := p.eval(cleanupCtx, fmt.Sprintf(disconnectScript, jsonEncode(id)), nil); err != nil {
				p.logger.Debug("Best-effort observer disconnect failed", zap.String("observer", id), zap.Error(err))
			}
		})
	}
	return events, stop, nil
}

// jsonEncode renders v as a JavaScript literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
