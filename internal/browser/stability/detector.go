// internal/browser/stability/detector.go
package stability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// readyPollInterval is how often readyState is rechecked once the page has
// gone quiet but is still loading.
const readyPollInterval = 50 * time.Millisecond

// Source is the slice of browser.Page the detector needs.
type Source interface {
	ObserveMutations(ctx context.Context) (<-chan struct{}, func(), error)
	ReadyState(ctx context.Context) (string, error)
}

// Result describes how a wait ended. A wait that hit its timeout is not an
// error; Stable is simply false.
type Result struct {
	Stable    bool
	Waited    time.Duration
	Mutations int
}

// Detector decides when a page has settled after an action.
type Detector struct {
	src       Source
	logger    *zap.Logger
	readyPoll time.Duration
}

// NewDetector creates a detector over src.
func NewDetector(src Source, logger *zap.Logger) *Detector {
	return &Detector{
		src:       src,
		logger:    logger.Named("stability"),
		readyPoll: readyPollInterval,
	}
}

// Wait blocks until no mutation has been observed for silence and the
// document reports readyState "complete", or until timeout elapses.
// The observer and all timers are released before Wait returns.
func (d *Detector) Wait(ctx context.Context, timeout, silence time.Duration) (Result, error) {
	start := time.Now()
	events, stop, err := d.src.ObserveMutations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to observe mutations: %w", err)
	}
	defer stop()

	hardStop := start.Add(timeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	quiet := time.NewTimer(silence)
	defer quiet.Stop()

	var res Result
	for {
		select {
		case <-ctx.Done():
			res.Waited = time.Since(start)
			return res, ctx.Err()

		case <-deadline.C:
			res.Waited = time.Since(start)
			d.logger.Debug("Page did not settle before timeout",
				zap.Duration("timeout", timeout), zap.Int("mutations", res.Mutations))
			return res, nil

		case _, ok := <-events:
			if !ok {
				// The observer went away (navigation tore down the document).
				// Quiet timing continues on readyState alone.
				events = nil
				continue
			}
			res.Mutations++
			quiet.Reset(silence)

		case <-quiet.C:
			// Each mutation rearms the timer with the full silence window, so
			// firing here means the page has been quiet long enough.
			// The probe gets only what is left of the hard timeout.
			probeCtx, cancel := context.WithDeadline(ctx, hardStop)
			state, err := d.src.ReadyState(probeCtx)
			cancel()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					res.Waited = time.Since(start)
					return res, ctxErr
				}
				if !time.Now().Before(hardStop) {
					res.Waited = time.Since(start)
					d.logger.Debug("readyState probe ran into the stability timeout", zap.Error(err))
					return res, nil
				}
				d.logger.Debug("Failed to read readyState, polling again", zap.Error(err))
			}
			if err == nil && state == browser.ReadyComplete {
				res.Stable = true
				res.Waited = time.Since(start)
				return res, nil
			}
			quiet.Reset(d.readyPoll)
		}
	}
}
