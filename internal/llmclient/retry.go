// internal/llmclient/retry.go
package llmclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// pacer spaces requests to the provider and retries transient failures
// before any part of a reply has been delivered.
type pacer struct {
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

func newPacer(cfg config.LLMConfig, logger *zap.Logger) *pacer {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &pacer{
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// do runs op until it succeeds, returns a backoff.Permanent error, or the
// retry budget is spent.
func (p *pacer) do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute

	attempt := 0
	return backoff.Retry(func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op()
		if err != nil {
			p.logger.Warn("Model request failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.maxRetries, 0))), ctx))
}

// retryableStatus reports whether an HTTP status is worth another attempt.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
