// internal/browser/session/context_utils.go
package session

import "context"

// combineContext derives a context from tab, which carries the chromedp
// target, that is also cancelled when op is done. The cancellation cause of
// op (for example its deadline) is propagated.
func combineContext(tab, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(tab)
	stop := context.AfterFunc(op, func() { cancel(context.Cause(op)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
