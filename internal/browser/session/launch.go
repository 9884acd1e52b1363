// internal/browser/session/launch.go
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// AllocatorOptions translates the browser config into chromedp allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		// Required on hardened hosts and in containers.
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	// DefaultExecAllocatorOptions already carries headless; a false value
	// overrides it.
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if w, h := viewport(cfg); w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(arg, "=")
		key = strings.TrimPrefix(key, "--")
		if key == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func viewport(cfg config.BrowserConfig) (int, int) {
	return cfg.Viewport["width"], cfg.Viewport["height"]
}

// Launch starts Chrome with one tab and returns it as a Page. The returned
// close function tears down the tab and the browser process.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, func(), error) {
	log := logger.Named("chrome")
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Warnf),
	)
	closeAll := func() {
		cancelTab()
		cancelAlloc()
	}

	setup := chromedp.Tasks{}
	if w, h := viewport(cfg); w > 0 && h > 0 {
		setup = append(setup, emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false))
	}
	if persona, ok := PersonaFromConfig(cfg); ok {
		setup = append(setup, persona.Tasks(log)...)
	}
	// The first Run starts the browser.
	if err := chromedp.Run(tabCtx, setup); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to start browser: %w", err)
	}
	log.Info("Browser started", zap.Bool("headless", cfg.Headless))
	return NewPage(tabCtx, cfg.NavigationTimeout, logger), closeAll, nil
}
