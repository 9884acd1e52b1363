package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/browser/dom"
	"github.com/xkilldash9x/webpilot/internal/browser/session"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// errRunNotCompleted is returned when a run ends in any status other than
// completed. The summary has already been printed.
var errRunNotCompleted = errors.New("run did not complete")

func newRunCmd() *cobra.Command {
	var jsonOutput bool

	runCmd := &cobra.Command{
		Use:   "run [flags] \"goal\"",
		Short: "Pursue a goal in the browser until it is done or the budget runs out",
		Example: `  webpilot run --url https://example.com/login "log in as demo with password demo"
  webpilot run --backend static --url http://localhost:8080 "subscribe to the newsletter"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			goal := strings.TrimSpace(strings.Join(args, " "))
			if goal == "" {
				return errors.New("goal must not be empty")
			}

			res, err := runAgent(cmd.Context(), cfg, goal, cmd.OutOrStdout(), jsonOutput, observability.GetLogger())
			if err != nil {
				return err
			}
			if res.Status != schemas.StatusCompleted {
				return fmt.Errorf("%w: %s (%s)", errRunNotCompleted, res.Status, res.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().String("url", "", "URL to open before the first step")
	runCmd.Flags().String("backend", config.BackendChrome, "page backend: chrome or static")
	runCmd.Flags().Int("max-steps", 0, "override agent.max_steps")
	runCmd.Flags().Bool("headless", true, "run Chrome without a window")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the final result as JSON")
	return runCmd
}

// runAgent wires one run end to end and blocks until it finishes.
func runAgent(ctx context.Context, cfg *config.Config, goal string, out io.Writer, jsonOutput bool, logger *zap.Logger) (schemas.RunResult, error) {
	page, closePage, err := openPage(ctx, cfg.Browser, logger)
	if err != nil {
		return schemas.RunResult{}, err
	}
	defer closePage()

	if start := cfg.Browser.StartURL; start != "" {
		logger.Info("Opening start page", zap.String("url", start))
		if err := page.Navigate(ctx, start); err != nil {
			return schemas.RunResult{}, fmt.Errorf("failed to open %s: %w", start, err)
		}
	}

	client, err := llmclient.NewClient(ctx, cfg.LLM, logger)
	if err != nil {
		return schemas.RunResult{}, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	var opts []agent.Option
	if cfg.Database.Enabled {
		st, closeStore, err := store.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			return schemas.RunResult{}, fmt.Errorf("failed to connect audit store: %w", err)
		}
		defer closeStore()
		opts = append(opts, agent.WithRecorder(st))
	}

	a := agent.New(cfg, page, client, logger, opts...)
	events, unsubscribe := a.Events().Subscribe()
	defer unsubscribe()

	var res schemas.RunResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer a.Close()
		res = a.Run(gctx, goal)
		return nil
	})
	g.Go(func() error {
		for ev := range events {
			if !jsonOutput {
				printEvent(out, ev)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return res, fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		printSummary(out, res)
	}
	return res, nil
}

func openPage(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Page, func(), error) {
	switch cfg.Backend {
	case config.BackendStatic:
		return dom.NewPage(logger), func() {}, nil
	case config.BackendChrome:
		page, closeFn, err := session.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return page, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown browser backend %q", cfg.Backend)
	}
}

func printEvent(w io.Writer, ev schemas.Event) {
	switch ev.Type {
	case schemas.EventRunStarted:
		fmt.Fprintf(w, "run %s started\n", ev.RunID)
	case schemas.EventActionStarted:
		if ev.Action != nil {
			fmt.Fprintf(w, "[%2d] %s\n", ev.Step, ev.Action.String())
		}
	case schemas.EventActionCompleted:
		if ev.Outcome == nil {
			return
		}
		o := ev.Outcome
		switch {
		case !o.Success:
			fmt.Fprintf(w, "     failed: %s (%s)\n", o.Error, o.ErrorCode)
		case !o.StateChanged:
			fmt.Fprintln(w, "     ok, no visible change")
		default:
			fmt.Fprintln(w, "     ok")
		}
	}
}

func printSummary(w io.Writer, res schemas.RunResult) {
	fmt.Fprintf(w, "\n%s after %d step(s) in %s: %s\n",
		strings.ToUpper(string(res.Status)), res.Steps,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond), res.Reason)
	for _, m := range res.Milestones {
		fmt.Fprintf(w, "  milestone at step %d: %s\n", m.StepIndex, m.Label)
	}
}
