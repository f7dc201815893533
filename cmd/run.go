package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weblight/acb/internal/acb"
	"github.com/weblight/acb/internal/config"
	"github.com/weblight/acb/internal/executor"
	"github.com/weblight/acb/internal/identity"
	"github.com/weblight/acb/internal/observability"
	"github.com/weblight/acb/internal/page/cdppage"
	"github.com/weblight/acb/internal/protocol"
	"github.com/weblight/acb/internal/registry"
	"github.com/weblight/acb/internal/scheduler"
	"github.com/weblight/acb/internal/session"
)

// stopGrace bounds the remote stop notification after a signal; the local
// teardown does not wait on a slow backend.
const stopGrace = 5 * time.Second

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Run an agent session against a page",
		Long: `Run opens the URL in a browser tab, scans it for interactive elements,
and hands control to the remote agent. In act mode each action the agent
returns is executed with synthetic input; in guide mode it is highlighted
for a human to perform.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so they override config file and env values.
			if err := viper.BindPFlag("remote.base_url", cmd.Flags().Lookup("remote-url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("remote.org_id", cmd.Flags().Lookup("org")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			prompt, _ := cmd.Flags().GetString("prompt")
			modeFlag, _ := cmd.Flags().GetString("mode")
			mode := session.Mode(strings.ToLower(modeFlag))
			if !mode.Valid() {
				return fmt.Errorf("invalid mode %q: must be %q or %q", modeFlag, session.ModeAct, session.ModeGuide)
			}

			summary, err := runSession(ctx, cfg, args[0], prompt, mode, logger)
			if err != nil {
				return err
			}

			printSummary(cmd, summary)
			if !summary.Success {
				return fmt.Errorf("session ended with status %s: %s", summary.Status, summary.Error)
			}
			return nil
		},
	}

	runCmd.Flags().StringP("prompt", "p", "", "Task for the agent to perform (required)")
	runCmd.Flags().StringP("mode", "m", string(session.ModeAct), "Session mode: act or guide")
	runCmd.Flags().String("remote-url", "", "Remote agent base URL (overrides config/env)")
	runCmd.Flags().String("org", "", "Organization id sent with every remote request (overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless (overrides config/env)")
	_ = runCmd.MarkFlagRequired("prompt")

	return runCmd
}

// runSession wires the full stack for one session and supervises it against
// the signal-aware context.
func runSession(ctx context.Context, cfg *config.Config, url, prompt string, mode session.Mode, logger *zap.Logger) (*acb.Summary, error) {
	browser, err := cdppage.Launch(ctx, cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	defer browser.Close()

	if err := browser.Navigate(ctx, url); err != nil {
		return nil, err
	}
	tab, err := browser.Tab()
	if err != nil {
		return nil, err
	}
	overlay, err := browser.Overlay(tab)
	if err != nil {
		return nil, err
	}

	reg := registry.New(tab, logger)

	sched := scheduler.New(tab, overlay, scheduler.Config{
		MoveStep:   cfg.Scheduler.MoveStep,
		HoldMin:    cfg.Scheduler.HoldMin,
		HoldMax:    cfg.Scheduler.HoldMax,
		SettlePoll: cfg.Scheduler.SettlePoll,
		TapGap:     cfg.Scheduler.TapGap,
	}, logger)
	defer sched.Close()

	exec := executor.New(tab, reg, sched, executor.Config{
		SettleDelay:  cfg.Executor.SettleDelay,
		PostAction:   cfg.Executor.PostAction,
		InterChar:    cfg.Executor.InterChar,
		EnterExtra:   cfg.Executor.EnterExtra,
		QuietWindow:  cfg.Executor.QuietWindow,
		QuietCeiling: cfg.Executor.QuietCeiling,
	}, logger)

	remote := protocol.NewClient(cfg.Remote.BaseURL, cfg.Remote.OrgID, &http.Client{Timeout: cfg.Remote.Timeout}, logger)

	visitors, err := identity.NewFileProvider(cfg.Identity.VisitorIDFile)
	if err != nil {
		return nil, fmt.Errorf("initializing visitor identity: %w", err)
	}

	engine := acb.New(reg, sched, exec, remote, visitors, acb.Config{GuideDelay: cfg.Session.GuideDelay}, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var summary *acb.Summary
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		s, err := engine.Start(gctx, prompt, mode)
		summary = s
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() == nil {
			return nil // session ended on its own
		}
		logger.Info("signal received, stopping session")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if _, err := engine.Stop(stopCtx); err != nil && !errors.Is(err, session.ErrNoSession) {
			logger.Warn("stopping session after signal", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

func printSummary(cmd *cobra.Command, s *acb.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nSession %s\n", s.Status)
	if s.ThreadID != "" {
		fmt.Fprintf(out, "  thread:   %s\n", s.ThreadID)
	}
	fmt.Fprintf(out, "  actions:  %d\n", s.ActionsExecuted)
	fmt.Fprintf(out, "  duration: %s\n", s.Duration.Round(time.Millisecond))
	if s.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", s.Error)
	}
}
