package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"crawlsched/internal/app"
	"crawlsched/internal/schedule"
)

const stopTimeout = 10 * time.Second

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

// signalContext is canceled on SIGINT or SIGTERM. The returned func reports
// which signal arrived, if any.
func signalContext(parent context.Context) (context.Context, func() os.Signal, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	got := make(chan os.Signal, 1)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			got <- sig
			cancel()
		case <-ctx.Done():
		}
	}()
	received := func() os.Signal {
		select {
		case sig := <-got:
			got <- sig
			return sig
		default:
			return nil
		}
	}
	return ctx, received, cancel
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, received, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return fmt.Errorf("start: %w", err)
			}
			// Not running under systemd is fine.
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			var reason app.StopReason
			select {
			case <-ctx.Done():
				reason = app.StopSIGTERM
				if received() == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <event>",
		Short: "Run one tick of an event now, ignoring its enable flag",
		Long: fmt.Sprintf(`Run one tick of an event now, ignoring its enable flag.

Events: %s, %s, %s, %s`,
			schedule.EventCollectURLs, schedule.EventCrawlPost, schedule.EventRecrawlPost, schedule.EventDeletePosts),
		Args: cobra.ExactArgs(1),
		ValidArgs: []string{
			schedule.EventCollectURLs, schedule.EventCrawlPost, schedule.EventRecrawlPost, schedule.EventDeletePosts,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, _, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			err = a.RunOnce(ctx, args[0])
			return errors.Join(err, a.Close())
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compute which event timers the config schedules and print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			status, err := a.Reconcile()
			err = errors.Join(err, a.Close())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if eerr := enc.Encode(status); eerr != nil {
				return errors.Join(err, eerr)
			}
			return err
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(configPath(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d site(s), storage=%s\n", len(cfg.Sites), cfg.Storage.Driver)
			return nil
		},
	}
}
