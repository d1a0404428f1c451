package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"defectbot/internal/app"
	"defectbot/internal/config"
	"defectbot/internal/defects"
	"defectbot/internal/notifier"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "defectbot",
		Short:         "Defect tracking API with Telegram assignment notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, notifier and background jobs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "subscribe <name> <telegram-id>",
			Short: "Register a Telegram chat id for a person",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cfgPath, func(a *app.App) error {
					if err := a.Defects().Subscribe(cmd.Context(), args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s -> %s\n", args[0], args[1])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "notify <defect-id>",
			Short: "Re-send assignment notifications for a defect",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid defect id %q", args[0])
				}
				return withApp(cfgPath, func(a *app.App) error {
					return notify(cmd, a, id)
				})
			},
		},
		&cobra.Command{
			Use:   "optimize",
			Short: "Run store maintenance once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cfgPath, func(a *app.App) error {
					if err := a.Maintenance().RunNow(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "optimized in %s\n", a.Maintenance().Last().Took)
					return nil
				})
			},
		},
		newConfigCmd(&cfgPath),
	)
	return root
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective config (file, environment and defaults) with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			mask(&cfg.Telegram.Token)
			mask(&cfg.Admin.Password)
			mask(&cfg.Admin.Token)
			mask(&cfg.Storage.DSN)
			b, err := config.Marshal(*cfgPath, cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(b, '\n'))
			return err
		},
	})
	return cmd
}

func mask(s *string) {
	if *s != "" {
		*s = "***"
	}
}

func serve(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return fatal
	}
	return nil
}

// withApp runs fn against an app that is built but not started.
func withApp(cfgPath string, fn func(a *app.App) error) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(ctx, app.StopCommandDone)
	}()
	return fn(a)
}

func notify(cmd *cobra.Command, a *app.App, id int64) error {
	ctx := cmd.Context()
	d, err := a.OpenNotifier(ctx)
	if err != nil {
		return err
	}
	if !d.Enabled() {
		return errors.New("telegram token not configured")
	}
	defect, err := a.Defects().Get(ctx, id)
	if err != nil {
		return err
	}

	d.Dispatch(defects.PayloadOf(defect), notifier.Assignment{
		Responsible: defect.Responsible,
		Executor:    defect.AssignedTo,
	})

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Executor().Drain(drainCtx); err != nil {
		return fmt.Errorf("waiting for delivery: %w", err)
	}

	hist := d.History()
	if len(hist) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing sent: defect has no assignees")
		return nil
	}
	last := hist[len(hist)-1]
	out := cmd.OutOrStdout()
	for _, o := range last.Outcomes {
		status := "ok"
		if !o.OK() {
			status = "failed: " + o.Error
		}
		fmt.Fprintf(out, "%s (%s) -> %s: %s\n", o.Name, o.Role, o.Address, status)
	}
	for _, name := range last.Skipped {
		fmt.Fprintf(out, "%s: not subscribed\n", name)
	}
	if n := last.Failed(); n > 0 {
		return fmt.Errorf("%d of %d notifications failed", n, len(last.Outcomes))
	}
	return nil
}
