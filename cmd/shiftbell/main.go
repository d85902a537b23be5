// Command shiftbell runs the schedule boundary notifier.
//
// Usage:
//
//	shiftbell --config ./config.json          # serve (default)
//	shiftbell tick --at 2024-11-18T07:50:00Z  # evaluate one minute and deliver
//	shiftbell today --date 2024-11-18
//	shiftbell changes --count 4
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

	"github.com/spf13/cobra"

	"shiftbell/internal/app"
	"shiftbell/internal/config"
	"shiftbell/internal/schedule"
	logx "shiftbell/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	var cfgPath, envFile string

	root := &cobra.Command{
		Use:           "shiftbell",
		Short:         "Schedule boundary notifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadDotEnv(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, transports and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(tickCmd(&cfgPath))
	root.AddCommand(todayCmd(&cfgPath))
	root.AddCommand(changesCmd(&cfgPath))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func tickCmd(cfgPath *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate one minute and deliver its notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			a, err := app.NewApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(a.Tick(cmd.Context(), now))
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time to evaluate (default now)")
	return cmd
}

func todayCmd(cfgPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Print the resolved schedule for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadSchedule(*cfgPath)
			if err != nil {
				return err
			}
			now := time.Now()
			if date != "" {
				if now, err = time.ParseInLocation("2006-01-02", date, svc.Location()); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			res, err := svc.Today(now)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to resolve, YYYY-MM-DD (default today)")
	return cmd
}

func changesCmd(cfgPath *string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List upcoming season changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadSchedule(*cfgPath)
			if err != nil {
				return err
			}
			changes, err := svc.Upcoming(time.Now(), count)
			if err != nil {
				return err
			}
			return printJSON(changes)
		},
	}
	cmd.Flags().IntVar(&count, "count", 4, "number of changes")
	return cmd
}

func loadSchedule(cfgPath string) (*schedule.Service, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	svc := app.LoadSchedule(cfg, logx.NewConsole("warn"))
	if err := svc.Err(); err != nil {
		return nil, err
	}
	return svc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
