package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
	"tgrelay/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start relaying until interrupted",
	RunE:  runRelay,
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate configuration without connecting",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config ok")
		return nil
	},
}

func runRelay(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(config.NewConfigManager(cfgPath))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	err = a.Err()
	reason := app.StopSignal
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, app.ErrSourceLost):
		reason = app.StopSourceLost
	default:
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopSignal || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
