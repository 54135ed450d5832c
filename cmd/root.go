// Package cmd defines the procwatch command line: serve runs the service,
// scan and digest run one pass and exit.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/app"
	"github.com/rafaelwaynne/procwatch/internal/config"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/scan"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App is the slice of the application the commands use. Tests substitute a
// fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	ScanByID(ctx context.Context, id string) (monitor.ScanResult, error)
	ScanAll(ctx context.Context) (scan.Report, error)
	RunDigest(ctx context.Context) ([]monitor.DigestItem, error)
	Logger() *zap.Logger
}

type appKey struct{}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.Build(ctx, cfg, app.Options{Version: Version})
	if err != nil {
		return nil, err
	}
	return builtApp{a}, nil
}

type builtApp struct {
	*app.App
}

func (b builtApp) ScanByID(ctx context.Context, id string) (monitor.ScanResult, error) {
	return b.Scanner().ScanByID(ctx, id)
}

func (b builtApp) ScanAll(ctx context.Context) (scan.Report, error) {
	return b.Scanner().ScanAll(ctx)
}

func (b builtApp) RunDigest(ctx context.Context) ([]monitor.DigestItem, error) {
	return b.Digest().Run(ctx)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "procwatch",
		Short:         "Watches legal process tracking pages and records every change.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			a, ok := cmd.Context().Value(appKey{}).(App)
			if !ok || a == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			return a.Close(ctx)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the PROCWATCH_ prefix")

	cmd.AddCommand(newServeCmd(), newScanCmd(), newDigestCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey{}).(App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "procwatch:", err)
		os.Exit(1)
	}
}
