package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/peforge/config"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/logging"
	"github.com/cochaviz/peforge/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "cli"
)

// app carries what the persistent flags configure. Commands read logger at
// run time, after PersistentPreRunE has applied --log-format.
type app struct {
	logger      *slog.Logger
	level       *slog.LevelVar
	metricsFile string
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger, level: &levelVar}
	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) || fault.Is(err, fault.Cancelled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err, "kind", string(fault.KindOf(err)))
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	setup.SetLogger(a.logger)

	logLevel := defaultLogLevel
	logFormat := defaultLogFormat

	root := &cobra.Command{
		Use:           "peforge",
		Short:         "Build bootable preinstallation environment images with the Windows deployment kit",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when the command ends")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.level.Set(level)
		a.logger = logging.New(mode, os.Stderr, a.level)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger)
		return nil
	}

	root.AddCommand(
		newBuildCommand(a),
		newMountCommand(a),
		newUnmountCommand(a),
		newMediaCommand(a),
		newVerifyCommand(a),
		newBootcheckCommand(a),
		newWorkspaceCommand(a),
		newToolsCommand(a),
		newProfilesCommand(a),
	)
	return root
}

// finish writes metrics if requested; a write failure never hides err.
func (a *app) finish(env *simple.Environment, err error) error {
	if env == nil || a.metricsFile == "" {
		return err
	}
	if werr := env.WriteMetrics(a.metricsFile); werr != nil {
		a.logger.Warn("could not write metrics", "path", a.metricsFile, "error", werr)
	}
	return err
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
