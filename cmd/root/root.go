// Package root wires the cobra command tree for the session engine
// binary: a single long-running `serve` command plus the debug/logging
// flag surface the teacher carries on every command.
package root

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docker/agent-session-engine/pkg/logging"
)

// NewRootCmd builds the command tree. version is embedded via ldflags at
// release time; it defaults to "dev" for local builds.
func NewRootCmd(version string) *cobra.Command {
	var (
		debug   bool
		logFile string
	)

	cmd := &cobra.Command{
		Use:           "agent-session-engine",
		Short:         "Multi-tenant HTTP façade around a streaming agent runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := setupLogging(debug, logFile)
			if err != nil {
				return fmt.Errorf("setting up logging: %w", err)
			}
			slog.SetDefault(log)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr (rotated at 10MB)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// setupLogging mirrors the teacher's rotate-to-file-or-stderr pattern: a
// RotatingFile sink when --log-file is set, plain stderr otherwise, both
// as structured slog text handlers.
func setupLogging(debug bool, logFile string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	if logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	rf, err := logging.NewRotatingFile(logFile)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(rf, opts)), nil
}

// Execute runs the command tree and maps a returned error to a process
// exit code, matching the teacher's top-level error-handling shape.
func Execute(version string) int {
	cmd := NewRootCmd(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, processErr(err))
		return 1
	}
	return 0
}

func processErr(err error) string {
	return fmt.Sprintf("agent-session-engine: %v", err)
}
