// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/variantlink/cmd/variantlink/config"
	"github.com/AleutianAI/variantlink/pkg/logging"
	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/server"
	"github.com/AleutianAI/variantlink/services/variantlink/telemetry"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// app holds what PersistentPreRunE builds for the command being run.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// Persistent flags.
	configPath string
	logLevel   string
	serverURL  string

	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
	out      *printer
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		out:    newPrinter(stdout),
	}
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(os.Stdin, stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	errOut := newPrinter(stderr)
	var cerr *CommandError
	if errors.As(err, &cerr) {
		errOut.errorf("%v", cerr)
		return cerr.ExitCode
	}
	errOut.errorf("%v", err)
	return exitFailure
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "variantlink",
		Short: "Link product variants to the options of a selection group",
		Long: `variantlink edits which product variants are linked to an option of a
selection group while keeping every variant on at most one option per group.

Run "variantlink serve" to host a catalog, "variantlink seed" to load one, and
"variantlink edit" to pick linked variants interactively.`,
		Version:           server.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &CommandError{Command: cmd.CommandPath(), ExitCode: exitUsage, Wrapped: err}
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default $"+config.EnvConfigPath+" or ~/.variantlink/variantlink.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level: debug, info, warn, error (default from config)")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "",
		"catalog server URL (default client.base_url or $"+config.EnvServerURL+")")

	root.AddCommand(
		newServeCmd(a),
		newSeedCmd(a),
		newShowCmd(a),
		newCheckCmd(a),
		newDiffCmd(a),
		newApplyCmd(a),
		newEditCmd(a),
	)
	return root
}

// setup loads the config and starts logging and tracing.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, path, err := config.Loader{Notice: a.stderr}.Load(a.configPath)
	if err != nil {
		return &CommandError{Command: "load config", ExitCode: exitUsage, Wrapped: err}
	}
	if a.serverURL != "" {
		cfg.Client.BaseURL = a.serverURL
	}
	explicitLevel := cmd.Flags().Changed("log-level")
	if explicitLevel {
		cfg.Logging.Level = a.logLevel
	}

	lcfg, err := cfg.Logging.Logging(cfg.Tracing.ServiceName)
	if err != nil {
		return &CommandError{Command: "--log-level", ExitCode: exitUsage, Wrapped: err}
	}
	lcfg.Console = a.stderr
	// Client commands print their own results; keep the console for problems.
	if cmd.Name() != "serve" && !explicitLevel && lcfg.Level < logging.LevelWarn {
		lcfg.Level = logging.LevelWarn
	}
	// The picker owns the terminal.
	lcfg.Quiet = cmd.Name() == "edit"
	a.logger = logging.New(lcfg)

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Tracing.Telemetry(server.Version))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdown = shutdown
	a.cfg = cfg

	a.logger.Slog().Debug("config loaded", "path", path, "command", cmd.CommandPath())
	return nil
}

// close flushes traces and closes the log file. It runs after failed
// commands too, which cobra's post-run hooks do not.
func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil {
			fmt.Fprintf(a.stderr, "tracing shutdown: %v\n", err)
		}
		cancel()
		a.shutdown = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// client returns a catalog client for client.base_url.
func (a *app) client() (*catalog.Client, error) {
	c, err := catalog.NewClient(a.cfg.Client.Catalog(a.slog()))
	if err != nil {
		return nil, &CommandError{Command: "--server", ExitCode: exitUsage, Wrapped: err}
	}
	return c, nil
}

// =============================================================================
// Errors
// =============================================================================

// CommandError carries the exit code of a failed command.
//
// # Description
//
// Commands return a CommandError to choose the exit code. Any other error
// exits with exitFailure.
//
// # Example
//
//	return &CommandError{Command: "check", ExitCode: exitFailure,
//	    Wrapped: fmt.Errorf("%d violation(s)", n)}
type CommandError struct {
	// Command is the operation that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "command: cause".
func (e *CommandError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}
