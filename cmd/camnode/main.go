// Command camnode serves camera frames over HTTP and shuts down on request.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/e7canasta/orion-camnode/config"
	"github.com/e7canasta/orion-camnode/shutdown"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(os.Stderr, "text", &levelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout, os.Stderr, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("camnode: interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("camnode: command failed", "error", err)
		os.Exit(shutdown.ExitCode(err))
	}
}

// rootOptions carries the persistent flags and the loaded configuration to
// subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	levelVar *slog.LevelVar
	stderr   io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer, levelVar *slog.LevelVar) *cobra.Command {
	opts := &rootOptions{levelVar: levelVar, stderr: stderr}

	root := &cobra.Command{
		Use:           "camnode",
		Short:         "Camera frame source: snapshot endpoint, throughput benchmark, remote shutdown",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override log.format (text, json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return opts.load()
	}

	root.AddCommand(
		newServeCommand(opts),
		newBenchCommand(opts),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration, applies flag overrides and installs the logger.
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	o.levelVar.Set(level)

	o.cfg = cfg
	o.logger = newLogger(o.stderr, cfg.Log.Format, o.levelVar).With("instance", cfg.InstanceID)
	slog.SetDefault(o.logger)
	return nil
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the camnode version",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "camnode "+version)
		},
	}
}
