package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string
}

func newRootCmd(deps gatewayDeps, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "voicegw",
		Short:         "Realtime voice chat gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading configuration; missing files are ignored")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error (env VOICEGW_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text|json (env VOICEGW_LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(opts, deps, stderr),
		newTokenCmd(),
		newAuditCmd(opts, stderr),
		newMigrateCmd(),
		newClientCmd(),
	)
	return root
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// logger builds the process logger. Environment values apply unless the
// flag was given explicitly, so they can come from the dotenv file.
func (o *rootOptions) logger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	level, format := o.logLevel, o.logFormat
	if !cmd.Flags().Changed("log-level") {
		level = envDefault("VOICEGW_LOG_LEVEL", level)
	}
	if !cmd.Flags().Changed("log-format") {
		format = envDefault("VOICEGW_LOG_FORMAT", format)
	}
	return newLogger(w, level, format)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps gatewayDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voicegw: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultGatewayDeps()))
}
