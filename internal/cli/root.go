// Package cli builds the backendd command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X backendd/internal/cli.Version=...".
var Version = "dev"

// app carries state shared by subcommands once flags are parsed.
type app struct {
	opts Options
	log  zerolog.Logger
	out  io.Writer
	errw io.Writer
}

// NewRootCmd constructs the command tree writing to out and errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{
		opts: Options{
			ConfigPath: envStr("BACKENDD_CONFIG", ""),
			LogLevel:   envStr("BACKENDD_LOG_LEVEL", "info"),
			LogFormat:  envStr("BACKENDD_LOG_FORMAT", "json"),
		},
		out:  out,
		errw: errOut,
	}
	root := &cobra.Command{
		Use:           "backendd",
		Short:         "Dispatch image generation jobs across a pool of compute backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&a.opts.ConfigPath, "config", "c", a.opts.ConfigPath, "Config file (.yaml, .json or .toml; defaults BACKENDD_CONFIG)")
	root.PersistentFlags().StringVar(&a.opts.LogLevel, "log-level", a.opts.LogLevel, "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&a.opts.LogFormat, "log-format", a.opts.LogFormat, "Log format: json|console")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(errOut, a.opts.LogLevel, a.opts.LogFormat)
		if err != nil {
			return err
		}
		a.log = l
		return nil
	}

	root.AddCommand(
		newServeCmd(a),
		newBackendsCmd(a),
		newModelsCmd(a),
		newPermissionsCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(out, "backendd", Version)
			},
		},
	)
	return root
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
