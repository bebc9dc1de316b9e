package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/cellar/internal/app"
	"github.com/vk/cellar/internal/config"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// Streams are the process streams a command writes to.
type Streams struct {
	Out     io.Writer
	Err     io.Writer
	Environ []string
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath    string
	formulaPaths  []string
	workers       int
	logLevel      string
	logFormat     string
	failurePolicy string
}

// Run executes the command line args and returns an error suitable for
// ExitCode.
func Run(ctx context.Context, args []string, streams Streams) error {
	root := NewRootCommand(streams)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err)
	}
	return err
}

// NewRootCommand builds the cellar command tree.
func NewRootCommand(streams Streams) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "cellar",
		Short: "Build and install packages from formulas",
		Long: `cellar resolves a formula's dependencies, builds each missing formula in
an isolated sandbox, installs the results atomically and can verify them
with the formula's own tests.

Formulas are HCL files found under the configured formula paths.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(streams.Out)
	root.SetErr(streams.Err)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Settings file (default "+config.DefaultPath()+")")
	pf.StringSliceVar(&flags.formulaPaths, "formula-path", nil, "Formula file or directory; repeatable")
	pf.IntVar(&flags.workers, "workers", 0, "Formulas built concurrently")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&flags.failurePolicy, "failure-policy", "", "On failure: continue or cancel unrelated builds")

	env := &cmdEnv{flags: flags, streams: streams}
	root.AddCommand(
		newResolveCommand(env),
		newBuildCommand(env),
		newInstallCommand(env),
		newTestCommand(env),
		newListCommand(env),
		newUninstallCommand(env),
		newRecoverCommand(env),
		newVersionCommand(env),
	)
	return root
}

// cmdEnv is what every subcommand needs to assemble the app.
type cmdEnv struct {
	flags   *globalFlags
	streams Streams
}

// settings loads the settings layers and applies the flags that were set.
func (e *cmdEnv) settings(cmd *cobra.Command) (*config.Settings, error) {
	s, err := config.Load(e.flags.configPath, e.streams.Environ)
	if err != nil {
		return nil, usageError(err)
	}
	changed := cmd.Flags().Changed
	if changed("formula-path") {
		s.FormulaPaths = e.flags.formulaPaths
	}
	if changed("workers") {
		s.Workers = e.flags.workers
	}
	if changed("log-level") {
		s.LogLevel = e.flags.logLevel
	}
	if changed("log-format") {
		s.LogFormat = e.flags.logFormat
	}
	if changed("failure-policy") {
		s.FailurePolicy = e.flags.failurePolicy
	}
	if err := s.AbsPaths(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, usageError(err)
	}
	return s, nil
}

// app assembles the application for cmd. Logs go to the error stream.
func (e *cmdEnv) app(cmd *cobra.Command) (*app.App, context.Context, error) {
	s, err := e.settings(cmd)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cmd.Context(), e.streams.Err, s)
	if err != nil {
		return nil, nil, err
	}
	return a, a.Context(cmd.Context()), nil
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && termIsTerminal(int(f.Fd()))
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError(fmt.Errorf("%s takes no arguments", cmd.CommandPath()))
	}
	return nil
}
