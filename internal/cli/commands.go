package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vk/cellar/internal/engine"
	"github.com/vk/cellar/internal/store"
	"github.com/vk/cellar/internal/verify"
)

func newResolveCommand(env *cmdEnv) *cobra.Command {
	var reinstall bool
	cmd := &cobra.Command{
		Use:   "resolve <formula>",
		Short: "Print the build plan of a formula",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			plan, err := a.Engine().Resolve(ctx, args[0], reinstall)
			if err != nil {
				return err
			}

			p := newPrinter(env.streams.Out)
			for _, f := range plan.Order {
				state := p.paint(colInfo, "build")
				if inst, ok := plan.Satisfied[f.Name]; ok {
					state = p.paint(colOK, "ok") + " " + inst.Path
				}
				line := fmt.Sprintf("%-24s %s", f.Identity(), state)
				deps, _ := plan.Graph.Dependencies(f.Name)
				if len(deps) > 0 {
					line += " <- " + strings.Join(deps, ", ")
				}
				p.printf("%s\n", line)
			}
			for _, ex := range plan.Excluded {
				p.printf("excluded %s -> %s: %s\n", ex.Formula, ex.Dependency, ex.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reinstall, "reinstall", false, "Plan a rebuild of the formula even if it is installed")
	return cmd
}

func newBuildCommand(env *cmdEnv) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "build <formula>",
		Short: "Build a formula without installing it",
		Long: `Build installs the formula's missing dependencies, then builds the formula
itself in a sandbox. With -o the build output is copied to the given
directory; otherwise it is discarded.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			plan, err := a.Engine().Resolve(ctx, args[0], true)
			if err != nil {
				return err
			}
			bar := newProgress(env.streams.Err, len(plan.Pending()), "building")
			report, err := a.Engine().Build(ctx, args[0], outDir, engine.Options{OnNode: bar.node})
			bar.finish()
			if report != nil {
				newPrinter(env.streams.Out).summary(report)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Directory receiving the build output")
	return cmd
}

func newInstallCommand(env *cmdEnv) *cobra.Command {
	var opts engine.Options
	cmd := &cobra.Command{
		Use:   "install <formula>",
		Short: "Build and install a formula and its dependencies",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			plan, err := a.Engine().Resolve(ctx, args[0], opts.Reinstall)
			if err != nil {
				return err
			}
			bar := newProgress(env.streams.Err, len(plan.Pending()), "installing")
			opts.OnNode = bar.node
			report, err := a.Engine().Install(ctx, args[0], opts)
			bar.finish()

			p := newPrinter(env.streams.Out)
			if report != nil {
				p.summary(report)
				if report.Verification != nil {
					printVerification(p, report.Verification, report.VerifyErr)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Replace files that occupy a formula's link path")
	cmd.Flags().BoolVar(&opts.Test, "test", false, "Run the formula's tests after installing it")
	cmd.Flags().BoolVar(&opts.Reinstall, "reinstall", false, "Rebuild the formula even if it is installed")
	return cmd
}

func newTestCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "test <formula>",
		Short: "Run the tests of an installed formula",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			report, err := a.Engine().Test(ctx, args[0])
			if errors.Is(err, store.ErrNotInstalled) {
				return &ExitError{Code: ExitGeneric, Message: fmt.Sprintf("%s is not installed", args[0]), Err: err}
			}
			if report != nil {
				printVerification(newPrinter(env.streams.Out), report, err)
			}
			return err
		},
	}
}

func printVerification(p *printer, r *verify.Report, err error) {
	switch {
	case r.Skipped:
		p.printf("%s %s: no tests\n", p.paint(colWarn, "skipped"), r.Formula)
	case err != nil:
		p.printf("%s %s\n", p.paint(colFail, "FAIL"), r.Formula)
		if r.Output != "" {
			p.printf("%s\n", strings.TrimRight(r.Output, "\n"))
		}
		if r.LogPath != "" {
			p.printf("log: %s\n", r.LogPath)
		}
	default:
		p.printf("%s %s (%d steps)\n", p.paint(colOK, "PASS"), r.Formula, r.Steps)
	}
}

func newListCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list [formula]",
		Short: "List installed formulas, or the install history of one formula",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return usageError(err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := env.app(cmd)
			if err != nil {
				return err
			}
			p := newPrinter(env.streams.Out)
			if len(args) == 1 {
				for _, rec := range a.Engine().History(args[0]) {
					state := rec.Path
					if rec.Removed {
						state = p.paint(colWarn, "removed")
					}
					p.printf("%s\t%s\t%s\n", timestamp(rec), rec.Identity(), state)
				}
				return nil
			}
			for _, rec := range a.Engine().List() {
				p.printf("%s\t%s\t%s\n", rec.Identity(), rec.Path, timestamp(rec))
			}
			return nil
		},
	}
}

func timestamp(rec store.Record) string {
	return rec.InstalledAt.Local().Format("2006-01-02 15:04:05")
}

func newUninstallCommand(env *cmdEnv) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "uninstall <formula>",
		Short: "Remove an installed formula",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			if err := a.Engine().Uninstall(ctx, args[0], force); err != nil {
				return err
			}
			newPrinter(env.streams.Out).printf("uninstalled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Uninstall even if installed formulas depend on it")
	return cmd
}

func newRecoverCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Remove leftovers of interrupted installs and compact the install log",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := env.app(cmd)
			if err != nil {
				return err
			}
			removed, err := a.Engine().Recover(ctx)
			p := newPrinter(env.streams.Out)
			for _, path := range removed {
				p.printf("removed %s\n", path)
			}
			return err
		},
	}
}

func newVersionCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cellar version",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintf(env.streams.Out, "cellar %s\n", Version)
			return nil
		},
	}
}
