// Package cli provides the command-line interface for packdock.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/packdock/internal/config"
	"github.com/jmylchreest/packdock/internal/plugin/inspect"
	"github.com/jmylchreest/packdock/internal/plugin/manager"
	"github.com/jmylchreest/packdock/internal/version"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	verbose    bool
	quiet      bool
	configPath string
	appPath    string
	pluginDir  string
	isolation  isolationValue
}

// app is the state shared by the commands of one invocation.
type app struct {
	opts   globalOptions
	logger hclog.Logger
	mgr    *manager.Manager
	// newManager builds the manager; tests replace it to inject a host guard.
	newManager func(*manager.Builder) (*manager.Manager, error)
}

// NewRootCmd builds the packdock command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{
		newManager: func(b *manager.Builder) (*manager.Manager, error) { return b.Build() },
	})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "packdock",
		Short: "Manage the plugin packs of a host application",
		Long: `packdock discovers the plugin packs installed below a host application's
user/plugin directory, reports their metadata, and switches them on or off by
renaming their module files between name.dll and name.dll.disabled.`,
		Version:           version.Short(),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&a.opts.quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&a.opts.configPath, "config", "", "config file (default: $PACKDOCK_CONFIG or <user config dir>/packdock/config.yaml)")
	flags.StringVar(&a.opts.appPath, "app", "", "path to the host application executable")
	flags.StringVar(&a.opts.pluginDir, "plugin-dir", "", "plugin root (default: <app dir>/user/plugin)")
	flags.Var(&a.opts.isolation, "isolation", `where modules are inspected: "none" or "process"`)

	rootCmd.SetVersionTemplate(version.String() + "\n")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newPluginsCmd(a))
	rootCmd.AddCommand(newWorkerCmd(a))

	return rootCmd
}

// Execute runs the root command and exits non-zero on failure. Interrupts
// cancel the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// setup builds the logger and manager: config file, then environment, then
// flags.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.logger = newLogger(cmd.ErrOrStderr(), a.opts.verbose, a.opts.quiet)

	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return err
	}
	if a.opts.appPath != "" {
		cfg.AppPath = a.opts.appPath
	}
	if a.opts.pluginDir != "" {
		cfg.PluginDir = a.opts.pluginDir
	}
	if a.opts.isolation != "" {
		cfg.Isolation = config.Isolation(a.opts.isolation)
	}
	n, ok, err := changedInt(cmd.Flags(), "max-per-folder")
	if err != nil {
		return err
	}
	if ok {
		cfg.MaxPerFolder = n
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mgr, err = a.newManager(manager.NewBuilder().WithConfig(cfg).WithLogger(a.logger))
	return err
}

func newLogger(w io.Writer, verbose, quiet bool) hclog.Logger {
	level := hclog.Warn
	switch {
	case verbose:
		level = hclog.Debug
	case quiet:
		level = hclog.Error
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "packdock",
		Level:  level,
		Output: w,
	})
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the packdock version with the commit, build date and Go toolchain it was built from.`,
		// Overrides the root setup: no config is needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(version.GetInfo())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

// newWorkerCmd runs the out-of-process inspector. It is started by packdock
// itself when isolation is set to "process".
func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    inspect.WorkerCommand,
		Short:  "Run the module inspection worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = hclog.New(&hclog.LoggerOptions{
				Name:       "inspect-worker",
				Level:      hclog.Trace,
				Output:     cmd.ErrOrStderr(),
				JSONFormat: true,
			})
			return nil
		},
		Run: func(*cobra.Command, []string) {
			inspect.Serve(a.logger)
		},
	}
}
