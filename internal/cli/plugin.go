package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/internal/plugin/inspect"
	"github.com/jmylchreest/packdock/internal/watch"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

// listOptions holds the flags of plugins list and plugins watch.
type listOptions struct {
	json         bool
	progressive  bool
	showPath     bool
	maxPerFolder int
	debounce     time.Duration
}

func newPluginsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage plugin packs",
		Long: `Manage the plugin packs installed below the host's plugin directory.

The host is located via (highest priority first):
  1. --app / --plugin-dir flags
  2. Environment variables (PACKDOCK_APP_PATH, PACKDOCK_PLUGIN_DIR)
  3. The config file (app_path, plugin_dir)`,
	}

	cmd.AddCommand(newPluginListCmd(a))
	cmd.AddCommand(newPluginToggleCmd(a, true))
	cmd.AddCommand(newPluginToggleCmd(a, false))
	cmd.AddCommand(newPluginInspectCmd(a))
	cmd.AddCommand(newPluginWatchCmd(a))
	return cmd
}

func newPluginListCmd(a *app) *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugin packs",
		Long: `List the plugin packs installed below the plugin directory with their
metadata and enabled state.

With --progressive, a basic record is printed for every candidate module as
soon as it is found, followed by a detailed record once its metadata has been
read.

Examples:
  packdock plugins list --app ~/ymm/YukkuriMovieMaker.exe
  packdock plugins list --json
  packdock plugins list --progressive --max-per-folder 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.progressive {
				return a.runListProgressive(cmd, opts)
			}
			packs, err := a.mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			return writePacks(cmd.OutOrStdout(), packs, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "output JSON")
	cmd.Flags().BoolVar(&opts.progressive, "progressive", false, "print basic records first, then refined records")
	cmd.Flags().BoolVar(&opts.showPath, "show-path", false, "show the module file of each plugin")
	cmd.Flags().IntVar(&opts.maxPerFolder, "max-per-folder", 0, "maximum candidate modules inspected per folder (0 = unlimited)")
	return cmd
}

func (a *app) runListProgressive(cmd *cobra.Command, opts listOptions) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	sink := func(p pluginpack.PluginPack) {
		if opts.json {
			if err := enc.Encode(progressLine{Stage: stage(p), Pack: p}); err != nil {
				a.logger.Error("failed to write record", "error", err)
			}
			return
		}
		fmt.Fprintf(out, "%-8s  %s  %s\n", stage(p), p.FolderName, p.Name)
	}

	r, err := a.mgr.ListProgressively(cmd.Context(), uuid.New(), sink)
	if err != nil {
		return err
	}
	final, err := r.Wait()
	if err != nil {
		return err
	}
	if opts.json {
		return nil
	}
	fmt.Fprintln(out)
	return writePacks(out, final, opts)
}

// progressLine is one JSON line of progressive output.
type progressLine struct {
	Stage string                `json:"stage"`
	Pack  pluginpack.PluginPack `json:"pack"`
}

// stage tells basic records from refined ones: refinement always sets an
// author.
func stage(p pluginpack.PluginPack) string {
	if p.Author == "" {
		return "basic"
	}
	return "detailed"
}

func newPluginToggleCmd(a *app, enable bool) *cobra.Command {
	var force bool
	use, short, verb := "disable", "Disable a plugin pack", "Disabled"
	if enable {
		use, short, verb = "enable", "Enable a plugin pack", "Enabled"
	}

	cmd := &cobra.Command{
		Use:   use + " <path-or-name>",
		Short: short,
		Long: fmt.Sprintf(`%s a plugin pack by renaming its module file.

The plugin may be given as a path to its module (any of name.dll,
name.dll.disabled or name.dll.disabled.disabled) or by its name, folder or
module name. The rename is refused while the host application is running
unless --force is given.

Examples:
  packdock plugins %s Glow
  packdock plugins %s ~/ymm/user/plugin/Glow/Glow.dll`, short, use, use),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := a.mgr.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path, err := a.mgr.SetEnabled(cmd.Context(), &pack, enable, force)
			if err != nil {
				return err
			}
			if !a.opts.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", verb, pack.Name, path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "rename even if the host application is running")
	return cmd
}

func newPluginInspectCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Inspect a module file",
		Long: `Report whether a module file is a managed binary exposing a plugin type,
and the metadata read from it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("invalid path: %w", err)
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}

			details, ok, err := a.mgr.Inspect(cmd.Context(), path)
			if err != nil {
				return err
			}
			report := inspectReport{
				Path:    path,
				Managed: clr.IsManagedBinary(path),
				Plugin:  ok,
			}
			if ok {
				report.Details = &details
			}
			return writeInspectReport(cmd.OutOrStdout(), report, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

type inspectReport struct {
	Path    string           `json:"path"`
	Managed bool             `json:"managed"`
	Plugin  bool             `json:"plugin"`
	Details *inspect.Details `json:"details,omitempty"`
}

func writeInspectReport(w io.Writer, r inspectReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	table := NewTable("Field", "Value")
	table.AddRow("Path", r.Path)
	table.AddRow("Managed", yesNo(r.Managed))
	table.AddRow("Plugin", yesNo(r.Plugin))
	if d := r.Details; d != nil {
		table.AddRow("Name", d.Name)
		table.AddRow("Author", d.Author)
		table.AddRow("Version", d.Version)
		if d.Culture != "" {
			table.AddRow("Culture", d.Culture)
		}
		if len(d.References) > 0 {
			table.AddRow("References", strings.Join(d.References, ", "))
		}
		if d.Partial {
			table.AddRow("Note", "some types could not be read")
		}
	}
	table.FitWidth(1, terminalWidth(w))
	_, err := io.WriteString(w, table.Render())
	return err
}

func newPluginWatchCmd(a *app) *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "List plugin packs again whenever the plugin directory changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := a.mgr.Root()
			if err != nil {
				return err
			}
			w, err := watch.New(root,
				watch.WithDebounce(opts.debounce),
				watch.WithLogger(a.logger.Named("watch")),
				watch.WithExclusions(candidates.NewExclusions(a.mgr.Config().Exclusions)))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			list := func() {
				packs, err := a.mgr.List(ctx)
				if err != nil {
					a.logger.Error("listing failed", "error", err)
					return
				}
				if err := writePacks(out, packs, opts); err != nil {
					a.logger.Error("failed to write listing", "error", err)
				}
			}

			list()
			return w.Run(ctx, func(c watch.Change) {
				a.logger.Info("plugin directory changed", "paths", len(c.Paths))
				if !opts.json {
					fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.TimeOnly))
				}
				list()
			})
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "output JSON")
	cmd.Flags().BoolVar(&opts.showPath, "show-path", false, "show the module file of each plugin")
	cmd.Flags().IntVar(&opts.maxPerFolder, "max-per-folder", 0, "maximum candidate modules inspected per folder (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.debounce, "debounce", watch.DefaultDebounce, "time to wait for changes to settle")
	return cmd
}

// writePacks renders packs as a table or JSON.
func writePacks(w io.Writer, packs []pluginpack.PluginPack, opts listOptions) error {
	if opts.json {
		if packs == nil {
			packs = []pluginpack.PluginPack{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(packs)
	}

	if len(packs) == 0 {
		_, err := fmt.Fprintln(w, "No plugin packs found.")
		return err
	}

	headers := []string{"FOLDER", "NAME", "VERSION", "AUTHOR", "STATE"}
	if opts.showPath {
		headers = append(headers, "PATH")
	}
	table := NewTable(headers...)
	for _, p := range packs {
		state := "disabled"
		if p.IsEnabled {
			state = "enabled"
		}
		row := []string{p.FolderName, p.Name, p.VersionString(), p.Author, state}
		if opts.showPath {
			row = append(row, p.InstalledPath)
		}
		table.AddRow(row...)
	}
	table.FitWidth(1, terminalWidth(w))
	_, err := io.WriteString(w, table.Render())
	return err
}

// terminalWidth returns the width of w when it is a terminal, otherwise 0.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
