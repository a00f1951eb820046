// Package manager lists the plugin packs of a host installation and switches
// them on and off.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/config"
	"github.com/jmylchreest/packdock/internal/hostproc"
	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/internal/plugin/discovery"
	"github.com/jmylchreest/packdock/internal/plugin/inspect"
	"github.com/jmylchreest/packdock/internal/security"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

var (
	// ErrHostRunning is returned when a rename is refused because the host
	// application is running.
	ErrHostRunning = errors.New("host application is running")
	// ErrNoHost is returned when neither an app path nor a plugin directory
	// is configured.
	ErrNoHost = errors.New("no host application configured")
	// ErrAmbiguous is returned when a name matches more than one plugin.
	ErrAmbiguous = errors.New("plugin name is ambiguous")
)

// HostGuard returns the ids of running processes of the host executable at
// appPath. An empty result means the host is not running.
type HostGuard func(appPath string) ([]int, error)

// Builder provides a fluent interface for constructing a Manager.
type Builder struct {
	config     config.Config
	useEnv     bool
	lookupEnv  func(string) (string, bool)
	logger     hclog.Logger
	guard      HostGuard
	factory    inspect.Factory
	classifier *clr.Classifier
}

// NewBuilder creates a new Manager builder with default settings.
func NewBuilder() *Builder {
	return &Builder{
		config:    config.Default(),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfig sets the configuration for the manager.
func (b *Builder) WithConfig(cfg config.Config) *Builder {
	b.config = cfg
	return b
}

// WithEnvConfig applies PACKDOCK_* environment overrides on Build.
func (b *Builder) WithEnvConfig() *Builder {
	b.useEnv = true
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger hclog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHostGuard replaces the process-table check run before renames.
func (b *Builder) WithHostGuard(g HostGuard) *Builder {
	b.guard = g
	return b
}

// WithInspectorFactory overrides the inspector chosen from the isolation
// setting (useful for testing).
func (b *Builder) WithInspectorFactory(f inspect.Factory) *Builder {
	b.factory = f
	return b
}

// Build constructs the Manager with the configured settings.
func (b *Builder) Build() (*Manager, error) {
	cfg := b.config
	if b.useEnv {
		if err := config.ApplyEnv(&cfg, b.lookupEnv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	guard := b.guard
	if guard == nil {
		guard = hostproc.PIDs
	}
	classifier := b.classifier
	if classifier == nil {
		classifier = clr.NewClassifier(clr.DefaultClassifierSize)
	}

	exclusions := candidates.NewExclusions(cfg.Exclusions)
	factory := b.factory
	if factory == nil {
		settings := inspect.Settings{Probe: cfg.Probe}.WithExclusions(exclusions)
		if cfg.Isolation == config.IsolationProcess {
			factory = inspect.RemoteFactory(settings, logger.Named("inspect"))
		} else {
			factory = inspect.LocalFactory(settings, logger.Named("inspect"))
		}
	}

	return &Manager{
		config:     cfg,
		factory:    factory,
		classifier: classifier,
		guard:      guard,
		logger:     logger,
		discoverer: discovery.New(
			discovery.WithLogger(logger.Named("discovery")),
			discovery.WithInspectorFactory(factory),
			discovery.WithExclusions(exclusions),
			discovery.WithClassifier(classifier),
		),
	}, nil
}

// Manager lists and toggles the plugin packs of one host installation.
type Manager struct {
	config     config.Config
	discoverer *discovery.Discoverer
	factory    inspect.Factory
	classifier *clr.Classifier
	guard      HostGuard
	logger     hclog.Logger
}

// Config returns the effective configuration.
func (m *Manager) Config() config.Config {
	return m.config
}

// Root returns the plugin root: the configured plugin directory, or the one
// derived from the host application path.
func (m *Manager) Root() (string, error) {
	if dir := m.config.PluginDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: %s", discovery.ErrRootNotFound, dir)
		}
		return dir, nil
	}
	if m.config.AppPath == "" {
		return "", ErrNoHost
	}
	return discovery.PluginFolder(m.config.AppPath)
}

// List discovers every plugin pack below the root.
func (m *Manager) List(ctx context.Context) ([]pluginpack.PluginPack, error) {
	root, err := m.Root()
	if err != nil {
		return nil, err
	}
	return m.discoverer.Discover(ctx, m.config.AppPath, root, m.config.MaxPerFolder)
}

// ListProgressively emits basic records to sink before returning and refines
// them in the background.
func (m *Manager) ListProgressively(ctx context.Context, profileID uuid.UUID, sink pluginpack.ProgressSink) (*discovery.Refinement, error) {
	root, err := m.Root()
	if err != nil {
		return nil, err
	}
	return m.discoverer.DiscoverProgressively(ctx, m.config.AppPath, root, profileID, m.config.MaxPerFolder, sink)
}

// Find returns the plugin pack named by ref: a path to any variant of a
// plugin file, or a plugin name, folder name or module stem matched
// case-insensitively against a fresh listing.
func (m *Manager) Find(ctx context.Context, ref string) (pluginpack.PluginPack, error) {
	if strings.ContainsRune(ref, os.PathSeparator) || strings.ContainsRune(ref, '/') || pluginpack.IsPluginPath(ref) {
		return m.findPath(ref)
	}

	packs, err := m.List(ctx)
	if err != nil {
		return pluginpack.PluginPack{}, err
	}
	var found []pluginpack.PluginPack
	for _, p := range packs {
		if strings.EqualFold(p.Name, ref) || strings.EqualFold(p.FolderName, ref) ||
			strings.EqualFold(pluginpack.Stem(p.InstalledPath), ref) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return pluginpack.PluginPack{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	case 1:
		return found[0], nil
	default:
		return pluginpack.PluginPack{}, fmt.Errorf("%w: %q matches %d plugins", ErrAmbiguous, ref, len(found))
	}
}

func (m *Manager) findPath(ref string) (pluginpack.PluginPack, error) {
	path, err := filepath.Abs(ref)
	if err != nil {
		return pluginpack.PluginPack{}, fmt.Errorf("invalid plugin path: %w", err)
	}
	cur, ok := variantsOf(path).current()
	if !ok {
		return pluginpack.PluginPack{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	}
	info, err := os.Stat(cur)
	if err != nil {
		return pluginpack.PluginPack{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	}
	return pluginpack.Basic(cur, uuid.Nil, info), nil
}

// Inspect reports what inspection learns about a single module file.
func (m *Manager) Inspect(ctx context.Context, path string) (inspect.Details, bool, error) {
	if !m.classifier.IsManaged(ctx, path) {
		if err := ctx.Err(); err != nil {
			return inspect.Details{}, false, err
		}
		return inspect.Details{}, false, nil
	}
	appDir := ""
	if m.config.AppPath != "" {
		appDir = filepath.Dir(m.config.AppPath)
	}
	insp, err := m.factory(appDir)
	if err != nil {
		return inspect.Details{}, false, fmt.Errorf("failed to create inspector: %w", err)
	}
	defer insp.Close()

	details, ok := insp.Inspect(ctx, path)
	return details, ok, ctx.Err()
}

// SetEnabled switches pack on or off. Unless force is set, the rename is
// refused while the host application is running. Packs below a known plugin
// root must stay inside it.
func (m *Manager) SetEnabled(ctx context.Context, pack *pluginpack.PluginPack, enable, force bool) (string, error) {
	if pack == nil {
		return "", errors.New("nil plugin pack")
	}
	if !force && m.config.AppPath != "" {
		pids, err := m.guard(m.config.AppPath)
		switch {
		case err != nil:
			m.logger.Warn("could not check for a running host", "error", err)
		case len(pids) > 0:
			return "", fmt.Errorf("%w: %s (pid %s)", ErrHostRunning, filepath.Base(m.config.AppPath), joinPIDs(pids))
		}
	}

	if root, err := m.Root(); err == nil {
		if err := security.ValidatePluginPath(pack.InstalledPath, root); err != nil {
			return "", err
		}
	}

	before := pack.InstalledPath
	path, err := SetEnabled(ctx, pack, enable)
	if err != nil {
		return "", err
	}
	if path != before {
		m.logger.Info("plugin state changed", "from", before, "to", path, "enabled", enable)
	}
	return path, nil
}

func joinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, ", ")
}
