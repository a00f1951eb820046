// Package discovery finds the plugin packs installed below a host's plugin
// root, either in one parallel pass or progressively: basic records first,
// refined with module metadata in the background.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/internal/plugin/inspect"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

// ErrRootNotFound is returned when the plugin root folder does not exist.
var ErrRootNotFound = errors.New("plugin root folder not found")

// PluginFolder returns the plugin root of the host executable at appPath.
func PluginFolder(appPath string) (string, error) {
	dir := filepath.Join(filepath.Dir(appPath), "user", "plugin")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRootNotFound, dir)
	}
	return dir, nil
}

// Discoverer runs discovery passes. It is safe for concurrent use; every
// pass gets its own inspector.
type Discoverer struct {
	factory      inspect.Factory
	exclusions   *candidates.Exclusions
	classifier   *clr.Classifier
	logger       hclog.Logger
	concurrency  int
	cancelErrors bool
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// WithInspectorFactory sets how each pass creates its inspector.
func WithInspectorFactory(f inspect.Factory) Option {
	return func(d *Discoverer) {
		d.factory = f
	}
}

// WithExclusions sets the candidate deny list.
func WithExclusions(e *candidates.Exclusions) Option {
	return func(d *Discoverer) {
		d.exclusions = e
	}
}

// WithClassifier shares a header classification cache between discoverers.
func WithClassifier(c *clr.Classifier) Option {
	return func(d *Discoverer) {
		d.classifier = c
	}
}

// WithConcurrency sets how many folders an eager pass scans at once.
func WithConcurrency(n int) Option {
	return func(d *Discoverer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCancelErrors makes cancelled passes return the context error alongside
// the partial results.
func WithCancelErrors() Option {
	return func(d *Discoverer) {
		d.cancelErrors = true
	}
}

// New creates a Discoverer. Without options it inspects in-process with the
// default exclusions and probe configuration.
func New(opts ...Option) *Discoverer {
	d := &Discoverer{
		exclusions:  candidates.Default(),
		concurrency: runtime.NumCPU() * 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = hclog.NewNullLogger()
	}
	if d.classifier == nil {
		d.classifier = clr.NewClassifier(clr.DefaultClassifierSize)
	}
	if d.factory == nil {
		d.factory = inspect.LocalFactory(inspect.Settings{}.WithExclusions(d.exclusions), d.logger)
	}
	return d
}

// Discover scans every folder below root in parallel and returns the plugin
// packs found, ordered by folder and path. Per-candidate failures are logged
// and skipped. A cancelled pass returns what it found so far.
func (d *Discoverer) Discover(ctx context.Context, appPath, root string, maxPerFolder int) ([]pluginpack.PluginPack, error) {
	folders, err := pluginFolders(root)
	if err != nil {
		return nil, err
	}

	insp, err := d.factory(filepath.Dir(appPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create inspector: %w", err)
	}
	defer func() {
		if err := insp.Close(); err != nil {
			d.logger.Warn("failed to close inspector", "error", err)
		}
	}()

	var (
		mu    sync.Mutex
		packs []pluginpack.PluginPack
	)
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			found := d.scanFolder(ctx, insp, folder, maxPerFolder)
			mu.Lock()
			packs = append(packs, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	pluginpack.SortByLocation(packs)
	d.logger.Debug("discovery finished", "root", root, "folders", len(folders), "plugins", len(packs))
	return packs, d.cancelled(ctx)
}

// scanFolder inspects the candidates of one folder in enumerator order.
func (d *Discoverer) scanFolder(ctx context.Context, insp inspect.Inspector, folder string, maxPerFolder int) []pluginpack.PluginPack {
	cands, err := candidates.Enumerate(ctx, folder, d.exclusions, maxPerFolder)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("failed to enumerate folder", "folder", folder, "error", err)
		}
		return nil
	}

	var packs []pluginpack.PluginPack
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		p, ok := d.basic(ctx, folder, c.Path, uuid.Nil)
		if !ok {
			continue
		}
		if p, ok = d.refine(ctx, insp, p); ok {
			packs = append(packs, p)
		}
	}
	return packs
}

// basic classifies path and builds its filesystem-only record.
func (d *Discoverer) basic(ctx context.Context, folder, path string, profileID uuid.UUID) (pluginpack.PluginPack, bool) {
	if !d.classifier.IsManaged(ctx, path) {
		if ctx.Err() == nil {
			d.logger.Trace("skipping unmanaged candidate", "path", path)
		}
		return pluginpack.PluginPack{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		d.logger.Debug("candidate vanished", "path", path, "error", err)
		return pluginpack.PluginPack{}, false
	}
	p := pluginpack.Basic(path, profileID, info)
	p.FolderName = filepath.Base(folder)
	return p, true
}

// refine merges inspection details into p.
func (d *Discoverer) refine(ctx context.Context, insp inspect.Inspector, p pluginpack.PluginPack) (pluginpack.PluginPack, bool) {
	details, ok := insp.Inspect(ctx, p.InstalledPath)
	if !ok {
		if ctx.Err() == nil {
			d.logger.Debug("not a plugin", "path", p.InstalledPath)
		}
		return p, false
	}
	if details.Partial {
		d.logger.Warn("plugin partially loaded", "path", p.InstalledPath)
	}
	return p.WithDetails(details.Name, details.Author, pluginpack.ParseVersion(details.Version)), true
}

func (d *Discoverer) cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil && d.cancelErrors {
		return err
	}
	return nil
}

// pluginFolders lists the immediate sub-directories of root.
func pluginFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, fmt.Errorf("failed to read plugin root: %w", err)
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, filepath.Join(root, e.Name()))
		}
	}
	return folders, nil
}
