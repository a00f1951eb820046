// Package inspect turns a candidate module path into plugin details, either
// in-process through a loader session or in a separate worker process over
// go-plugin RPC.
package inspect

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/internal/plugin/loader"
	"github.com/jmylchreest/packdock/internal/plugin/probe"
)

// Details is what inspection learned about a plugin module.
type Details struct {
	Name    string
	Author  string
	Version string
	// Partial is set when only some of the module's types could be read.
	Partial bool
	// Culture is empty for culture-neutral assemblies.
	Culture string
	// References lists referenced assemblies as "Name Version".
	References []string
}

// Inspector decides whether a module is a plugin and describes it. An
// Inspector serves one discovery pass and is closed at its end.
type Inspector interface {
	Inspect(ctx context.Context, path string) (Details, bool)
	Close() error
}

// Factory creates the Inspector for a discovery pass. A non-empty appDir
// overrides Settings.AppDir.
type Factory func(appDir string) (Inspector, error)

// Settings configures inspection. It is sent verbatim to worker processes.
type Settings struct {
	AppDir string
	// Exclusions is the deny list for dependency resolution. Unless
	// ExclusionsSet is true, an empty list selects the default one.
	Exclusions    []string
	ExclusionsSet bool
	Probe         probe.Config
}

// WithExclusions returns s using exactly the patterns of e, an empty list
// included.
func (s Settings) WithExclusions(e *candidates.Exclusions) Settings {
	s.Exclusions = e.Patterns()
	s.ExclusionsSet = true
	return s
}

func (s Settings) exclusions() *candidates.Exclusions {
	if !s.ExclusionsSet && len(s.Exclusions) == 0 {
		return candidates.Default()
	}
	return candidates.NewExclusions(s.Exclusions)
}

func (s Settings) withAppDir(dir string) Settings {
	if dir != "" {
		s.AppDir = dir
	}
	return s
}

// Local inspects modules in-process.
type Local struct {
	session *loader.Session
	probe   *probe.Probe
	logger  hclog.Logger
}

// NewLocal returns an in-process inspector backed by a fresh loader session.
func NewLocal(s Settings, logger hclog.Logger) *Local {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Local{
		session: loader.NewSession(s.AppDir,
			loader.WithExclusions(s.exclusions()),
			loader.WithLogger(logger.Named("loader"))),
		probe:  probe.New(s.Probe, logger.Named("probe")),
		logger: logger,
	}
}

// LocalFactory returns a Factory producing in-process inspectors.
func LocalFactory(s Settings, logger hclog.Logger) Factory {
	return func(appDir string) (Inspector, error) {
		return NewLocal(s.withAppDir(appDir), logger), nil
	}
}

// Inspect loads path into the session and probes it. Modules that are
// partially loadable but expose a plugin type get minimal details.
func (l *Local) Inspect(ctx context.Context, path string) (Details, bool) {
	if ctx.Err() != nil {
		return Details{}, false
	}

	mod := l.session.LoadPluginModule(path, filepath.Dir(path))
	if mod == nil {
		return Details{}, false
	}

	ok, err := l.probe.HasPluginCapability(l.session, mod)
	if !ok {
		if err != nil {
			l.logger.Debug("module types unreadable", "path", path, "error", err)
		}
		return Details{}, false
	}

	var partial *clr.PartialLoadError
	if errors.As(err, &partial) {
		l.logger.Debug("plugin partially loaded", "path", path, "failed", len(partial.Errs))
		md := probe.MinimalMetadata(path)
		return withIdentity(Details{Name: md.Name, Author: md.Author, Version: md.Version, Partial: true}, mod), true
	}

	md := l.probe.ExtractMetadata(mod, path)
	return withIdentity(Details{Name: md.Name, Author: md.Author, Version: md.Version}, mod), true
}

func withIdentity(d Details, mod *clr.Module) Details {
	d.Culture = mod.Culture()
	for _, ref := range mod.References() {
		d.References = append(d.References, ref.Name+" "+ref.Version.String())
	}
	return d
}

// Close releases the session.
func (l *Local) Close() error {
	return l.session.Close()
}
