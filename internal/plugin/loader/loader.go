// Package loader keeps the managed modules opened during one discovery pass.
// A Session caches modules by logical name, resolves referenced assemblies
// from the host application directory, and releases everything on Close.
package loader

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

// ErrSessionClosed is reported when a closed session is asked to load.
var ErrSessionClosed = errors.New("loader session closed")

// OpenFunc opens a managed module. clr.Open is the default.
type OpenFunc func(path string) (*clr.Module, error)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExclusions sets the deny list applied to dependency resolution.
func WithExclusions(ex *candidates.Exclusions) Option {
	return func(s *Session) {
		s.exclusions = ex
	}
}

// WithOpener replaces the module opener.
func WithOpener(open OpenFunc) Option {
	return func(s *Session) {
		if open != nil {
			s.open = open
		}
	}
}

// Session is a disposable module cache for one discovery pass. It is safe
// for concurrent use.
type Session struct {
	appDir     string
	exclusions *candidates.Exclusions
	open       OpenFunc
	logger     hclog.Logger

	modules    sync.Map // logical name -> *clr.Module
	folders    sync.Map // *clr.Module -> folder hint
	unresolved sync.Map // missKey -> struct{}

	mu     sync.Mutex
	closed atomic.Bool
}

// missKey records that a directory holds no loadable module of a name.
// Misses are kept per directory because the search path depends on the
// requesting module.
type missKey struct {
	dir  string
	name string
}

// NewSession returns a session resolving dependencies from appDir.
func NewSession(appDir string, opts ...Option) *Session {
	s := &Session{
		appDir:     appDir,
		exclusions: candidates.Default(),
		open:       clr.Open,
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModuleName returns the logical name a module file is cached under: the
// file name without disabled suffixes or the module extension.
func ModuleName(path string) string {
	return pluginpack.Stem(path)
}

// LoadPluginModule loads the module at path, or returns the module already
// cached under the same logical name. folderHint is the plugin folder used
// as a fallback when resolving the module's dependencies. Any failure,
// including a closed session, yields nil.
func (s *Session) LoadPluginModule(path, folderHint string) *clr.Module {
	mod, err := s.Load(path, folderHint)
	if err != nil {
		s.logger.Debug("module load failed", "path", path, "error", err)
		return nil
	}
	return mod
}

// Load is LoadPluginModule reporting why a load failed.
func (s *Session) Load(path, folderHint string) (*clr.Module, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	name := ModuleName(path)
	if m, ok := s.modules.Load(name); ok {
		return m.(*clr.Module), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if m, ok := s.modules.Load(name); ok {
		return m.(*clr.Module), nil
	}

	mod, err := s.open(path)
	if err != nil {
		return nil, err
	}
	s.modules.Store(name, mod)
	if folderHint != "" {
		s.folders.Store(mod, folderHint)
	}
	s.logger.Trace("module loaded", "name", name, "path", path)
	return mod, nil
}

// Resolve returns the module for a referenced assembly name. The host
// application directory is searched first, then the requesting module's
// plugin folder. Excluded names, files failing the managed header check,
// and closed sessions yield nil.
func (s *Session) Resolve(name string, requester *clr.Module) *clr.Module {
	if s.closed.Load() || name == "" || s.exclusions.Match(name) {
		return nil
	}
	if m, ok := s.modules.Load(name); ok {
		return m.(*clr.Module)
	}
	dirs := s.searchDirs(requester)
	if s.missedAll(dirs, name) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	if m, ok := s.modules.Load(name); ok {
		return m.(*clr.Module)
	}

	for _, dir := range dirs {
		key := missKey{dir: dir, name: name}
		if _, miss := s.unresolved.Load(key); miss {
			continue
		}
		if mod := s.openDependency(dir, name); mod != nil {
			return mod
		}
		s.unresolved.Store(key, struct{}{})
	}
	return nil
}

func (s *Session) missedAll(dirs []string, name string) bool {
	for _, dir := range dirs {
		if _, miss := s.unresolved.Load(missKey{dir: dir, name: name}); !miss {
			return false
		}
	}
	return true
}

// openDependency opens dir/name.dll and caches it. Callers hold s.mu.
func (s *Session) openDependency(dir, name string) *clr.Module {
	path := filepath.Join(dir, name+pluginpack.PluginExt)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil
	}
	if !clr.IsManagedBinary(path) {
		return nil
	}
	mod, err := s.open(path)
	if err != nil {
		s.logger.Debug("dependency load failed", "name", name, "path", path, "error", err)
		return nil
	}
	s.modules.Store(name, mod)
	s.logger.Trace("dependency resolved", "name", name, "path", path)
	return mod
}

func (s *Session) searchDirs(requester *clr.Module) []string {
	dirs := []string{s.appDir}
	if requester == nil {
		return dirs
	}
	if hint, ok := s.folders.Load(requester); ok {
		if dir := hint.(string); dir != s.appDir {
			dirs = append(dirs, dir)
		}
	} else if dir := filepath.Dir(requester.Path()); dir != s.appDir {
		dirs = append(dirs, dir)
	}
	return dirs
}

// Len returns the number of cached modules.
func (s *Session) Len() int {
	n := 0
	s.modules.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close releases every cached module. Later loads and resolutions return
// nil. Close is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	s.modules.Range(func(key, value any) bool {
		value.(*clr.Module).Release()
		s.modules.Delete(key)
		released++
		return true
	})
	s.folders.Clear()
	s.unresolved.Clear()
	s.logger.Debug("session closed", "released", released)
	return nil
}
