// Package probe decides whether a loaded module is a plugin and extracts the
// display metadata shown for it.
package probe

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

const (
	// DefaultInterfaceName is the simple name of the host's plugin interface.
	DefaultInterfaceName = "IPlugin"
	// DefaultNamespacePrefix marks every interface exported by the host.
	DefaultNamespacePrefix = "YukkuriMovieMaker."
	// DefaultDetailsAttribute is the plugin details attribute type.
	DefaultDetailsAttribute = "YukkuriMovieMaker.Plugin.PluginDetailsAttribute"
	// DefaultAuthorField is the author member of the details attribute.
	DefaultAuthorField = "AuthorName"
	// UnknownAuthor is reported when no author can be determined.
	UnknownAuthor = "Unknown"
)

const (
	attrTitle                = "System.Reflection.AssemblyTitleAttribute"
	attrProduct              = "System.Reflection.AssemblyProductAttribute"
	attrFileVersion          = "System.Reflection.AssemblyFileVersionAttribute"
	attrInformationalVersion = "System.Reflection.AssemblyInformationalVersionAttribute"
	attrCopyright            = "System.Reflection.AssemblyCopyrightAttribute"

	maxHierarchyDepth = 32
)

// Resolver finds the module defining a referenced assembly.
// *loader.Session implements it.
type Resolver interface {
	Resolve(name string, requester *clr.Module) *clr.Module
}

// Config selects what counts as a plugin and where metadata comes from.
type Config struct {
	InterfaceName    string `yaml:"interface_name"`
	NamespacePrefix  string `yaml:"namespace_prefix"`
	DetailsAttribute string `yaml:"details_attribute"`
	AuthorField      string `yaml:"author_field"`
}

// DefaultConfig returns the host's conventions.
func DefaultConfig() Config {
	return Config{
		InterfaceName:    DefaultInterfaceName,
		NamespacePrefix:  DefaultNamespacePrefix,
		DetailsAttribute: DefaultDetailsAttribute,
		AuthorField:      DefaultAuthorField,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InterfaceName == "" {
		c.InterfaceName = d.InterfaceName
	}
	if c.NamespacePrefix == "" {
		c.NamespacePrefix = d.NamespacePrefix
	}
	if c.DetailsAttribute == "" {
		c.DetailsAttribute = d.DetailsAttribute
	}
	if c.AuthorField == "" {
		c.AuthorField = d.AuthorField
	}
	return c
}

// Metadata is the display information extracted from a module.
type Metadata struct {
	Name    string
	Author  string
	Version string
}

// Probe inspects modules.
type Probe struct {
	cfg    Config
	logger hclog.Logger
}

// New returns a Probe. Empty config fields take their defaults.
func New(cfg Config, logger hclog.Logger) *Probe {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Probe{cfg: cfg.withDefaults(), logger: logger}
}

// HasPluginCapability reports whether mod declares a concrete class
// implementing the plugin interface or any host interface, directly or
// through base types and interface inheritance. References into other
// modules are followed through res, which may be nil.
//
// When some of the module's types failed to decode, the remaining types are
// still examined and the *clr.PartialLoadError is returned alongside the
// result. A module whose types cannot be listed at all reports false with
// the error.
func (p *Probe) HasPluginCapability(res Resolver, mod *clr.Module) (bool, error) {
	if mod == nil {
		return false, nil
	}
	types, err := mod.Types()
	var partial *clr.PartialLoadError
	if err != nil && !errors.As(err, &partial) {
		return false, err
	}

	w := &walker{probe: p, res: res, visited: make(map[*clr.TypeDef]bool)}
	for _, t := range types {
		if !t.IsClass() || t.IsAbstract() {
			continue
		}
		if w.implements(mod, t, 0) {
			p.logger.Trace("plugin type found", "module", mod.Name(), "type", t.FullName())
			return true, err
		}
	}
	return false, err
}

// walker follows one module's type hierarchy. Visited types are never
// re-examined, which also breaks reference cycles.
type walker struct {
	probe   *Probe
	res     Resolver
	visited map[*clr.TypeDef]bool
}

func (w *walker) implements(mod *clr.Module, t *clr.TypeDef, depth int) bool {
	if t == nil || depth > maxHierarchyDepth || w.visited[t] {
		return false
	}
	w.visited[t] = true

	for _, iface := range t.Interfaces {
		if w.probe.qualifies(iface) {
			return true
		}
		if defMod, def := w.lookup(mod, iface); def != nil && w.implements(defMod, def, depth+1) {
			return true
		}
	}
	if t.Extends != nil {
		if defMod, def := w.lookup(mod, t.Extends); def != nil && w.implements(defMod, def, depth+1) {
			return true
		}
	}
	return false
}

// lookup finds the definition of ref and the module declaring it.
func (w *walker) lookup(mod *clr.Module, ref *clr.TypeRef) (*clr.Module, *clr.TypeDef) {
	if ref.Def != nil {
		return mod, ref.Def
	}
	if ref.Assembly == "" {
		return mod, mod.FindType(ref.FullName())
	}
	if w.res == nil {
		return nil, nil
	}
	dep := w.res.Resolve(ref.Assembly, mod)
	if dep == nil {
		return nil, nil
	}
	return dep, dep.FindType(ref.FullName())
}

// qualifies reports whether an implemented interface marks a plugin.
func (p *Probe) qualifies(iface *clr.TypeRef) bool {
	name := iface.Name
	if iface.Def != nil {
		name = iface.Def.Name
	}
	if name == p.cfg.InterfaceName {
		return true
	}
	return strings.HasPrefix(iface.FullName(), p.cfg.NamespacePrefix)
}

// ExtractMetadata reads display metadata from mod's assembly attributes,
// falling back to the assembly identity and then to fallbackPath.
func (p *Probe) ExtractMetadata(mod *clr.Module, fallbackPath string) Metadata {
	md := Metadata{
		Name: firstNonEmpty(
			stringAttr(mod, attrTitle),
			stringAttr(mod, attrProduct),
			mod.Name(),
			pluginpack.Stem(fallbackPath),
		),
		Version: firstNonEmpty(
			stringAttr(mod, attrFileVersion),
			stringAttr(mod, attrInformationalVersion),
			mod.Version().String(),
		),
		Author: UnknownAuthor,
	}

	if a, ok := mod.Attribute(p.cfg.DetailsAttribute); ok {
		if author, ok := a.NamedString(p.cfg.AuthorField); ok && strings.TrimSpace(author) != "" {
			md.Author = author
			return md
		}
	}
	if c := stringAttr(mod, attrCopyright); c != "" {
		md.Author = c
	}
	return md
}

// MinimalMetadata describes a module that could only be partially loaded.
func MinimalMetadata(path string) Metadata {
	name := pluginpack.Stem(path)
	if name == "" || name == "." {
		name = filepath.Base(path)
	}
	return Metadata{Name: name, Author: UnknownAuthor}
}

func stringAttr(mod *clr.Module, typeName string) string {
	a, ok := mod.Attribute(typeName)
	if !ok {
		return ""
	}
	s, _ := a.StringArg(0)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
