package probe

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/clr/clrtest"
	"github.com/jmylchreest/packdock/internal/plugin/loader"
)

var (
	hostAsm     = "YukkuriMovieMaker.Plugin"
	ymmEffect   = clrtest.Ref{Assembly: hostAsm, Namespace: "YukkuriMovieMaker.Plugin.Effects", Name: "IVideoEffect"}
	otherPlugin = clrtest.Ref{Assembly: "Other.Sdk", Namespace: "Other.Sdk", Name: "IPlugin"}
	unrelated   = clrtest.Ref{Assembly: "System.Runtime", Namespace: "System", Name: "IDisposable"}
)

func open(t *testing.T, dir, name string, asm clrtest.Assembly) *clr.Module {
	t.Helper()
	mod, err := clr.Open(clrtest.WriteFile(t, dir, name, asm))
	require.NoError(t, err)
	return mod
}

// TestHasPluginCapability tests direct and locally inherited implementations.
func TestHasPluginCapability(t *testing.T) {
	tests := []struct {
		name  string
		types []clrtest.Type
		want  bool
	}{
		{
			name:  "host namespace interface",
			types: []clrtest.Type{clrtest.PluginClass("P", "Effect", ymmEffect)},
			want:  true,
		},
		{
			name:  "interface named IPlugin",
			types: []clrtest.Type{clrtest.PluginClass("P", "Plugin", otherPlugin)},
			want:  true,
		},
		{
			name:  "generic host interface",
			types: []clrtest.Type{clrtest.PluginClass("P", "Handler", clrtest.Ref{Assembly: hostAsm, Namespace: "YukkuriMovieMaker.Plugin", Name: "IHandler`1", Generic: true})},
			want:  true,
		},
		{
			name:  "unrelated interface",
			types: []clrtest.Type{clrtest.PluginClass("P", "Thing", unrelated)},
			want:  false,
		},
		{
			name: "abstract class only",
			types: []clrtest.Type{
				{Namespace: "P", Name: "Base", Flags: clrtest.Abstract, Extends: clrtest.ObjectRef, Interfaces: []clrtest.Ref{ymmEffect}},
			},
			want: false,
		},
		{
			name: "interface only",
			types: []clrtest.Type{
				{Namespace: "P", Name: "IMine", Flags: clrtest.Interface, Interfaces: []clrtest.Ref{ymmEffect}},
			},
			want: false,
		},
		{
			name: "value type",
			types: []clrtest.Type{
				{Namespace: "P", Name: "Point", Flags: clrtest.Class, Interfaces: []clrtest.Ref{otherPlugin},
					Extends: &clrtest.Ref{Assembly: "System.Runtime", Namespace: "System", Name: "ValueType"}},
			},
			want: false,
		},
		{
			name: "inherited through local base class",
			types: []clrtest.Type{
				{Namespace: "P", Name: "Base", Flags: clrtest.Abstract, Extends: clrtest.ObjectRef, Interfaces: []clrtest.Ref{ymmEffect}},
				{Namespace: "P", Name: "Concrete", Flags: clrtest.Class, Extends: &clrtest.Ref{Namespace: "P", Name: "Base"}},
			},
			want: true,
		},
		{
			name: "inherited through local interface",
			types: []clrtest.Type{
				{Namespace: "P", Name: "IMine", Flags: clrtest.Interface, Interfaces: []clrtest.Ref{ymmEffect}},
				clrtest.PluginClass("P", "Impl", clrtest.Ref{Namespace: "P", Name: "IMine"}),
			},
			want: true,
		},
		{
			name:  "no types",
			types: nil,
			want:  false,
		},
	}

	p := New(Config{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := open(t, t.TempDir(), "P.dll", clrtest.Assembly{Name: "P", Types: tt.types})
			got, err := p.HasPluginCapability(nil, mod)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHasPluginCapabilityAcrossModules tests that base types defined in a
// dependency are followed through the session.
func TestHasPluginCapabilityAcrossModules(t *testing.T) {
	appDir := t.TempDir()
	clrtest.WriteFile(t, appDir, "Toolkit.dll", clrtest.Assembly{
		Name: "Toolkit",
		Types: []clrtest.Type{
			{Namespace: "Toolkit", Name: "EffectBase", Flags: clrtest.Abstract, Extends: clrtest.ObjectRef, Interfaces: []clrtest.Ref{ymmEffect}},
		},
	})
	pluginDir := filepath.Join(appDir, "user", "plugin", "Fx")
	path := clrtest.WriteFile(t, pluginDir, "Fx.dll", clrtest.Assembly{
		Name: "Fx",
		Types: []clrtest.Type{
			{Namespace: "Fx", Name: "Glow", Flags: clrtest.Class,
				Extends: &clrtest.Ref{Assembly: "Toolkit", Namespace: "Toolkit", Name: "EffectBase"}},
		},
	})

	session := loader.NewSession(appDir)
	defer session.Close()
	mod := session.LoadPluginModule(path, pluginDir)
	require.NotNil(t, mod)

	p := New(DefaultConfig(), nil)
	ok, err := p.HasPluginCapability(session, mod)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.HasPluginCapability(nil, mod)
	require.NoError(t, err)
	assert.False(t, ok, "without a resolver the base type cannot be followed")
}

// TestHasPluginCapabilityPartial tests that decodable types are still probed.
func TestHasPluginCapabilityPartial(t *testing.T) {
	mod := open(t, t.TempDir(), "Partial.dll", clrtest.Assembly{
		Name: "Partial",
		Types: []clrtest.Type{
			{Namespace: "Partial", Name: "Broken", Flags: clrtest.Class, Extends: clrtest.ObjectRef, Corrupt: true},
			clrtest.PluginClass("Partial", "Good", ymmEffect),
		},
	})

	ok, err := New(Config{}, nil).HasPluginCapability(nil, mod)
	assert.True(t, ok)
	var partial *clr.PartialLoadError
	assert.True(t, errors.As(err, &partial))
}

// TestHasPluginCapabilityReleased tests that a released module is an error.
func TestHasPluginCapabilityReleased(t *testing.T) {
	mod := open(t, t.TempDir(), "P.dll", clrtest.Assembly{Name: "P", Types: []clrtest.Type{clrtest.PluginClass("P", "E", ymmEffect)}})
	mod.Release()

	ok, err := New(Config{}, nil).HasPluginCapability(nil, mod)
	assert.False(t, ok)
	assert.ErrorIs(t, err, clr.ErrModuleReleased)

	ok, err = New(Config{}, nil).HasPluginCapability(nil, nil)
	assert.False(t, ok)
	assert.NoError(t, err)
}

// TestCustomInterfaceConfig tests overriding the plugin conventions.
func TestCustomInterfaceConfig(t *testing.T) {
	mod := open(t, t.TempDir(), "P.dll", clrtest.Assembly{
		Name:  "P",
		Types: []clrtest.Type{clrtest.PluginClass("P", "Ext", clrtest.Ref{Assembly: "Host", Namespace: "Acme.Host", Name: "IExtension"})},
	})

	ok, err := New(Config{}, nil).HasPluginCapability(nil, mod)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = New(Config{NamespacePrefix: "Acme."}, nil).HasPluginCapability(nil, mod)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = New(Config{InterfaceName: "IExtension", NamespacePrefix: "Nope."}, nil).HasPluginCapability(nil, mod)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestExtractMetadata tests the fallback chains for name, version and author.
func TestExtractMetadata(t *testing.T) {
	details := func(author string) clrtest.Attr {
		return clrtest.Attr{
			Type:  clrtest.Ref{Assembly: hostAsm, Namespace: "YukkuriMovieMaker.Plugin", Name: "PluginDetailsAttribute"},
			Named: map[string]string{"AuthorName": author},
		}
	}

	tests := []struct {
		name string
		asm  clrtest.Assembly
		want Metadata
	}{
		{
			name: "all attributes",
			asm: clrtest.Assembly{Name: "Fx", Version: [4]uint16{1, 0, 0, 0}, Attributes: []clrtest.Attr{
				clrtest.Title("Glow Effects"), clrtest.Product("Fx Suite"),
				clrtest.FileVersion("2.1.0.0"), clrtest.InformationalVersion("2.1.0-beta"),
				clrtest.Copyright("(c) Corp"), details("alice"),
			}},
			want: Metadata{Name: "Glow Effects", Author: "alice", Version: "2.1.0.0"},
		},
		{
			name: "product and informational version",
			asm: clrtest.Assembly{Name: "Fx", Attributes: []clrtest.Attr{
				clrtest.Product("Fx Suite"), clrtest.InformationalVersion("3.0.0"), clrtest.Copyright("(c) Corp"),
			}},
			want: Metadata{Name: "Fx Suite", Author: "(c) Corp", Version: "3.0.0"},
		},
		{
			name: "blank details author falls back to copyright",
			asm: clrtest.Assembly{Name: "Fx", Attributes: []clrtest.Attr{
				details("   "), clrtest.Copyright("(c) Corp"),
			}},
			want: Metadata{Name: "Fx", Author: "(c) Corp", Version: "0.0.0.0"},
		},
		{
			name: "assembly identity only",
			asm:  clrtest.Assembly{Name: "Fx", Version: [4]uint16{4, 3, 2, 1}},
			want: Metadata{Name: "Fx", Author: UnknownAuthor, Version: "4.3.2.1"},
		},
		{
			name: "nameless assembly uses file stem",
			asm:  clrtest.Assembly{},
			want: Metadata{Name: "FromFile", Author: UnknownAuthor, Version: "0.0.0.0"},
		},
	}

	p := New(DefaultConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			mod := open(t, dir, "FromFile.dll", tt.asm)
			got := p.ExtractMetadata(mod, filepath.Join(dir, "FromFile.dll.disabled"))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMinimalMetadata(t *testing.T) {
	assert.Equal(t, Metadata{Name: "Foo", Author: UnknownAuthor}, MinimalMetadata("/p/Foo/Foo.dll.disabled"))
	assert.Equal(t, Metadata{Name: "Bar", Author: UnknownAuthor}, MinimalMetadata("Bar.dll"))
}
