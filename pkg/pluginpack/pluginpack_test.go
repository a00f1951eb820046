package pluginpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestParseVersion tests semantic and four-part version parsing.
func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{"v2.0.0-beta.1", "2.0.0-beta.1"},
		{"1.2.3.4", "1.2.3+4"},
		{" 0.0.0.0 ", "0.0.0+0"},
		{"1.2", "1.2.0"},
		{"", ""},
		{"not a version", ""},
		{"1.2.3.4.5", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseVersion(tt.in)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

// TestPathHelpers tests suffix handling on module paths.
func TestPathHelpers(t *testing.T) {
	tests := []struct {
		path      string
		enabled   bool
		canonical string
		plugin    bool
		stem      string
	}{
		{"p/Foo.dll", true, "p/Foo.dll", true, "Foo"},
		{"p/Foo.dll.disabled", false, "p/Foo.dll", true, "Foo"},
		{"p/Foo.dll.disabled.disabled", false, "p/Foo.dll", true, "Foo"},
		{"p/Foo.DLL.Disabled", false, "p/Foo.DLL", true, "Foo"},
		{"p/notes.txt", true, "p/notes.txt", false, "notes.txt"},
		{"p/notes.txt.disabled", false, "p/notes.txt", false, "notes.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.enabled, IsEnabledPath(tt.path))
			assert.Equal(t, tt.canonical, CanonicalPath(tt.path))
			assert.Equal(t, tt.plugin, IsPluginPath(tt.path))
			assert.Equal(t, tt.stem, Stem(tt.path))
		})
	}
}

// TestIsEnabledPathProperty checks that enabled-ness depends only on the
// disabled suffix.
func TestIsEnabledPathProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z0-9_.]{1,16}`).Draw(t, "name")
		disabled := strings.HasSuffix(strings.ToLower(name), DisabledSuffix)
		if IsEnabledPath(filepath.Join("plugins", name)) == disabled {
			t.Fatalf("IsEnabledPath(%q) disagrees with suffix check", name)
		}
		if IsEnabledPath(filepath.Join("plugins", name+DisabledSuffix)) {
			t.Fatalf("%q with disabled suffix reported enabled", name)
		}
	})
}

// TestBasic tests building a filesystem-only record.
func TestBasic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "FooPlugin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "FooPlugin.dll.disabled")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("JST", 9*3600))
	require.NoError(t, os.Chtimes(path, mod, mod))
	info, err := os.Stat(path)
	require.NoError(t, err)

	profile := uuid.New()
	p := Basic(path, profile, info)

	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, profile, p.ProfileID)
	assert.Equal(t, "FooPlugin", p.Name)
	assert.Equal(t, "FooPlugin", p.FolderName)
	assert.Equal(t, path, p.InstalledPath)
	assert.False(t, p.IsEnabled)
	assert.Nil(t, p.Version)
	assert.Equal(t, time.UTC, p.LastModified.Location())
	assert.True(t, p.LastModified.Equal(mod))

	other := Basic(path, profile, nil)
	assert.NotEqual(t, p.ID, other.ID, "every record gets a fresh ID")
	assert.True(t, other.LastModified.IsZero())
}

// TestWithDetails tests that merging metadata keeps identity.
func TestWithDetails(t *testing.T) {
	base := Basic("plugins/Foo/Foo.dll", uuid.New(), nil)
	v := semver.MustParse("1.0.0")

	refined := base.WithDetails("Foo Tools", "alice", v)
	assert.Equal(t, base.ID, refined.ID)
	assert.Equal(t, base.ProfileID, refined.ProfileID)
	assert.Equal(t, base.InstalledPath, refined.InstalledPath)
	assert.Equal(t, "Foo Tools", refined.Name)
	assert.Equal(t, "alice", refined.Author)
	assert.Equal(t, "1.0.0", refined.VersionString())

	assert.Equal(t, "Foo", base.Name, "the original value is untouched")
	assert.Equal(t, "", base.VersionString())

	kept := base.WithDetails("", "bob", nil)
	assert.Equal(t, "Foo", kept.Name)
}

// TestSortByLocation tests folder-then-path ordering.
func TestSortByLocation(t *testing.T) {
	packs := []PluginPack{
		{FolderName: "b", InstalledPath: "b/2.dll"},
		{FolderName: "a", InstalledPath: "a/z.dll"},
		{FolderName: "b", InstalledPath: "b/1.dll"},
		{FolderName: "a", InstalledPath: "a/a.dll"},
	}
	SortByLocation(packs)

	var got []string
	for _, p := range packs {
		got = append(got, p.InstalledPath)
	}
	assert.Equal(t, []string{"a/a.dll", "a/z.dll", "b/1.dll", "b/2.dll"}, got)
}
