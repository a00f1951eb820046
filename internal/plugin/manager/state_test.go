package manager

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

func writePlugin(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	return path
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names
}

func TestSetEnabledTransitions(t *testing.T) {
	tests := []struct {
		name     string
		initial  []string
		recorded string
		enable   bool
		want     string
		after    []string
	}{
		{"enable disabled", []string{"test.dll.disabled"}, "test.dll.disabled", true, "test.dll", []string{"test.dll"}},
		{"disable enabled", []string{"test.dll"}, "test.dll", false, "test.dll.disabled", []string{"test.dll.disabled"}},
		{"already enabled", []string{"test.dll"}, "test.dll", true, "test.dll", []string{"test.dll"}},
		{"already disabled", []string{"test.dll.disabled"}, "test.dll.disabled", false, "test.dll.disabled", []string{"test.dll.disabled"}},
		{"stale record", []string{"test.dll.disabled"}, "test.dll", true, "test.dll", []string{"test.dll"}},
		{"heal double on disable", []string{"test.dll.disabled.disabled"}, "test.dll.disabled.disabled", false, "test.dll.disabled", []string{"test.dll.disabled"}},
		{"heal double on enable", []string{"test.dll.disabled.disabled"}, "test.dll.disabled.disabled", true, "test.dll", []string{"test.dll"}},
		{"target wins on disable", []string{"test.dll", "test.dll.disabled"}, "test.dll", false, "test.dll.disabled", []string{"test.dll.disabled"}},
		{"active preferred", []string{"test.dll", "test.dll.disabled"}, "test.dll.disabled", true, "test.dll", []string{"test.dll", "test.dll.disabled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, n := range tt.initial {
				writePlugin(t, dir, n)
			}
			pack := &pluginpack.PluginPack{InstalledPath: filepath.Join(dir, tt.recorded)}

			got, err := SetEnabled(context.Background(), pack, tt.enable)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tt.want), got)
			assert.Equal(t, got, pack.InstalledPath)
			assert.Equal(t, tt.enable, pack.IsEnabled)
			assert.Equal(t, tt.after, listDir(t, dir))
		})
	}
}

// TestSetEnabledTargetContent checks that the moved file replaces the one
// at the target name.
func TestSetEnabledTargetContent(t *testing.T) {
	dir := t.TempDir()
	active := writePlugin(t, dir, "test.dll")
	writePlugin(t, dir, "test.dll.disabled")

	_, err := SetEnabled(context.Background(), &pluginpack.PluginPack{InstalledPath: active}, false)
	require.NoError(t, err)

	data, err := os.ReadFile(active + ".disabled")
	require.NoError(t, err)
	assert.Equal(t, "test.dll", string(data))
}

func TestSetEnabledDoubleWithSingleTaken(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "test.dll.disabled")
	writePlugin(t, dir, "test.dll.disabled.disabled")

	got, err := SetEnabled(context.Background(), &pluginpack.PluginPack{InstalledPath: filepath.Join(dir, "test.dll.disabled.disabled")}, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "test.dll.disabled"), got)
	assert.Equal(t, []string{"test.dll.disabled", "test.dll.disabled.disabled"}, listDir(t, dir),
		"the single form is never overwritten by healing")
}

func TestSetEnabledIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "test.dll")
	before, err := os.Stat(path)
	require.NoError(t, err)

	pack := &pluginpack.PluginPack{InstalledPath: path}
	first, err := SetEnabled(context.Background(), pack, true)
	require.NoError(t, err)
	second, err := SetEnabled(context.Background(), pack, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestSetEnabledRoundTrip(t *testing.T) {
	for _, start := range []string{"test.dll", "test.dll.disabled"} {
		t.Run(start, func(t *testing.T) {
			dir := t.TempDir()
			path := writePlugin(t, dir, start)
			enabled := pluginpack.IsEnabledPath(path)
			pack := &pluginpack.PluginPack{InstalledPath: path}

			_, err := SetEnabled(context.Background(), pack, !enabled)
			require.NoError(t, err)
			got, err := SetEnabled(context.Background(), pack, enabled)
			require.NoError(t, err)

			assert.Equal(t, path, got)
			assert.Equal(t, []string{start}, listDir(t, dir))
		})
	}
}

func TestSetEnabledUpperCaseSuffix(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "Fx.dll.DISABLED")
	pack := pluginpack.Basic(path, uuid.Nil, nil)
	require.False(t, pack.IsEnabled)

	got, err := SetEnabled(context.Background(), &pack, false)
	require.NoError(t, err)
	assert.Equal(t, path, got, "already disabled")

	got, err = SetEnabled(context.Background(), &pack, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Fx.dll"), got)
	assert.Equal(t, []string{"Fx.dll"}, listDir(t, dir))
	assert.True(t, pack.IsEnabled)
}

func TestVariantsOf(t *testing.T) {
	v := variantsOf("/p/Fx.dll.Disabled.DISABLED")
	assert.Equal(t, variants{active: "/p/Fx.dll", single: "/p/Fx.dll.Disabled", double: "/p/Fx.dll.Disabled.DISABLED"}, v)

	v = variantsOf("/p/Fx.dll")
	assert.Equal(t, variants{active: "/p/Fx.dll", single: "/p/Fx.dll.disabled", double: "/p/Fx.dll.disabled.disabled"}, v)
}

func TestSetEnabledMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := SetEnabled(context.Background(), &pluginpack.PluginPack{InstalledPath: filepath.Join(dir, "missing.dll")}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Empty(t, listDir(t, dir), "no files are created")
}

func TestSetEnabledRejectsNonPlugin(t *testing.T) {
	for _, name := range []string{"test.txt", "test.pdf", "test.txt.disabled", "test.txt.disabled.disabled"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := writePlugin(t, dir, name)

			_, err := SetEnabled(context.Background(), &pluginpack.PluginPack{InstalledPath: path}, false)
			assert.ErrorIs(t, err, ErrNotPluginFile)
			assert.Equal(t, []string{name}, listDir(t, dir))
		})
	}
}

func TestSetEnabledCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writePlugin(t, dir, "test.dll")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SetEnabled(ctx, &pluginpack.PluginPack{InstalledPath: path}, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"test.dll"}, listDir(t, dir))

	_, err = SetEnabled(context.Background(), nil, true)
	assert.Error(t, err)
}

// TestSetEnabledNonPluginNeverMutates checks that files without a module
// suffix are left alone whatever the requested state.
func TestSetEnabledNonPluginNeverMutates(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		stem := rapid.StringMatching(`[a-z][a-z0-9]{0,7}`).Draw(t, "stem")
		ext := rapid.SampledFrom([]string{"", ".txt", ".exe", ".dl", ".dll.bak", ".pdb", ".json"}).Draw(t, "ext")
		disabled := rapid.IntRange(0, 2).Draw(t, "disabled")
		enable := rapid.Bool().Draw(t, "enable")

		name := stem + ext + strings.Repeat(pluginpack.DisabledSuffix, disabled)
		sub, err := os.MkdirTemp(dir, "case")
		if err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		path := filepath.Join(sub, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		_, err = SetEnabled(context.Background(), &pluginpack.PluginPack{InstalledPath: path}, enable)
		if !errors.Is(err, ErrNotPluginFile) {
			t.Fatalf("SetEnabled(%q) error = %v, want ErrNotPluginFile", name, err)
		}
		entries, err := os.ReadDir(sub)
		if err != nil {
			t.Fatalf("readdir: %v", err)
		}
		if len(entries) != 1 || entries[0].Name() != name {
			t.Fatalf("directory changed after SetEnabled(%q)", name)
		}
	})
}
