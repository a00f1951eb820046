package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

var (
	// ErrPluginNotFound is returned when no variant of a plugin file exists.
	ErrPluginNotFound = fmt.Errorf("plugin file not found: %w", fs.ErrNotExist)
	// ErrNotPluginFile is returned for files that are not plugin modules.
	ErrNotPluginFile = errors.New("not a plugin module file")
)

// variants are the names one logical plugin file can have on disk.
type variants struct {
	active string // x.dll
	single string // x.dll.disabled
	double string // x.dll.disabled.disabled
}

// variantsOf derives the variants of path. A disabled suffix present in path
// keeps its recorded spelling, so x.dll.DISABLED is found where the file
// system is case-sensitive.
func variantsOf(path string) variants {
	active := pluginpack.CanonicalPath(path)
	n := len(pluginpack.DisabledSuffix)
	switch len(path) - len(active) {
	case n:
		return variants{active: active, single: path, double: path + pluginpack.DisabledSuffix}
	case 2 * n:
		return variants{active: active, single: path[:len(active)+n], double: path}
	}
	single := active + pluginpack.DisabledSuffix
	return variants{active: active, single: single, double: single + pluginpack.DisabledSuffix}
}

// current returns the variant that exists, preferring active, then single,
// then double.
func (v variants) current() (string, bool) {
	for _, p := range []string{v.active, v.single, v.double} {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// SetEnabled renames the plugin file recorded in pack so that it is active
// (x.dll) or inactive (x.dll.disabled), and returns the resulting path. The
// recorded path may be stale: whichever variant exists is used. A doubly
// disabled file is first renamed to the single form unless that name is
// taken. When the desired form already exists nothing is touched. Otherwise
// any file at the target name is replaced.
//
// On success pack.InstalledPath and pack.IsEnabled are updated.
func SetEnabled(ctx context.Context, pack *pluginpack.PluginPack, enable bool) (string, error) {
	if pack == nil {
		return "", errors.New("nil plugin pack")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	v := variantsOf(pack.InstalledPath)
	cur, ok := v.current()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, pack.InstalledPath)
	}
	if !pluginpack.IsPluginPath(v.active) {
		return "", fmt.Errorf("%w: %s", ErrNotPluginFile, cur)
	}

	if cur == v.double {
		if _, err := os.Lstat(v.single); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(v.double, v.single); err != nil {
				return "", fmt.Errorf("failed to normalise %s: %w", v.double, err)
			}
			cur = v.single
		}
	}

	target := v.single
	if enable {
		target = v.active
	}
	if cur != target {
		if _, err := os.Lstat(target); err == nil {
			if err := os.Remove(target); err != nil {
				return "", fmt.Errorf("failed to replace %s: %w", target, err)
			}
		}
		if err := os.Rename(cur, target); err != nil {
			return "", fmt.Errorf("failed to rename %s: %w", cur, err)
		}
	}

	pack.InstalledPath = target
	pack.IsEnabled = enable
	return target, nil
}
