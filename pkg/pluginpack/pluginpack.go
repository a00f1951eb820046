// Package pluginpack provides the public record type describing an installed
// plugin pack.
package pluginpack

import (
	"cmp"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	// PluginExt is the extension of an active plugin module.
	PluginExt = ".dll"

	// DisabledSuffix is appended to a plugin module's name to deactivate it.
	DisabledSuffix = ".disabled"
)

// PluginPack describes one discovered plugin module.
type PluginPack struct {
	ID              uuid.UUID       `json:"id"`
	ProfileID       uuid.UUID       `json:"profile_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Author          string          `json:"author,omitempty"`
	Version         *semver.Version `json:"version,omitempty"`
	InstalledPath   string          `json:"installed_path"`
	FolderName      string          `json:"folder_name"`
	LastModified    time.Time       `json:"last_modified"`
	IsEnabled       bool            `json:"is_enabled"`
	IsIgnoredBackup bool            `json:"is_ignored_backup,omitempty"`
	MovedPath       string          `json:"moved_path,omitempty"`
	BackupPath      string          `json:"backup_path,omitempty"`
}

// ProgressSink receives plugin packs as discovery produces them. Each call
// gets its own copy of the record.
type ProgressSink func(PluginPack)

// Basic builds a record from filesystem facts alone. info may be nil when
// the file could not be stat'ed.
func Basic(path string, profileID uuid.UUID, info fs.FileInfo) PluginPack {
	p := PluginPack{
		ID:            uuid.New(),
		ProfileID:     profileID,
		Name:          Stem(path),
		InstalledPath: path,
		FolderName:    filepath.Base(filepath.Dir(path)),
		IsEnabled:     IsEnabledPath(path),
	}
	if info != nil {
		p.LastModified = info.ModTime().UTC()
	}
	return p
}

// WithDetails returns a copy of p carrying the given metadata. Identity,
// location and state are preserved.
func (p PluginPack) WithDetails(name, author string, version *semver.Version) PluginPack {
	if name != "" {
		p.Name = name
	}
	p.Author = author
	p.Version = version
	return p
}

// VersionString renders the version for display.
func (p PluginPack) VersionString() string {
	if p.Version == nil {
		return ""
	}
	return p.Version.String()
}

var fourPart = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)\.(\d+)$`)

// ParseVersion parses a semantic version or a four-part assembly version.
// Four-part versions keep their last component as build metadata, so
// "1.2.3.4" becomes 1.2.3+4. Unparseable input yields nil.
func ParseVersion(s string) *semver.Version {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if m := fourPart.FindStringSubmatch(s); m != nil {
		v, err := semver.NewVersion(fmt.Sprintf("%s.%s.%s+%s", m[1], m[2], m[3], m[4]))
		if err != nil {
			return nil
		}
		return v
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil
	}
	return v
}

// IsEnabledPath reports whether path names an active module, which is any
// name not ending in the disabled suffix.
func IsEnabledPath(path string) bool {
	return !hasSuffixFold(filepath.Base(path), DisabledSuffix)
}

// CanonicalPath strips every trailing disabled suffix from path.
func CanonicalPath(path string) string {
	for hasSuffixFold(path, DisabledSuffix) {
		path = path[:len(path)-len(DisabledSuffix)]
	}
	return path
}

// IsPluginPath reports whether the canonical form of path is a module name.
func IsPluginPath(path string) bool {
	return hasSuffixFold(filepath.Base(CanonicalPath(path)), PluginExt)
}

// Stem returns the module name of path without the disabled suffixes and
// the module extension.
func Stem(path string) string {
	base := filepath.Base(CanonicalPath(path))
	if hasSuffixFold(base, PluginExt) {
		base = base[:len(base)-len(PluginExt)]
	}
	return base
}

// SortByLocation orders packs by folder name, then by installed path.
func SortByLocation(packs []PluginPack) {
	slices.SortFunc(packs, func(a, b PluginPack) int {
		if c := cmp.Compare(a.FolderName, b.FolderName); c != 0 {
			return c
		}
		return cmp.Compare(a.InstalledPath, b.InstalledPath)
	})
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}
