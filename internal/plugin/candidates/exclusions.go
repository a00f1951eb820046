package candidates

import (
	"path/filepath"
	"strings"
)

// DefaultExclusions lists name fragments of host-framework and helper
// libraries that are never plugin modules.
var DefaultExclusions = []string{
	"webview2",
	"interactivity",
	"wpfgfx",
	"presentation",
	"windows",
	"windowsbase",
	"epoxy",
	"material.icons",
	"flaui",
	"interop",
	"microsoft.win32",
	"api-ms-win-",
	"windows.",
	"winrt.",
	".winmd",
	"_resources",
	"test",
}

// Exclusions is a case-insensitive deny list of module name fragments.
type Exclusions struct {
	patterns []string
}

// NewExclusions builds a deny list from patterns. Blank patterns are ignored.
func NewExclusions(patterns []string) *Exclusions {
	e := &Exclusions{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			e.patterns = append(e.patterns, p)
		}
	}
	return e
}

// Default returns the built-in deny list.
func Default() *Exclusions {
	return NewExclusions(DefaultExclusions)
}

// Match reports whether name equals or contains any pattern. A nil
// Exclusions matches nothing.
func (e *Exclusions) Match(name string) bool {
	if e == nil {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range e.patterns {
		if lower == p || strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// MatchFile applies Match to the base name of path.
func (e *Exclusions) MatchFile(path string) bool {
	return e.Match(filepath.Base(path))
}

// Patterns returns a copy of the normalised patterns.
func (e *Exclusions) Patterns() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.patterns...)
}
