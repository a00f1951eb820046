// Package candidates selects the files in a plugin folder that are worth
// inspecting as plugin modules.
package candidates

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/packdock/pkg/pluginpack"
)

// Rule identifies which selection rule produced a candidate.
type Rule int

const (
	// RuleFolderName matches <Folder>/<Folder>.dll and its disabled form.
	RuleFolderName Rule = iota + 1
	// RuleTopLevel matches modules directly inside the folder.
	RuleTopLevel
	// RuleRecursive matches modules anywhere below the folder.
	RuleRecursive
)

func (r Rule) String() string {
	switch r {
	case RuleFolderName:
		return "folder-name"
	case RuleTopLevel:
		return "top-level"
	case RuleRecursive:
		return "recursive"
	}
	return "unknown"
}

// Candidate is a file selected for inspection.
type Candidate struct {
	Path string
	Rule Rule
}

// Enumerate returns the candidate modules of one plugin folder. The first
// rule producing a non-empty list wins: the folder-named module, then the
// modules directly in the folder, then every module below it. Excluded names
// are dropped before a rule is judged empty. When maxPerFolder is positive
// the list is truncated to that many entries.
func Enumerate(ctx context.Context, folder string, exclusions *Exclusions, maxPerFolder int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := byFolderName(folder, exclusions)
	if len(found) == 0 {
		top, err := topLevel(folder, exclusions)
		if err != nil {
			return nil, err
		}
		found = top
	}
	if len(found) == 0 {
		deep, err := recursive(ctx, folder, exclusions)
		if err != nil {
			return nil, err
		}
		found = deep
	}

	if maxPerFolder > 0 && len(found) > maxPerFolder {
		found = found[:maxPerFolder]
	}
	return found, nil
}

// IsCandidateName reports whether name is an active or singly-disabled
// module name.
func IsCandidateName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, pluginpack.PluginExt) {
		return true
	}
	trimmed, ok := strings.CutSuffix(lower, pluginpack.DisabledSuffix)
	return ok && strings.HasSuffix(trimmed, pluginpack.PluginExt)
}

func byFolderName(folder string, exclusions *Exclusions) []Candidate {
	name := filepath.Base(folder)
	var found []Candidate
	for _, file := range []string{name + pluginpack.PluginExt, name + pluginpack.PluginExt + pluginpack.DisabledSuffix} {
		if exclusions.Match(file) {
			continue
		}
		path := filepath.Join(folder, file)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			found = append(found, Candidate{Path: path, Rule: RuleFolderName})
		}
	}
	return found
}

func topLevel(folder string, exclusions *Exclusions) ([]Candidate, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	var found []Candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsCandidateName(e.Name()) || exclusions.Match(e.Name()) {
			continue
		}
		found = append(found, Candidate{Path: filepath.Join(folder, e.Name()), Rule: RuleTopLevel})
	}
	return found, nil
}

func recursive(ctx context.Context, folder string, exclusions *Exclusions) ([]Candidate, error) {
	var found []Candidate
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subdirectories are skipped; the root was readable.
			if d != nil && d.IsDir() && path != folder {
				return fs.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !IsCandidateName(d.Name()) || exclusions.Match(d.Name()) {
			return nil
		}
		found = append(found, Candidate{Path: path, Rule: RuleRecursive})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
