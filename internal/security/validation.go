// Package security provides path validation for plugin file operations.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the plugin root.
var ErrOutsideRoot = errors.New("plugin path must be within plugin directory (attempted path traversal)")

// ValidatePluginPath validates a plugin path to prevent directory traversal.
// Ensures the path stays strictly within the plugin root.
func ValidatePluginPath(pluginPath, baseDir string) error {
	if pluginPath == "" {
		return fmt.Errorf("empty plugin path")
	}

	absPluginPath, err := filepath.Abs(filepath.Clean(pluginPath))
	if err != nil {
		return fmt.Errorf("invalid plugin path: %w", err)
	}
	absBaseDir, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("invalid base directory: %w", err)
	}

	if !strings.HasPrefix(absPluginPath, absBaseDir+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, pluginPath)
	}
	return nil
}
