package security

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidatePluginPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "user", "plugin")

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(root, "Glow", "Glow.dll"), false},
		{"nested", filepath.Join(root, "Glow", "bin", "Glow.dll.disabled"), false},
		{"root itself", root, true},
		{"sibling prefix", root + "s/Glow.dll", true},
		{"traversal", filepath.Join(root, "Glow") + "/../../Glow.dll", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePluginPath(tt.path, root)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePluginPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && tt.path != "" && !errors.Is(err, ErrOutsideRoot) {
				t.Errorf("expected ErrOutsideRoot, got %v", err)
			}
		})
	}
}
