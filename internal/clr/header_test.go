package clr_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/jmylchreest/packdock/internal/clr"
	"github.com/jmylchreest/packdock/internal/clr/clrtest"
)

// TestIsManagedBinary tests header classification across image shapes.
func TestIsManagedBinary(t *testing.T) {
	dir := t.TempDir()

	managed := clrtest.WriteFile(t, dir, "Managed.dll", clrtest.Assembly{Name: "Managed"})
	managed64 := clrtest.WriteFile(t, dir, "Managed64.dll", clrtest.Assembly{Name: "Managed64", PE32Plus: true})
	native := clrtest.WriteNative(t, dir, "native.dll")

	empty := filepath.Join(dir, "empty.dll")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	text := filepath.Join(dir, "readme.dll")
	if err := os.WriteFile(text, []byte("this is not a library"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Valid signatures but truncated before the CLR directory.
	truncated := filepath.Join(dir, "truncated.dll")
	full := clrtest.Build(clrtest.Assembly{Name: "Truncated"})
	if err := os.WriteFile(truncated, full[:0x100], 0o644); err != nil {
		t.Fatal(err)
	}

	// e_lfanew pointing past the end of the file.
	badOffset := filepath.Join(dir, "badoffset.dll")
	hdr := make([]byte, 0x40)
	hdr[0], hdr[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(hdr[0x3C:], 0x1000)
	if err := os.WriteFile(badOffset, hdr, 0o644); err != nil {
		t.Fatal(err)
	}

	// Unknown optional header magic.
	badMagic := filepath.Join(dir, "badmagic.dll")
	img := clrtest.Build(clrtest.Assembly{Name: "BadMagic"})
	binary.LittleEndian.PutUint16(img[0x80+24:], 0x107)
	if err := os.WriteFile(badMagic, img, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"pe32 managed", managed, true},
		{"pe32+ managed", managed64, true},
		{"native", native, false},
		{"empty", empty, false},
		{"text", text, false},
		{"truncated", truncated, false},
		{"lfanew out of range", badOffset, false},
		{"unknown magic", badMagic, false},
		{"missing", filepath.Join(dir, "missing.dll"), false},
		{"directory", dir, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clr.IsManagedBinary(tt.path); got != tt.want {
				t.Errorf("IsManagedBinary(%s) = %v, want %v", tt.name, got, tt.want)
			}
			if got := clr.IsManagedBinaryContext(context.Background(), tt.path); got != tt.want {
				t.Errorf("IsManagedBinaryContext(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

// TestIsManagedBinaryContextCancelled tests that a cancelled context yields false.
func TestIsManagedBinaryContextCancelled(t *testing.T) {
	path := clrtest.WriteFile(t, t.TempDir(), "Managed.dll", clrtest.Assembly{Name: "Managed"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if clr.IsManagedBinaryContext(ctx, path) {
		t.Error("cancelled classification should report false")
	}
}

// TestIsManagedBinaryRejectsNonMZ checks that no file lacking the MZ
// signature is ever classified as managed.
func TestIsManagedBinaryRejectsNonMZ(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 1024).Draw(t, "data")
		if len(data) >= 2 && data[0] == 'M' && data[1] == 'Z' {
			data[0] = 'X'
		}
		path := filepath.Join(dir, "candidate.dll")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if clr.IsManagedBinary(path) {
			t.Fatalf("non-MZ file of %d bytes classified as managed", len(data))
		}
	})
}

// TestIsManagedBinaryNeverPanics feeds arbitrary headers behind a valid MZ
// signature.
func TestIsManagedBinaryNeverPanics(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 2, 600).Draw(t, "data")
		data[0], data[1] = 'M', 'Z'
		path := filepath.Join(dir, "fuzz.dll")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = clr.IsManagedBinary(path)
	})
}

// TestClassifierCaches tests that results are memoised until the file changes.
func TestClassifierCaches(t *testing.T) {
	dir := t.TempDir()
	path := clrtest.WriteNative(t, dir, "lib.dll")

	c := clr.NewClassifier(8)
	ctx := context.Background()
	if c.IsManaged(ctx, path) {
		t.Fatal("native image classified as managed")
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}
	if c.IsManaged(ctx, path) {
		t.Fatal("cached result changed")
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d after repeat lookup, want 1", c.Len())
	}

	// Rewriting the file changes the modification time and invalidates the key.
	clrtest.WriteFile(t, dir, "lib.dll", clrtest.Assembly{Name: "lib"})
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if !c.IsManaged(ctx, path) {
		t.Error("rewritten managed image classified as native")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	other := clrtest.WriteFile(t, dir, "other.dll", clrtest.Assembly{Name: "other"})
	before := c.Len()
	if c.IsManaged(cancelled, other) {
		t.Error("cancelled classification should report false")
	}
	if c.Len() != before {
		t.Error("cancelled result should not be cached")
	}
}
