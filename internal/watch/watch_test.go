package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/packdock/internal/plugin/candidates"
)

// run starts w and returns a channel of its changes.
func run(t *testing.T, w *Watcher) <-chan Change {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Change, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(c Change) { changes <- c })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return changes
}

// next waits for a change containing want.
func next(t *testing.T, changes <-chan Change, want string) Change {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if slices.Contains(c.Paths, want) {
				return c
			}
		case <-deadline:
			t.Fatalf("no change reported for %s", want)
		}
	}
}

func TestWatcherReportsModuleChanges(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "Glow")
	require.NoError(t, os.Mkdir(folder, 0o755))

	w, err := New(root, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	changes := run(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(folder, "notes.txt"), []byte("x"), 0o644))
	dll := filepath.Join(folder, "Glow.dll")
	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))

	c := next(t, changes, dll)
	assert.NotContains(t, c.Paths, filepath.Join(folder, "notes.txt"))

	disabled := dll + ".disabled"
	require.NoError(t, os.Rename(dll, disabled))
	next(t, changes, disabled)
}

func TestWatcherFollowsNewFolders(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	changes := run(t, w)

	folder := filepath.Join(root, "Fresh")
	require.NoError(t, os.Mkdir(folder, 0o755))
	next(t, changes, folder)

	dll := filepath.Join(folder, "Fresh.dll")
	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))
	next(t, changes, dll)
}

func TestWatcherReportsNestedModules(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "Deep", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	w, err := New(root, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	changes := run(t, w)

	dll := filepath.Join(bin, "Deep.dll")
	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))
	next(t, changes, dll)

	lib := filepath.Join(bin, "lib")
	require.NoError(t, os.Mkdir(lib, 0o755))
	next(t, changes, lib)

	nested := filepath.Join(lib, "Nested.dll")
	require.NoError(t, os.WriteFile(nested, []byte("MZ"), 0o644))
	next(t, changes, nested)

	require.NoError(t, os.RemoveAll(lib))
	next(t, changes, lib)
}

func TestWatcherIgnoresExcluded(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "Pack")
	require.NoError(t, os.Mkdir(folder, 0o755))

	w, err := New(root,
		WithDebounce(20*time.Millisecond),
		WithExclusions(candidates.NewExclusions([]string{"webview2"})))
	require.NoError(t, err)
	changes := run(t, w)

	excluded := filepath.Join(folder, "Microsoft.Web.WebView2.Core.dll")
	require.NoError(t, os.WriteFile(excluded, []byte("MZ"), 0o644))
	dll := filepath.Join(folder, "Pack.dll")
	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))

	c := next(t, changes, dll)
	assert.NotContains(t, c.Paths, excluded)
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
