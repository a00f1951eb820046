// Package hostproc reports whether the host application is running, so that
// plugin files it may hold open are not renamed underneath it.
package hostproc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"
)

// commLimit is the length at which Linux truncates process names.
const commLimit = 15

// Lister lists running processes.
type Lister func() ([]ps.Process, error)

// Guard checks for a running host executable.
type Guard struct {
	list Lister
}

// New returns a Guard over list, or over the system process table when list
// is nil.
func New(list Lister) *Guard {
	if list == nil {
		list = ps.Processes
	}
	return &Guard{list: list}
}

// PIDs returns the ids of running processes with appPath's executable name,
// using the system process table.
func PIDs(appPath string) ([]int, error) {
	return New(nil).PIDs(appPath)
}

// PIDs returns the ids of every running process matching appPath. Names are
// compared case-insensitively and without an .exe suffix.
func (g *Guard) PIDs(appPath string) ([]int, error) {
	want := executableName(appPath)
	if want == "" {
		return nil, nil
	}
	processes, err := g.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get process list: %w", err)
	}
	var pids []int
	for _, p := range processes {
		if matches(executableName(p.Executable()), want) {
			pids = append(pids, p.Pid())
		}
	}
	return pids, nil
}

func executableName(path string) string {
	if path == "" {
		return ""
	}
	name := strings.ToLower(filepath.Base(path))
	return strings.TrimSuffix(name, ".exe")
}

func matches(got, want string) bool {
	if got == want {
		return true
	}
	return len(got) >= commLimit && strings.HasPrefix(want, got)
}
