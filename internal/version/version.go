// Package version reports which packdock build is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set by the release build:
//
//	-ldflags "-X github.com/jmylchreest/packdock/internal/version.Version=v1.2.3
//	          -X github.com/jmylchreest/packdock/internal/version.Commit=<sha>
//	          -X github.com/jmylchreest/packdock/internal/version.Date=<RFC3339>"
//
// Builds made with go install fill the gaps from the embedded build info.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info describes a build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build description, preferring linker-set values over
// the module build info.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(&info, bi)
	}
	return info
}

func fromBuildInfo(info *Info, bi *debug.BuildInfo) {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// String formats the build for `packdock version`, e.g.
// "packdock v1.2.3 (3f2a9c1d+dirty 2026-01-02T03:04:05Z, go1.25.1 linux/amd64)".
func String() string {
	info := GetInfo()
	build := info.GoVersion + " " + info.Platform
	if info.Commit != "" {
		rev := shortCommit(info.Commit)
		if info.Modified {
			rev += "+dirty"
		}
		if info.Date != "" {
			rev += " " + info.Date
		}
		build = rev + ", " + build
	}
	return fmt.Sprintf("packdock %s (%s)", info.Version, build)
}

// Short is the bare version, used by --version.
func Short() string {
	return GetInfo().Version
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}
