// Package version reports build information for the chronodump binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are populated by the build process
var (
	// Version is the version of the build
	Version = "dev"
	// BuildTime is the time when the build was created
	BuildTime = "unknown"
	// Commit is the VCS revision; when empty it is read from the build info
	Commit = ""
)

// Info describes the running build
type Info struct {
	Version   string
	BuildTime string
	Commit    string
	GoVersion string
	Platform  string
}

// Get collects the build information
func Get() Info {
	info := Info{
		Version:   Version,
		BuildTime: BuildTime,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
				}
			}
		}
	}
	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("ChronoDump v%s (built: %s, %s", i.Version, i.BuildTime, i.Platform)
	if i.Commit != "" {
		s += ", commit " + shortCommit(i.Commit)
	}
	return s + ", " + i.GoVersion + ")"
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// GetVersionInfo returns a formatted string with version information
func GetVersionInfo() string {
	return Get().String()
}
