// SPDX-License-Identifier: MIT
// Package version exposes build identity for --version output and the
// startup log line.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// Version is the application version, loaded from release.txt, a
	// git tag at build time via ldflags, or "dev".
	Version = "dev"

	// CommitID is the git commit hash.
	CommitID = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()

	GOOS   = runtime.GOOS
	GOARCH = runtime.GOARCH
)

func init() {
	if v := loadVersionFromFile(); v != "" {
		Version = v
	}
}

// loadVersionFromFile reads a version string from release.txt, trying
// the working directory, the executable's directory, then up to three
// parent directories.
func loadVersionFromFile() string {
	if v := readVersionFile("release.txt"); v != "" {
		return v
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		if v := readVersionFile(filepath.Join(exeDir, "release.txt")); v != "" {
			return v
		}
	}

	dir, _ := os.Getwd()
	for i := 0; i < 3; i++ {
		if v := readVersionFile(filepath.Join(dir, "release.txt")); v != "" {
			return v
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func readVersionFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}

// GetFull returns the full version string for --version output.
func GetFull() string {
	return fmt.Sprintf("orcha %s\nBuilt: %s\nGo: %s\nOS/Arch: %s/%s",
		Version, BuildTime, GoVersion, GOOS, GOARCH)
}

// GetShort returns the bare version string.
func GetShort() string {
	return Version
}

// Info returns version info as a map for JSON responses.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     CommitID,
		"build_time": BuildTime,
		"go_version": GoVersion,
		"os":         GOOS,
		"arch":       GOARCH,
	}
}
