// Package version reports the version of this module as seen by the binary embedding it.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is returned when the version is unknown, such as when running tests of this module itself.
const Default = "dev"

// modulePath is the path of this module in the build info of a downstream binary.
const modulePath = "github.com/wasmfuel/wasmfuel"

// version is set by -ldflags "-X github.com/wasmfuel/wasmfuel/internal/version.version=v1.0.0"
var version string

// GetVersion returns the version of wasmfuel linked into the current binary.
func GetVersion() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		// A replaced module reports the version of the replacement.
		if dep.Replace != nil && dep.Replace.Version != "" {
			return dep.Replace.Version
		}
		return strings.TrimSpace(dep.Version)
	}
	return Default
}
