// Package version extracts build information embedded in the binary,
// surfaced by the health endpoint.
package version

import (
	"runtime/debug"
)

// BuildInfo is the build-time identity of the running binary.
type BuildInfo struct {
	GoVersion string `json:"goVersion"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get reads the build information compiled into the binary. Everything
// degrades to "unknown" when running without module info, e.g. under
// go test.
func Get() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{GoVersion: "unknown", Module: "unknown"}
	}

	bi := &BuildInfo{
		GoVersion: info.GoVersion,
		Module:    info.Path,
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			bi.Revision = setting.Value
		case "vcs.modified":
			bi.Modified = setting.Value == "true"
		}
	}
	return bi
}
