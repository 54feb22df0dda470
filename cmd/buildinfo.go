package cmd

import (
	"runtime/debug"
)

type (
	BuildInfo struct {
		GoVersion   string
		ModVersion  string
		VCSRevision string
		VCSTime     string
		VCSModified bool
	}
)

// ReadVCSBuildInfo reads the module version and vcs settings embedded in the
// binary
func ReadVCSBuildInfo() BuildInfo {
	info := BuildInfo{
		ModVersion: "dev",
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.ModVersion = v
	}
	for _, i := range bi.Settings {
		switch i.Key {
		case "vcs.revision":
			info.VCSRevision = i.Value
		case "vcs.time":
			info.VCSTime = i.Value
		case "vcs.modified":
			info.VCSModified = i.Value == "true"
		}
	}
	if info.ModVersion == "dev" && info.VCSRevision != "" {
		info.ModVersion = "dev-" + info.VCSRevision[:min(len(info.VCSRevision), 12)]
		if info.VCSModified {
			info.ModVersion += "-dirty"
		}
	}
	return info
}
