package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const devVersion = "0.1.0-dev"

var (
	// AppName is used in log headers, the device id salt and remote object metadata.
	AppName = "FolderSync"

	// Version is overridden with -ldflags "-X .../version.Version=..." in release builds.
	Version = devVersion

	// Revision is the git commit the binary was built from.
	Revision = "HEAD"

	// BuildDate in RFC3339.
	BuildDate = ""
)

// fillFromBuildInfo fills whatever ldflags left at their defaults from the
// module version and vcs settings embedded by the go toolchain.
func fillFromBuildInfo(moduleVersion string, vcs map[string]string) {
	if Version == devVersion || Version == "" {
		if moduleVersion != "" && moduleVersion != "(devel)" {
			Version = strings.TrimPrefix(moduleVersion, "v")
		}
	}

	if Revision == "HEAD" || Revision == "" {
		if rev := vcs["vcs.revision"]; rev != "" {
			if vcs["vcs.modified"] == "true" {
				rev += "-dirty"
			}
			Revision = rev
		}
	}

	if BuildDate == "" {
		BuildDate = vcs["vcs.time"]
	}
}

// Short returns `0.1.0 (5e23a4)`
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed returns `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-01-01T00:00:00Z)`
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

// UserAgent is attached to remote uploads.
func UserAgent() string {
	return AppName + "/" + Version
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		vcs := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			vcs[s.Key] = s.Value
		}
		fillFromBuildInfo(info.Main.Version, vcs)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}
