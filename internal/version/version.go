package version

import "runtime/debug"

// Populated via -ldflags, e.g.
//
//	go build -ldflags "-X 'ingestq/internal/version.Version=1.0.0' -X 'ingestq/internal/version.Commit=$(git rev-parse --short HEAD)'" ./cmd/ingestq
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

func init() {
	if Commit != "" {
		return
	}
	// fall back to the VCS stamp go build records
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if len(s.Value) > 12 {
					Commit = s.Value[:12]
				} else {
					Commit = s.Value
				}
			case "vcs.time":
				if Date == "" {
					Date = s.Value
				}
			}
		}
	}
}

// Full returns Version with the commit appended when known.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}

// Info is the body of the version endpoint.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

func Get() Info { return Info{Version: Version, Commit: Commit, Date: Date} }
