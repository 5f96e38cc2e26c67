// Package buildinfo holds version metadata stamped in with
// -ldflags "-X hzn/internal/buildinfo.Version=...".
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the version, falling back to the commit, for window titles.
func Short() string {
	switch {
	case Version != "" && Version != "dev":
		return Version
	case Commit != "" && Commit != "unknown":
		return Commit
	}
	return "dev"
}

// String returns every stamped field on one line.
func String() string {
	return fmt.Sprintf("hzn %s (commit %s, built %s)", Version, Commit, Date)
}
