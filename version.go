package edgelens

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is the edgelens release version. Overridden at build time via
// -ldflags "-X github.com/edgelens/edgelens.Version=...".
var Version = "0.3.0-dev"

// minAgentVersion is the oldest agent the CLI and supervisor can talk to.
// Older agents predate the /v1/upload endpoint.
var minAgentVersion = semver.MustParse("0.2.0")

// AgentCompatible reports whether an agent-reported version is new enough
// for this client. Unknown or dev versions are assumed compatible so local
// builds keep working against each other.
func AgentCompatible(version string) bool {
	version = strings.TrimPrefix(version, "v")
	if version == "" || strings.Contains(version, "-dev") {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true
	}
	return !v.LessThan(minAgentVersion)
}
