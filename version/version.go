// Package version carries build information injected at link time:
//
//	-ldflags "-X openenterprise/otaclient/version.Version=v1.2.0 -X ..."
package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker changes with every firmware cut so a confirmed boot shows
// which image is running.
const BuildMarker = "ota-001"

// ShortSHA returns the first seven characters of GitSHA, or "unknown".
func ShortSHA() string {
	if GitSHA == "" {
		return "unknown"
	}
	if len(GitSHA) > 7 {
		return GitSHA[:7]
	}
	return GitSHA
}

// String formats the build information for banners and the console.
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	s := v + " (" + ShortSHA()
	if BuildDate != "" {
		s += ", " + BuildDate
	}
	return s + ") " + BuildMarker
}
