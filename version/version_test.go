package version

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		version, sha, date string
		want               string
	}{
		{"", "", "", "dev (unknown) " + BuildMarker},
		{"v1.2.0", "0123456789abcdef", "2026-10-01", "v1.2.0 (0123456, 2026-10-01) " + BuildMarker},
		{"v1.2.1", "abc", "", "v1.2.1 (abc) " + BuildMarker},
	}
	for _, tc := range tests {
		Version, GitSHA, BuildDate = tc.version, tc.sha, tc.date
		if got := String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
	Version, GitSHA, BuildDate = "", "", ""
}
