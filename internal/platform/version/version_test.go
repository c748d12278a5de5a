package version

import (
	"runtime"
	"testing"
)

func withBuild(t *testing.T, v, commit string) {
	t.Helper()
	oldV, oldC := Version, Commit
	Version, Commit = v, commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })
}

func TestGet(t *testing.T) {
	info := Get()

	if info.Service != "spyglass" {
		t.Errorf("Service = %q", info.Service)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Errorf("build info should be populated, got %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestShortCommit(t *testing.T) {
	tests := []struct {
		commit string
		want   string
	}{
		{commit: "3f2c9ab41d0e5577", want: "3f2c9ab"},
		{commit: "3f2c9ab", want: "3f2c9ab"},
		{commit: "unknown", want: "unknown"},
		{commit: "", want: ""},
	}
	for _, tt := range tests {
		if got := (Info{Commit: tt.commit}).ShortCommit(); got != tt.want {
			t.Errorf("ShortCommit(%q) = %q, want %q", tt.commit, got, tt.want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "1.2.3", "3f2c9ab41d0e5577")

	want := "spyglass/1.2.3 (+3f2c9ab; " + runtime.Version() + ")"
	if got := UserAgent(); got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}

func TestInfoString(t *testing.T) {
	withBuild(t, "1.2.3", "3f2c9ab41d0e5577")

	want := "spyglass 1.2.3 (3f2c9ab, " + runtime.Version() + ")"
	if got := Get().String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
