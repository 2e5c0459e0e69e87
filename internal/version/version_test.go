package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestGetReportsGoVersion(t *testing.T) {
	if got := Get().GoVersion; got != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", got, runtime.Version())
	}
}

func TestFillFromBuildInfo(t *testing.T) {
	tests := []struct {
		name string
		in   Info
		bi   debug.BuildInfo
		want Info
	}{
		{
			name: "defaults replaced",
			in:   Info{Version: "dev", Commit: "none", Date: "unknown"},
			bi: debug.BuildInfo{
				Main: debug.Module{Version: "v0.3.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "abc1234def5678"},
					{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
				},
			},
			want: Info{Version: "v0.3.0", Commit: "abc1234", Date: "2026-01-01T00:00:00Z"},
		},
		{
			name: "ldflags win",
			in:   Info{Version: "v1.0.0", Commit: "fffffff", Date: "2026-02-02"},
			bi: debug.BuildInfo{
				Main:     debug.Module{Version: "v0.3.0"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc1234def5678"}},
			},
			want: Info{Version: "v1.0.0", Commit: "fffffff", Date: "2026-02-02"},
		},
		{
			name: "devel build",
			in:   Info{Version: "dev", Commit: "none", Date: "unknown"},
			bi:   debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			want: Info{Version: "dev", Commit: "none", Date: "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			fillFromBuildInfo(&got, &tt.bi)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "v1.0.0", Commit: "abc1234", Date: "2026-01-01T00:00:00Z", GoVersion: "go1.25.0"}
	want := "orchestra v1.0.0 (commit: abc1234, built: 2026-01-01T00:00:00Z, go1.25.0)"
	if got := info.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, field := range []string{"v1.0.0", "abc1234", "go1.25.0"} {
		if !strings.Contains(info.String(), field) {
			t.Errorf("String() missing %q", field)
		}
	}
}
