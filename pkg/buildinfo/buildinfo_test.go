package buildinfo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"runtime/debug"
	"testing"
)

func withBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = orig })
}

func withVars(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	v, c, b := Version, Commit, BuildTime
	Version, Commit, BuildTime = version, commit, buildTime
	t.Cleanup(func() { Version, Commit, BuildTime = v, c, b })
}

func TestGet_Defaults(t *testing.T) {
	withBuildInfo(t, nil)
	withVars(t, "dev", "unknown", "unknown")

	info := Get("trackctl")
	if info.ServiceName != "trackctl" {
		t.Errorf("expected ServiceName='trackctl', got %q", info.ServiceName)
	}
	if info.Version != "dev" || info.Commit != "unknown" || info.BuildTime != "unknown" {
		t.Errorf("unexpected defaults: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected GoVersion=%q, got %q", runtime.Version(), info.GoVersion)
	}
}

func TestGet_FallsBackToVCSStamp(t *testing.T) {
	withVars(t, "dev", "unknown", "unknown")
	withBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "4f1c2e9a7b0d"},
			{Key: "vcs.time", Value: "2026-03-14T09:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Get("trackctl")
	if info.Version != "v0.3.0" {
		t.Errorf("expected module version, got %q", info.Version)
	}
	if info.Commit != "4f1c2e9" {
		t.Errorf("expected short revision, got %q", info.Commit)
	}
	if info.BuildTime != "2026-03-14T09:00:00Z" {
		t.Errorf("expected vcs time, got %q", info.BuildTime)
	}
	if got := String(); got != "v0.3.0 (4f1c2e9, 2026-03-14T09:00:00Z) dirty" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestGet_LdflagsWin(t *testing.T) {
	withVars(t, "v1.0.0", "abc1234", "2026-01-01T00:00:00Z")
	withBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffffffffffff"}},
	})

	if got := String(); got != "v1.0.0 (abc1234, 2026-01-01T00:00:00Z)" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestHandler(t *testing.T) {
	withBuildInfo(t, nil)
	withVars(t, "v1.2.3", "abc1234", "2026-02-01T10:00:00Z")

	rec := httptest.NewRecorder()
	Handler("trackctl-worker")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	var info Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.ServiceName != "trackctl-worker" || info.Version != "v1.2.3" {
		t.Errorf("unexpected info: %+v", info)
	}
}
