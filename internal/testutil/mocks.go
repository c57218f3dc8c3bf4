package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// HTTPTestServerPort starts an httptest.Server backed by handler and
// returns the loopback port it's listening on, for packages whose
// collaborators are configured by port number rather than by URL (as
// vfkit's REST control plane is).
func HTTPTestServerPort(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	port, err := strconv.Atoi(strings.TrimPrefix(srv.URL, "http://127.0.0.1:"))
	if err != nil {
		t.Fatalf("failed to parse test server port from %s: %v", srv.URL, err)
	}
	return port
}

// FakeVMController is a call-tracking double matching the supervisor
// surface the proxy and command layer depend on: each method has an
// optional XxxFunc hook and every call appends its name to Calls.
type FakeVMController struct {
	StartFunc             func(ctx context.Context) (string, error)
	SafeResumeOrStartFunc func(ctx context.Context) (string, error)
	SafePauseOrStopFunc   func(ctx context.Context) (string, error)
	IsRunningVal          bool
	CachedIPVal           string
	ShutdownRequestedVal  bool

	Calls []string
}

func (f *FakeVMController) recordCall(method string) {
	f.Calls = append(f.Calls, method)
}

func (f *FakeVMController) Start(ctx context.Context) (string, error) {
	f.recordCall("Start")
	if f.StartFunc != nil {
		return f.StartFunc(ctx)
	}
	return f.CachedIPVal, nil
}

func (f *FakeVMController) SafeResumeOrStart(ctx context.Context) (string, error) {
	f.recordCall("SafeResumeOrStart")
	if f.SafeResumeOrStartFunc != nil {
		return f.SafeResumeOrStartFunc(ctx)
	}
	return f.CachedIPVal, nil
}

func (f *FakeVMController) SafePauseOrStop(ctx context.Context) (string, error) {
	f.recordCall("SafePauseOrStop")
	if f.SafePauseOrStopFunc != nil {
		return f.SafePauseOrStopFunc(ctx)
	}
	return "stopped", nil
}

func (f *FakeVMController) IsRunning() bool {
	f.recordCall("IsRunning")
	return f.IsRunningVal
}

func (f *FakeVMController) CachedIP() string {
	f.recordCall("CachedIP")
	return f.CachedIPVal
}

func (f *FakeVMController) ShutdownRequested() bool {
	f.recordCall("ShutdownRequested")
	return f.ShutdownRequestedVal
}
