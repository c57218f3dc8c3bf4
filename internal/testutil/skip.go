package testutil

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
)

// SkipIfNotMacOS skips the test if not running on macOS. Activation-socket
// FFI and the real vfkit binary are both Darwin-only.
func SkipIfNotMacOS(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "darwin" {
		t.Skip("test requires macOS")
	}
}

// SkipIfVfkitUnavailable skips the test if the vfkit binary isn't on PATH.
func SkipIfVfkitUnavailable(t *testing.T) {
	t.Helper()
	SkipIfNotMacOS(t)
	if _, err := exec.LookPath("vfkit"); err != nil {
		t.Skip("vfkit not available, skipping test")
	}
}

// SkipIfSSHUnavailable skips the test if the ssh binary isn't on PATH.
func SkipIfSSHUnavailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ssh"); err != nil {
		t.Skip("ssh not available, skipping test")
	}
}

// SkipIfShort skips the test when run with go test -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
}

// SkipIfRoot skips the test if the current process runs as root, where
// permission-denied paths (e.g. pidfile locking edge cases) can't be
// exercised.
func SkipIfRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() == 0 {
		t.Skip("test should not run as root")
	}
}
