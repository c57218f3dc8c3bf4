package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quinneden/virby-nix-darwin/internal/config"
	"github.com/quinneden/virby-nix-darwin/internal/errs"
	"github.com/quinneden/virby-nix-darwin/internal/hypervisor"
)

func quickExitCommand() *exec.Cmd {
	return exec.Command("/bin/sh", "-c", "exit 0")
}

func testConfig() *config.Config {
	return &config.Config{
		Cores: 2, MemoryMiB: 4096, Port: 31222,
		IPDiscoveryTimeout: 5, SSHReadyTimeout: 5,
		PauseTimeout: 10, ResumeTimeout: 10, StopTimeout: 5,
	}
}

type fakeLeases struct {
	ip  string
	err error
}

func (f *fakeLeases) Lookup(string) (string, error) { return f.ip, f.err }

type fakeSSH struct{ ok bool }

func (f *fakeSSH) Probe(context.Context, string, time.Duration) bool { return f.ok }

type fakeHV struct {
	state *hypervisor.StateResponse
	err   error
}

func (f *fakeHV) GetState(context.Context) (*hypervisor.StateResponse, error) { return f.state, f.err }
func (f *fakeHV) RequestPause(context.Context) error                         { return nil }
func (f *fakeHV) RequestResume(context.Context) error                        { return nil }

// sleeperScript writes an executable shell script that sleeps until
// signaled, standing in for vfkit.
func sleeperScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-vfkit.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 100\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, ip string) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(testConfig(), dir)
	if err != nil {
		t.Fatal(err)
	}
	s.vfkitPath = sleeperScript(t, dir)
	s.leases = &fakeLeases{ip: ip}
	s.ssh = &fakeSSH{ok: true}
	s.hv = &fakeHV{state: &hypervisor.StateResponse{State: hypervisor.StateRunning}}
	return s, dir
}

func TestBuildArgsIncludesFixedDevices(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	cfg.Rosetta = true
	cfg.SharedDirs = map[string]string{"home": "/tmp/home"}

	s, err := New(cfg, "/var/lib/virby")
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Join(s.buildArgs(), " ")

	for _, want := range []string{
		"--cpus 2", "--memory 4096",
		"efi,variable-store=", ",create",
		"virtio-blk,path=", "diff.img",
		"virtio-fs,sharedDir=", "mountTag=sshd-keys",
		"virtio-net,nat,mac=" + s.mac,
		"--restful-uri tcp://localhost:31223",
		"virtio-rng", "virtio-balloon",
		"virtio-serial,logFilePath=",
		"rosetta,mountTag=rosetta",
		"mountTag=home",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("buildArgs() missing %q, got: %s", want, args)
		}
	}
}

func TestBuildArgsOmitsDebugAndRosettaByDefault(t *testing.T) {
	s, err := New(testConfig(), "/var/lib/virby")
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Join(s.buildArgs(), " ")
	if strings.Contains(args, "virtio-serial") || strings.Contains(args, "rosetta") {
		t.Errorf("buildArgs() should omit debug/rosetta devices by default, got: %s", args)
	}
}

// R2: repeated Stop on an already-stopped supervisor is a no-op.
func TestStopOnUnstartedSupervisorIsNoop(t *testing.T) {
	s, err := New(testConfig(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop() on unstarted supervisor = %v, want nil", err)
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("second Stop() = %v, want nil", err)
	}
}

// P3: the PID file across two successive Starts either doesn't exist or
// names a process that has exited.
func TestSuccessiveStartsPIDFileInvariant(t *testing.T) {
	s, dir := newTestSupervisor(t, "192.168.64.7")
	pidPath := filepath.Join(dir, config.PIDFileName)

	ip, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if ip != "192.168.64.7" {
		t.Fatalf("Start() ip = %q", ip)
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("pid file missing after Start: %v", err)
	}
	firstPID, _ := strconv.Atoi(strings.TrimSpace(string(data)))

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after Stop, stat err = %v", err)
	}
	if processAlive(firstPID) {
		t.Fatalf("pid %d from S1 should have exited after Stop", firstPID)
	}

	s.vfkitPath = sleeperScript(t, dir)
	ip2, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if ip2 != "192.168.64.7" {
		t.Fatalf("second Start() ip = %q", ip2)
	}

	data2, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("pid file missing after second Start: %v", err)
	}
	secondPID, _ := strconv.Atoi(strings.TrimSpace(string(data2)))
	if secondPID == firstPID {
		t.Fatalf("second Start() reused pid %d from first", firstPID)
	}

	s.Stop(5 * time.Second)
}

// I5 / spec §4.5.7: a concurrent CleanupOrphan run against the working
// directory of a supervisor that is still alive must not tear down its
// vfkit child. The live supervisor's exclusive lock on the PID file makes
// the shared-lock probe fail, so CleanupOrphan leaves it alone.
func TestLiveSupervisorBlocksConcurrentOrphanCleanup(t *testing.T) {
	s, dir := newTestSupervisor(t, "192.168.64.7")
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop(5 * time.Second)

	if err := CleanupOrphan(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("CleanupOrphan tore down a live supervisor's child")
	}

	pidPath := filepath.Join(dir, config.PIDFileName)
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pid file should remain while the supervisor is alive: %v", err)
	}
}

func TestDiscoverIPReturnsOnFirstMatch(t *testing.T) {
	s, err := New(testConfig(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.leases = &fakeLeases{ip: "10.0.0.5"}

	ip, err := s.discoverIP(context.Background(), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip != "10.0.0.5" {
		t.Fatalf("discoverIP() = %q, want 10.0.0.5", ip)
	}
}

func TestDiscoverIPFailsWhenChildExits(t *testing.T) {
	s, err := New(testConfig(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.leases = &fakeLeases{ip: ""}

	exited := make(chan struct{})
	close(exited)

	_, err = s.discoverIP(context.Background(), exited)
	if err == nil {
		t.Fatal("expected error when child has already exited")
	}
}

func TestWaitSSHReadySucceeds(t *testing.T) {
	s, err := New(testConfig(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.ssh = &fakeSSH{ok: true}

	if err := s.waitSSHReady(context.Background(), "10.0.0.5", make(chan struct{})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitSSHReadyTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SSHReadyTimeout = 1
	s, err := New(cfg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.ssh = &fakeSSH{ok: false}

	err = s.waitSSHReady(context.Background(), "10.0.0.5", make(chan struct{}))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

// R3: repeated cleanup is a no-op once the pid file has been removed.
func TestCleanupOrphanNoPIDFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := CleanupOrphan(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CleanupOrphan(dir); err != nil {
		t.Fatalf("unexpected error on repeat: %v", err)
	}
}

// S4: a pid file naming a dead process is removed without sending SIGTERM.
func TestCleanupOrphanRemovesDeadProcessEntry(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, config.PIDFileName)

	cmd := quickExitCommand()
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	deadPID := cmd.Process.Pid
	cmd.Wait()

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(deadPID)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CleanupOrphan(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file should have been removed")
	}
}

func TestCleanupOrphanSkipsWhenLocked(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, config.PIDFileName)
	if err := os.WriteFile(pidPath, []byte("4242"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(pidPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatal(err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := CleanupOrphan(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pid file should remain while locked by a live supervisor: %v", err)
	}
}

func TestGenerateMACFixedPrefix(t *testing.T) {
	mac, err := generateMAC()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(mac, "02:94:") {
		t.Fatalf("generateMAC() = %q, want 02:94: prefix", mac)
	}
	if len(strings.Split(mac, ":")) != 6 {
		t.Fatalf("generateMAC() = %q, want 6 octets", mac)
	}
}

func TestSafePauseOrStopPausesWhenFeasible(t *testing.T) {
	s, dir := newTestSupervisor(t, "192.168.64.7")
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	s.hv = &fakeHV{state: &hypervisor.StateResponse{State: hypervisor.StateRunning, CanPause: true}}

	outcome, err := s.SafePauseOrStop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != "paused" {
		t.Fatalf("SafePauseOrStop() = %q, want paused", outcome)
	}

	// vfkit process is still alive (pause is virtual here since fakeHV
	// never actually touches the child); clean it up.
	s.Stop(5 * time.Second)
	_ = dir
}

// Open question (a) from SPEC_FULL.md §9: a connection arriving while the
// VM reports Stopping is rejected outright, not waited on or restarted.
func TestSafeResumeOrStartRejectsWhenStopping(t *testing.T) {
	s, _ := newTestSupervisor(t, "192.168.64.7")
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop(5 * time.Second)

	s.hv = &fakeHV{state: &hypervisor.StateResponse{State: hypervisor.StateStopping}}

	_, err := s.SafeResumeOrStart(context.Background())
	if err == nil {
		t.Fatal("expected error when vm is stopping")
	}
	var rtErr *errs.RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("err = %v, want *errs.RuntimeError", err)
	}
	if !s.IsRunning() {
		t.Fatal("SafeResumeOrStart should not have torn down the child while rejecting a Stopping connection")
	}
}

func TestSafePauseOrStopFallsBackToStop(t *testing.T) {
	s, _ := newTestSupervisor(t, "192.168.64.7")
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	s.hv = &fakeHV{err: errors.New("unreachable")}

	outcome, err := s.SafePauseOrStop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != "stopped" {
		t.Fatalf("SafePauseOrStop() = %q, want stopped", outcome)
	}
	if s.IsRunning() {
		t.Fatal("supervisor should no longer own a child after fallback stop")
	}
}
