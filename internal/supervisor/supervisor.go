// Package supervisor implements the VM Process Supervisor: it spawns and
// owns the vfkit child process, discovers the guest's DHCP-assigned IP,
// waits for its sshd to accept connections, and exposes pause/resume/stop
// operations backed by vfkit's REST control plane.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/quinneden/virby-nix-darwin/internal/config"
	"github.com/quinneden/virby-nix-darwin/internal/dhcp"
	"github.com/quinneden/virby-nix-darwin/internal/errs"
	"github.com/quinneden/virby-nix-darwin/internal/hypervisor"
	"github.com/quinneden/virby-nix-darwin/internal/sshprobe"
)

// leaseWatcher is the subset of *dhcp.Watcher the supervisor needs;
// narrowed to an interface so tests can supply a fake.
type leaseWatcher interface {
	Lookup(mac string) (string, error)
}

// sshProber is the subset of *sshprobe.Prober the supervisor needs.
type sshProber interface {
	Probe(ctx context.Context, ip string, timeout time.Duration) bool
}

// hypervisorClient is the subset of *hypervisor.Client the supervisor needs.
type hypervisorClient interface {
	GetState(ctx context.Context) (*hypervisor.StateResponse, error)
	RequestPause(ctx context.Context) error
	RequestResume(ctx context.Context) error
}

// Supervisor owns at most one vfkit child process for a working directory.
// Its exported methods are meant to be called from a single owning
// goroutine (the connection proxy's event loop); the small set of fields
// touched by the background monitor goroutine is guarded by mu.
type Supervisor struct {
	cfg       *config.Config
	workDir   string
	mac       string
	vfkitPath string

	leases leaseWatcher
	ssh    sshProber
	hv     hypervisorClient

	mu                sync.Mutex
	cmd               *exec.Cmd
	pid               int
	ipAddress         string
	shutdownRequested bool
	exited            chan struct{}
	pidLock           *pidFileLock
}

// New constructs a Supervisor for workDir, generating its MAC address once.
func New(cfg *config.Config, workDir string) (*Supervisor, error) {
	mac, err := generateMAC()
	if err != nil {
		return nil, errs.NewStartupError("generate mac address", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		workDir:   workDir,
		mac:       mac,
		vfkitPath: "vfkit",
		leases:    dhcp.NewWatcher(dhcp.DefaultLeasesPath),
		ssh:       sshprobe.New(workDir, config.DefaultVMUser),
	}
	s.hv = hypervisor.New(cfg.VfkitAPIPort(), s.IsRunning)
	return s, nil
}

// IsRunning reports whether this supervisor currently owns a vfkit child.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// CachedIP returns the guest IP discovered by the most recent Start or
// SafeResumeOrStart, or "" if none is cached.
func (s *Supervisor) CachedIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipAddress
}

// RequestShutdown marks the supervisor as shutting down: no further call
// may start or resume the VM.
func (s *Supervisor) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownRequested = true
}

// ShutdownRequested reports whether RequestShutdown has been called.
func (s *Supervisor) ShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownRequested
}

// buildArgs assembles vfkit's fixed argument vector (spec §4.5.1).
func (s *Supervisor) buildArgs() []string {
	diffDisk := filepath.Join(s.workDir, config.DiffDiskFileName)
	efiStore := filepath.Join(s.workDir, config.EFIVariableStoreFileName)
	sshdKeysDir := filepath.Join(s.workDir, config.SSHDKeysSharedDirName)

	args := []string{
		"--cpus", strconv.Itoa(s.cfg.Cores),
		"--memory", strconv.Itoa(s.cfg.MemoryMiB),
		"--bootloader", fmt.Sprintf("efi,variable-store=%s,create", efiStore),
		"--device", fmt.Sprintf("virtio-blk,path=%s", diffDisk),
		"--device", fmt.Sprintf("virtio-fs,sharedDir=%s,mountTag=%s", sshdKeysDir, config.SSHDKeysMountTag),
		"--device", fmt.Sprintf("virtio-net,nat,mac=%s", s.mac),
		"--restful-uri", fmt.Sprintf("tcp://localhost:%d", s.cfg.VfkitAPIPort()),
		"--device", "virtio-rng",
		"--device", "virtio-balloon",
	}

	if s.cfg.Debug {
		args = append(args, "--device", fmt.Sprintf("virtio-serial,logFilePath=%s", filepath.Join(s.workDir, config.SerialLogFileName)))
	}
	if s.cfg.Rosetta {
		args = append(args, "--device", fmt.Sprintf("rosetta,mountTag=%s", config.RosettaMountTag))
	}

	tags := make([]string, 0, len(s.cfg.SharedDirs))
	for tag := range s.cfg.SharedDirs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		args = append(args, "--device", fmt.Sprintf("virtio-fs,sharedDir=%s,mountTag=%s", s.cfg.SharedDirs[tag], tag))
	}

	return args
}

// Start spawns vfkit, writes its PID file, and blocks until the guest's
// sshd is reachable or a budget is exceeded (spec §4.5.2).
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return "", errs.NewStartupError("start", fmt.Errorf("vfkit already running under this supervisor"))
	}
	s.mu.Unlock()

	cmd := exec.Command(s.vfkitPath, s.buildArgs()...)
	cmd.Dir = s.workDir

	var stdout, stderr io.ReadCloser
	if s.cfg.Debug {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return "", errs.NewStartupError("spawn vfkit", err)
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return "", errs.NewStartupError("spawn vfkit", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return "", errs.NewStartupError("spawn vfkit", err)
	}
	logrus.WithField("pid", cmd.Process.Pid).Debug("supervisor: vfkit started")

	if s.cfg.Debug {
		go drainLines(stdout, "vfkit stdout")
		go drainLines(stderr, "vfkit stderr")
	}

	pidPath := filepath.Join(s.workDir, config.PIDFileName)
	if err := writePIDFile(pidPath, cmd.Process.Pid); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return "", errs.NewStartupError("write pid file", err)
	}

	// Hold an exclusive lock on the PID file for as long as this supervisor
	// is alive, so CleanupOrphan's shared-lock probe against the same file
	// genuinely fails instead of tearing down a live vfkit child (spec
	// §4.5.7, invariant I5).
	pidLock, err := acquireExclusiveLock(pidPath)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(pidPath)
		return "", errs.NewStartupError("lock pid file", err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.exited = exited
	s.pidLock = pidLock
	s.mu.Unlock()

	go s.monitor(cmd, exited)

	ip, err := s.discoverIP(ctx, exited)
	if err != nil {
		return "", err
	}
	if err := s.waitSSHReady(ctx, ip, exited); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.ipAddress = ip
	s.mu.Unlock()
	return ip, nil
}

// monitor awaits vfkit's exit and clears the in-memory VM state exactly
// once, so a subsequent Start may succeed (spec §4.5.8).
func (s *Supervisor) monitor(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	wasShutdown := s.shutdownRequested
	s.cmd = nil
	s.pid = 0
	s.ipAddress = ""
	s.mu.Unlock()

	switch {
	case err != nil && !wasShutdown:
		logrus.WithError(err).Warn("supervisor: vfkit exited unexpectedly")
	default:
		logrus.Debug("supervisor: vfkit exited")
	}
	close(exited)
}

func drainLines(r io.Reader, label string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logrus.WithField("stream", label).Debug(scanner.Text())
	}
}

// discoverIP polls the DHCP lease watcher with exponential backoff from
// 100ms to 2s until an IP is found, the timeout is exceeded, the child
// dies, or shutdown is requested.
func (s *Supervisor) discoverIP(ctx context.Context, exited <-chan struct{}) (string, error) {
	deadline := time.Now().Add(time.Duration(s.cfg.IPDiscoveryTimeout) * time.Second)
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		if s.ShutdownRequested() {
			return "", errs.NewRuntimeError("ip discovery", fmt.Errorf("shutdown requested"))
		}

		ip, err := s.leases.Lookup(s.mac)
		if err != nil {
			return "", errs.NewIPDiscoveryError(err)
		}
		if ip != "" {
			return ip, nil
		}

		if time.Now().After(deadline) {
			return "", errs.NewIPDiscoveryError(fmt.Errorf("no ip discovered for %s within %ds", s.mac, s.cfg.IPDiscoveryTimeout))
		}

		select {
		case <-exited:
			return "", errs.NewRuntimeError("ip discovery", fmt.Errorf("vfkit process exited"))
		case <-ctx.Done():
			return "", errs.NewIPDiscoveryError(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// waitSSHReady polls the SSH probe with exponential backoff from 500ms to
// 1s until the guest accepts connections or ssh_ready_timeout elapses.
func (s *Supervisor) waitSSHReady(ctx context.Context, ip string, exited <-chan struct{}) error {
	deadline := time.Now().Add(time.Duration(s.cfg.SSHReadyTimeout) * time.Second)
	backoff := 500 * time.Millisecond
	const maxBackoff = 1 * time.Second
	const perAttemptTimeout = 2 * time.Second

	for {
		if s.ssh.Probe(ctx, ip, perAttemptTimeout) {
			return nil
		}

		if time.Now().After(deadline) {
			return errs.NewSSHConnectivityError(ip, fmt.Errorf("not ready within %ds", s.cfg.SSHReadyTimeout))
		}

		select {
		case <-exited:
			return errs.NewRuntimeError("ssh wait", fmt.Errorf("vfkit process exited"))
		case <-ctx.Done():
			return errs.NewSSHConnectivityError(ip, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop signals the child with SIGTERM, escalating to SIGKILL after
// timeout, then removes the PID file (spec §4.5.3). Calling Stop when no
// child is owned is a no-op (R2).
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	pidLock := s.pidLock
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		logrus.WithError(err).Debug("supervisor: SIGTERM delivery failed")
	}

	select {
	case <-exited:
	case <-time.After(timeout):
		if err := cmd.Process.Signal(unix.SIGKILL); err != nil {
			logrus.WithError(err).Debug("supervisor: SIGKILL delivery failed")
		}
		<-exited
	}

	if pidLock != nil {
		pidLock.Close()
		s.mu.Lock()
		s.pidLock = nil
		s.mu.Unlock()
	}

	os.Remove(filepath.Join(s.workDir, config.PIDFileName))
	return nil
}

// Pause requires the hypervisor to report canPause, then requests Pause
// bounded by budget (spec §4.5.4).
func (s *Supervisor) Pause(ctx context.Context, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	state, err := s.hv.GetState(ctx)
	if err != nil {
		return err
	}
	if !state.CanPause {
		return errs.NewRuntimeError("pause", fmt.Errorf("vm cannot be paused in state %s", state.State))
	}
	return s.hv.RequestPause(ctx)
}

// Resume requires the hypervisor to report canResume, then requests
// Resume bounded by budget (spec §4.5.4).
func (s *Supervisor) Resume(ctx context.Context, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	state, err := s.hv.GetState(ctx)
	if err != nil {
		return err
	}
	if !state.CanResume {
		return errs.NewRuntimeError("resume", fmt.Errorf("vm cannot be resumed in state %s", state.State))
	}
	return s.hv.RequestResume(ctx)
}

// SafePauseOrStop probes pause feasibility within PauseFeasibilityProbeBudget;
// if feasible it pauses with half of the configured pause timeout, capped at
// PauseBudgetCap. Otherwise, or if the pause fails, it falls back to Stop
// with the configured stop timeout floored at StopBudgetFloor (spec §4.5.5).
func (s *Supervisor) SafePauseOrStop(ctx context.Context) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, config.PauseFeasibilityProbeBudget)
	state, err := s.hv.GetState(probeCtx)
	cancel()

	if err == nil && state.CanPause {
		pauseBudget := time.Duration(s.cfg.PauseTimeout/2) * time.Second
		if pauseBudget > config.PauseBudgetCap {
			pauseBudget = config.PauseBudgetCap
		}
		if perr := s.Pause(ctx, pauseBudget); perr == nil {
			return "paused", nil
		} else {
			logrus.WithError(perr).Warn("supervisor: pause failed, falling back to stop")
		}
	}

	stopBudget := time.Duration(s.cfg.StopTimeout) * time.Second
	if stopBudget < config.StopBudgetFloor {
		stopBudget = config.StopBudgetFloor
	}
	if err := s.Stop(stopBudget); err != nil {
		return "", err
	}
	return "stopped", nil
}

// SafeResumeOrStart reads the current VM state and does whatever is
// necessary to reach Running, returning the guest's IP (spec §4.5.6).
func (s *Supervisor) SafeResumeOrStart(ctx context.Context) (string, error) {
	s.mu.Lock()
	hasProcess := s.cmd != nil
	exited := s.exited
	s.mu.Unlock()

	if !hasProcess {
		return s.Start(ctx)
	}

	state, err := s.hv.GetState(ctx)
	if err != nil {
		logrus.WithError(err).Warn("supervisor: state query failed, restarting")
		return s.restartFromScratch(ctx)
	}

	switch state.State {
	case hypervisor.StateRunning:
		if ip := s.CachedIP(); ip != "" {
			return ip, nil
		}
		return s.discoverIP(ctx, exited)

	case hypervisor.StatePaused:
		if !state.CanResume {
			return s.restartFromScratch(ctx)
		}
		resumeBudget := time.Duration(s.cfg.ResumeTimeout) * time.Second
		if err := s.Resume(ctx, resumeBudget); err != nil {
			logrus.WithError(err).Warn("supervisor: resume failed, restarting")
			return s.restartFromScratch(ctx)
		}
		if ip := s.CachedIP(); ip != "" {
			return ip, nil
		}
		return s.discoverIP(ctx, exited)

	case hypervisor.StateStopping:
		return "", errs.NewRuntimeError("resume or start", fmt.Errorf("vm is stopping, rejecting connection"))

	default:
		return s.restartFromScratch(ctx)
	}
}

func (s *Supervisor) restartFromScratch(ctx context.Context) (string, error) {
	stopBudget := time.Duration(s.cfg.StopTimeout) * time.Second
	if err := s.Stop(stopBudget); err != nil {
		return "", err
	}
	return s.Start(ctx)
}

// CleanupOrphan implements the orphan cleanup algorithm of spec §4.5.7: it
// looks for a stale vfkit.pid file left by an unclean prior shutdown of a
// supervisor over the same working directory, and terminates the process
// it names if one is still alive.
func CleanupOrphan(workDir string) error {
	path := filepath.Join(workDir, config.PIDFileName)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	lock, err := tryAcquireSharedLock(path)
	if err != nil {
		logrus.WithField("path", path).Debug("supervisor: pid file held by a live supervisor, skipping cleanup")
		return nil
	}
	defer lock.Close()

	pid, err := readPIDFile(path)
	if err != nil {
		logrus.WithError(err).Debug("supervisor: removing malformed pid file")
		return os.Remove(path)
	}

	if processAlive(pid) {
		logrus.WithField("pid", pid).Debug("supervisor: terminating orphaned vfkit process")
		unix.Kill(pid, unix.SIGTERM)
		time.Sleep(500 * time.Millisecond)
		if processAlive(pid) {
			unix.Kill(pid, unix.SIGKILL)
		}
	} else {
		logrus.WithField("pid", pid).Debug("supervisor: orphan pid file names a dead process")
	}

	return os.Remove(path)
}
