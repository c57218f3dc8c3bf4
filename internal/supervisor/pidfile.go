package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// writePIDFile stores pid at path via write-temp-then-rename so a reader
// never observes a partially written file.
func writePIDFile(path string, pid int) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readPIDFile parses path's contents as a positive integer PID.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %q", string(data))
	}
	if pid <= 0 {
		return 0, fmt.Errorf("malformed pid file: non-positive pid %d", pid)
	}
	return pid, nil
}

// pidFileLock is an advisory flock held on the PID file, either the
// exclusive lock a live supervisor holds for its own running lifetime or
// the shared probe lock a cleanup pass uses to test for one.
type pidFileLock struct {
	f *os.File
}

// acquireExclusiveLock takes a non-blocking exclusive flock on path. A live
// supervisor holds this for as long as it owns a vfkit child, so that a
// concurrent tryAcquireSharedLock against the same file genuinely fails
// instead of mistaking a running supervisor for an orphan.
func acquireExclusiveLock(path string) (*pidFileLock, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &pidFileLock{f: f}, nil
}

// tryAcquireSharedLock attempts a shared, non-blocking flock on path.
// A failure to acquire means another live supervisor holds it.
func tryAcquireSharedLock(path string) (*pidFileLock, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &pidFileLock{f: f}, nil
}

func (l *pidFileLock) Close() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// processAlive probes pid with a null signal.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
