// Package activation retrieves the listening socket inherited from the
// platform launcher (macOS launchd), falling back to a bounded file
// descriptor scan when the launcher API is unavailable.
package activation

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/quinneden/virby-nix-darwin/internal/errs"
)

// socketName is the literal name this supervisor registers under in its
// launchd service manifest.
const socketName = "Listener"

// fallbackScanStart and fallbackScanEnd bound the file-descriptor range
// probed when the launcher API is unavailable or returns nothing.
const (
	fallbackScanStart = 3
	fallbackScanEnd   = 10
)

// activateFunc abstracts the platform's socket-activation API so tests can
// supply a fabricated set of descriptors without running under launchd.
type activateFunc func(name string) ([]int, error)

// Provider acquires the inherited activation socket, trying the platform
// API first and falling back to descriptor scanning.
type Provider struct {
	activate activateFunc
}

// New returns a Provider backed by the platform's socket-activation API.
func New() *Provider {
	return &Provider{activate: platformActivateSocket}
}

// NewStub returns a Provider whose platform-API step returns fds (or err)
// without touching launchd, for use in tests.
func NewStub(fds []int, err error) *Provider {
	return &Provider{activate: func(string) ([]int, error) { return fds, err }}
}

// Get returns the listening socket bound to port, inherited from the
// platform launcher or discovered by fallback scanning.
func (p *Provider) Get(port int) (net.Listener, error) {
	logDiagnosticEnv()

	fds, err := p.activate(socketName)
	if err != nil {
		logrus.WithError(err).Debug("activation: platform socket API failed")
	} else if len(fds) == 0 {
		logrus.Debug("activation: platform socket API returned 0 descriptors")
	} else {
		logrus.WithField("count", len(fds)).Debug("activation: platform socket API returned descriptors")
		if l, ok := selectListener(fds, port); ok {
			return l, nil
		}
	}

	logrus.Debug("activation: falling back to descriptor scan")
	if l, ok := selectListener(scanRange(fallbackScanStart, fallbackScanEnd), port); ok {
		return l, nil
	}

	return nil, errs.NewStartupError("activation socket", fmt.Errorf("no activation socket found for port %d", port))
}

// selectListener turns each candidate fd into a listener, keeping the first
// one bound to port and closing the rest.
func selectListener(fds []int, port int) (net.Listener, bool) {
	var found net.Listener

	for _, fd := range fds {
		l, boundPort, ok := listenerForFD(fd)
		if !ok {
			continue
		}
		if found == nil && boundPort == port {
			found = l
			continue
		}
		l.Close()
	}
	return found, found != nil
}

// listenerForFD duplicates fd (so closing the probe socket later does not
// close the inherited one) and wraps it as a net.Listener.
func listenerForFD(fd int) (net.Listener, int, bool) {
	dup, err := syscall.Dup(fd)
	if err != nil {
		return nil, 0, false
	}

	f := os.NewFile(uintptr(dup), fmt.Sprintf("activation-fd-%d", fd))
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, 0, false
	}

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		l.Close()
		return nil, 0, false
	}
	return l, addr.Port, true
}

// scanRange treats every socket file descriptor in [start, end] as a
// candidate.
func scanRange(start, end int) []int {
	var fds []int
	for fd := start; fd <= end; fd++ {
		if isSocket(fd) {
			fds = append(fds, fd)
		}
	}
	return fds
}

func isSocket(fd int) bool {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return false
	}
	return stat.Mode&syscall.S_IFMT == syscall.S_IFSOCK
}

// logDiagnosticEnv records socket-activation environment hints at debug
// level. These are diagnostic only, never authoritative (supplemented
// feature, see SPEC_FULL.md §11).
func logDiagnosticEnv() {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	for _, name := range []string{"LISTEN_FDS", "LISTEN_PID", "LAUNCH_DAEMON_SOCKET_NAME"} {
		if v, ok := os.LookupEnv(name); ok {
			logrus.WithField(name, v).Debug("activation: launcher environment hint")
		}
	}
}
