// Package proxy implements the connection-activated reverse proxy: it
// accepts clients on the inherited listening socket, ensures the guest VM
// is ready, splices the connection to the guest's sshd, and arms an
// idle-TTL timer once the last connection closes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// VMController is the subset of *supervisor.Supervisor the proxy needs.
type VMController interface {
	Start(ctx context.Context) (string, error)
	SafeResumeOrStart(ctx context.Context) (string, error)
	SafePauseOrStop(ctx context.Context) (string, error)
	IsRunning() bool
	CachedIP() string
	ShutdownRequested() bool
}

const guestSSHPort = 22

// Proxy owns the inherited listening socket for the lifetime of the
// process and drives the idle-TTL controller (spec §4.7).
type Proxy struct {
	listener  net.Listener
	vm        VMController
	onDemand  bool
	ttl       time.Duration
	guestPort int

	mu                sync.Mutex
	activeConnections int
	timer             *time.Timer
}

// New returns a Proxy serving listener. ttlSeconds <= 0 disables the idle
// timer even in on-demand mode.
func New(listener net.Listener, vm VMController, onDemand bool, ttlSeconds int) *Proxy {
	return &Proxy{
		listener:  listener,
		vm:        vm,
		onDemand:  onDemand,
		ttl:       time.Duration(ttlSeconds) * time.Second,
		guestPort: guestSSHPort,
	}
}

// Serve runs the accept loop. In always-on mode the VM is started once
// before the loop begins (spec §4.7.4). Serve returns nil when the
// listener is closed (normal shutdown) and a non-nil error otherwise.
func (p *Proxy) Serve(ctx context.Context) error {
	if !p.onDemand {
		if _, err := p.vm.Start(ctx); err != nil {
			return err
		}
	}

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.vm.ShutdownRequested() {
				return nil
			}
			return err
		}
		go p.handle(conn)
	}
}

// Close closes the listening socket and disarms any pending idle timer,
// unblocking Serve.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.cancelTimerLocked()
	p.mu.Unlock()
	return p.listener.Close()
}

func (p *Proxy) handle(conn net.Conn) {
	if p.vm.ShutdownRequested() {
		conn.Close()
		return
	}

	p.mu.Lock()
	p.activeConnections++
	p.cancelTimerLocked()
	p.mu.Unlock()

	defer func() {
		conn.Close()

		p.mu.Lock()
		p.activeConnections--
		zero := p.activeConnections == 0
		p.mu.Unlock()

		if p.onDemand && zero {
			p.armTimer()
		}
	}()

	ip, err := p.ensureReady(context.Background())
	if err != nil {
		logrus.WithError(err).Warn("proxy: failed to ready vm for connection")
		return
	}

	guest, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, p.guestPort), 5*time.Second)
	if err != nil {
		logrus.WithError(err).Warn("proxy: failed to dial guest sshd")
		return
	}
	defer guest.Close()

	splice(conn, guest)
}

func (p *Proxy) ensureReady(ctx context.Context) (string, error) {
	if p.onDemand {
		return p.vm.SafeResumeOrStart(ctx)
	}
	if !p.vm.IsRunning() {
		return "", fmt.Errorf("vm not running")
	}
	if ip := p.vm.CachedIP(); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("vm running but ip not yet known")
}

// cancelTimerLocked disarms the idle timer; it's a no-op if already fired
// or never armed (callers hold p.mu).
func (p *Proxy) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Proxy) armTimer() {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeConnections != 0 {
		return
	}
	p.timer = time.AfterFunc(p.ttl, p.onIdleExpire)
}

func (p *Proxy) onIdleExpire() {
	p.mu.Lock()
	if p.activeConnections != 0 {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	if _, err := p.vm.SafePauseOrStop(context.Background()); err != nil {
		logrus.WithError(err).Warn("proxy: idle safe-pause-or-stop failed")
	}
}

// splice forwards bytes bidirectionally between a and b with 4096-byte
// buffers until both directions have reached EOF (spec §4.7.2 step 5).
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go copyAndHalfClose(&wg, a, b)
	go copyAndHalfClose(&wg, b, a)
	wg.Wait()
}

func copyAndHalfClose(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		logrus.WithError(err).Debug("proxy: splice direction ended")
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
}
