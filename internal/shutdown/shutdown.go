// Package shutdown installs termination-signal handlers exactly once and
// exposes a shutdown event the rest of the process can wait on.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Coordinator installs SIGINT/SIGTERM handlers once per process and fans
// out notification of the shutdown event to any number of waiters.
type Coordinator struct {
	mu       sync.Mutex
	armed    bool
	ch       chan os.Signal
	done     chan struct{}
	closed   bool
	handlers []func()
	sig      os.Signal
}

// New returns a Coordinator. Signal handling is not installed until Arm
// is called.
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Arm installs the signal handlers exactly once; subsequent calls are
// no-ops (spec §4.8).
func (c *Coordinator) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return
	}
	c.armed = true

	c.ch = make(chan os.Signal, 1)
	signal.Notify(c.ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig, ok := <-c.ch
		if !ok {
			return
		}
		logrus.WithField("signal", sig).Info("shutdown: signal received")
		c.mu.Lock()
		c.sig = sig
		c.mu.Unlock()
		c.trigger()
	}()
}

// OnShutdown registers a callback invoked when shutdown is triggered,
// whether by signal or by a manual Request call. Callback panics are
// recovered and logged so one bad handler cannot prevent the rest from
// running.
func (c *Coordinator) OnShutdown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Request triggers shutdown manually, without waiting for a signal.
func (c *Coordinator) Request() {
	c.trigger()
}

// Done returns a channel closed exactly once, the moment shutdown is
// triggered.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Requested reports whether shutdown has been triggered.
func (c *Coordinator) Requested() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Signal returns the signal that triggered shutdown, or nil if shutdown
// was triggered by Request instead of a delivered signal.
func (c *Coordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *Coordinator) trigger() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.handlers
	c.mu.Unlock()

	close(c.done)

	for _, h := range handlers {
		runHandler(h)
	}
}

func runHandler(h func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("shutdown: handler panicked")
		}
	}()
	h()
}

// Cleanup stops signal delivery, for use in tests that Arm repeatedly.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		signal.Stop(c.ch)
		close(c.ch)
	}
}
