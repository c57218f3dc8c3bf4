// Package hypervisor talks to vfkit's local HTTP control plane: querying
// VM state and requesting pause/resume, wrapped in retry-with-jittered-
// backoff and a circuit breaker.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quinneden/virby-nix-darwin/internal/breaker"
	"github.com/quinneden/virby-nix-darwin/internal/errs"
)

// VM state string literals, bit-exact with vfkit's RESTful API.
const (
	StateRunning   = "VirtualMachineStateRunning"
	StateStopped   = "VirtualMachineStateStopped"
	StatePaused    = "VirtualMachineStatePaused"
	StateError     = "VirtualMachineStateError"
	StateStarting  = "VirtualMachineStateStarting"
	StatePausing   = "VirtualMachineStatePausing"
	StateResuming  = "VirtualMachineStateResuming"
	StateStopping  = "VirtualMachineStateStopping"
	StateSaving    = "VirtualMachineStateSaving"
	StateRestoring = "VirtualMachineStateRestoring"
)

// StateResponse is the JSON shape returned by GET /vm/state.
type StateResponse struct {
	State      string `json:"state"`
	CanPause   bool   `json:"canPause"`
	CanResume  bool   `json:"canResume"`
}

const (
	maxRetries     = 2
	retryBaseDelay = 100 * time.Millisecond

	breakerFailureThreshold = 3
	breakerTimeout          = 10 * time.Second
)

// Client is a pooled HTTP client for one vfkit instance's control plane,
// gated by an is-running predicate and protected by a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker.Breaker
	running func() bool
}

// New builds a Client talking to http://localhost:apiPort. running reports
// whether the supervised vfkit process is currently alive; every call is
// gated on it, exactly as the reference implementation's is_running_check.
func New(apiPort int, running func() bool) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     5,
		MaxIdleConnsPerHost: 2,
		// vfkit's control plane is plain HTTP/1.1 on loopback.
		ForceAttemptHTTP2: false,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL: fmt.Sprintf("http://localhost:%d", apiPort),
		http: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
		breaker: breaker.New(breakerFailureThreshold, breakerTimeout),
		running: running,
	}
}

// GetState queries GET /vm/state.
func (c *Client) GetState(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	err := c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vm/state", nil)
		if err != nil {
			return err
		}
		return c.do(req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestPause posts {"state":"Pause"}.
func (c *Client) RequestPause(ctx context.Context) error {
	return c.postState(ctx, "Pause")
}

// RequestResume posts {"state":"Resume"}.
func (c *Client) RequestResume(ctx context.Context) error {
	return c.postState(ctx, "Resume")
}

func (c *Client) postState(ctx context.Context, state string) error {
	body, err := json.Marshal(map[string]string{"state": state})
	if err != nil {
		return err
	}

	return c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vm/state", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, nil)
	})
}

// call gates on the is-running predicate, routes through the breaker, and
// retries transient connect/timeout errors inside the breaker's call so the
// breaker observes at most one failure per logical call.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.running() {
		return errs.NewRuntimeError("hypervisor call", fmt.Errorf("vfkit is not running"))
	}

	err := c.breaker.Call(func() error {
		return retryTransient(ctx, fn)
	})
	if err != nil {
		return errs.NewRuntimeError("hypervisor call", err)
	}
	return nil
}

// retryTransient retries fn up to maxRetries times on connect/timeout
// errors, sleeping base*2^attempt + U(0, base) between attempts.
func retryTransient(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == maxRetries {
			return lastErr
		}

		delay := retryBaseDelay*time.Duration(1<<uint(attempt)) + time.Duration(rand.Int63n(int64(retryBaseDelay)))
		logrus.WithError(lastErr).WithField("attempt", attempt).Debug("hypervisor call: retrying after transient error")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isConnRefused(err)
	}
	return isConnRefused(err)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vfkit control plane: %s: %s", resp.Status, string(b))
	}

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
