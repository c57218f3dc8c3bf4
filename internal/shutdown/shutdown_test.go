package shutdown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestClosesDone(t *testing.T) {
	c := New()
	select {
	case <-c.Done():
		t.Fatal("Done() closed before Request")
	default:
	}

	c.Request()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Request")
	}
	if !c.Requested() {
		t.Fatal("Requested() = false after Request")
	}
}

func TestRequestIsIdempotent(t *testing.T) {
	c := New()
	c.Request()
	c.Request() // must not panic on double-close of done
	if !c.Requested() {
		t.Fatal("Requested() = false")
	}
}

func TestOnShutdownHandlersAllRun(t *testing.T) {
	c := New()
	var n int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		c.OnShutdown(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}

	c.Request()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all handlers ran")
	}
	if atomic.LoadInt32(&n) != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	c := New()
	var ran int32
	c.OnShutdown(func() { panic("boom") })
	c.OnShutdown(func() { atomic.StoreInt32(&ran, 1) })

	c.Request()

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("second handler did not run after first panicked")
	}
}

func TestArmIsIdempotent(t *testing.T) {
	c := New()
	c.Arm()
	c.Arm() // must not install a second signal.Notify registration
	c.Cleanup()
}
