package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestClosedPassesCallsThrough(t *testing.T) {
	b := New(3, 10*time.Millisecond)

	calls := 0
	err := b.Call(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !b.IsClosed() {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Call(func() error { return failing }); !errors.Is(err, failing) {
			t.Fatalf("call %d: err = %v, want %v", i, err, failing)
		}
	}

	if !b.IsOpen() {
		t.Fatalf("state = %s, want open after threshold", b.State())
	}

	calls := 0
	err := b.Call(func() error { calls++; return nil })
	if !errors.As(err, &ErrOpen{}) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Fatal("underlying function must not run while open")
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b := New(1, 5*time.Millisecond)

	_ = b.Call(func() error { return errors.New("boom") })
	if !b.IsOpen() {
		t.Fatal("expected open after single failure with threshold 1")
	}

	time.Sleep(10 * time.Millisecond)

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("half-open trial: unexpected error %v", err)
	}
	if !b.IsClosed() {
		t.Fatalf("state = %s, want closed after successful trial", b.State())
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)

	_ = b.Call(func() error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)

	failing := errors.New("still broken")
	if err := b.Call(func() error { return failing }); !errors.Is(err, failing) {
		t.Fatalf("err = %v, want %v", err, failing)
	}
	if !b.IsOpen() {
		t.Fatalf("state = %s, want open again after failed trial", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	_ = b.Call(func() error { return errors.New("one") })
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errors.New("two") })
	_ = b.Call(func() error { return errors.New("three") })

	if b.IsOpen() {
		t.Fatal("a success between failures must reset the streak (P4)")
	}
}
