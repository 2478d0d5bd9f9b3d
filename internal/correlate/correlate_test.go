package correlate

import (
	"context"
	"testing"
	"time"
)

func TestSettleDeliversValue(t *testing.T) {
	c := New()
	call := Begin[string](c, time.Second)

	go call.Settle("hello")

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != "hello" {
		t.Fatalf("Wait() = %q, want %q", got, "hello")
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after settle, want 0", n)
	}
}

func TestTimeoutSettlesZeroValue(t *testing.T) {
	c := New()
	call := Begin[[]int](c, 20*time.Millisecond)

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Wait() = %v after timeout, want nil", got)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after timeout, want 0", n)
	}
}

func TestDoubleSettleIsNoOp(t *testing.T) {
	c := New()
	call := Begin[int](c, time.Second)

	call.Settle(1)
	call.Settle(2)

	got, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("Wait() = %d, want first settle value 1", got)
	}
}

func TestOnSettleRunsCleanups(t *testing.T) {
	c := New()
	call := Begin[int](c, time.Second)

	ran := 0
	call.OnSettle(func() { ran++ })
	call.OnSettle(func() { ran++ })
	call.Settle(7)

	if ran != 2 {
		t.Fatalf("cleanups ran = %d, want 2", ran)
	}

	// Registering after resolution runs immediately.
	call.OnSettle(func() { ran++ })
	if ran != 3 {
		t.Fatalf("late cleanup did not run, ran = %d", ran)
	}
}

func TestWaitCancelStillDeregisters(t *testing.T) {
	c := New()
	call := Begin[int](c, time.Minute)

	cleaned := false
	call.OnSettle(func() { cleaned = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); err == nil {
		t.Fatal("Wait() on cancelled context returned nil error")
	}
	if !cleaned {
		t.Fatal("cleanup did not run on cancellation")
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after cancellation, want 0", n)
	}
}

func TestIDsAreUniqueAndPositive(t *testing.T) {
	c := New()
	seen := make(map[int]struct{})
	for i := 0; i < 50; i++ {
		call := Begin[int](c, time.Minute)
		if call.ID <= 0 {
			t.Fatalf("call id = %d, want > 0", call.ID)
		}
		if _, dup := seen[call.ID]; dup {
			t.Fatalf("duplicate call id %d", call.ID)
		}
		seen[call.ID] = struct{}{}
		call.Settle(0)
	}
}

// A hundred mixed settle/timeout/cancel cycles must leave nothing in flight.
func TestNoLeaksAcrossManyCycles(t *testing.T) {
	c := New()
	for i := 0; i < 100; i++ {
		switch i % 3 {
		case 0:
			call := Begin[int](c, time.Minute)
			call.Settle(i)
			if _, err := call.Wait(context.Background()); err != nil {
				t.Fatalf("cycle %d: Wait() error = %v", i, err)
			}
		case 1:
			call := Begin[int](c, time.Millisecond)
			if _, err := call.Wait(context.Background()); err != nil {
				t.Fatalf("cycle %d: Wait() error = %v", i, err)
			}
		case 2:
			call := Begin[int](c, time.Minute)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := call.Wait(ctx); err == nil {
				t.Fatalf("cycle %d: cancelled Wait() returned nil error", i)
			}
		}
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after 100 cycles, want 0", n)
	}
}
