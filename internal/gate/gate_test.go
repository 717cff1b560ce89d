package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireReleaseBasic(t *testing.T) {
	g := New(2)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got := g.Available(); got != 0 {
		t.Fatalf("expected 0 available, got %d", got)
	}
	g.Release()
	if got := g.Available(); got != 1 {
		t.Fatalf("expected 1 available after release, got %d", got)
	}
	g.Release()
}

func TestCapacityClampedToOne(t *testing.T) {
	g := New(0)
	if got := g.Capacity(); got != 1 {
		t.Fatalf("expected capacity clamped to 1, got %d", got)
	}
	g.Resize(-5)
	if got := g.Capacity(); got != 1 {
		t.Fatalf("expected resize clamped to 1, got %d", got)
	}
}

func TestPermitsNeverExceedCapacity(t *testing.T) {
	const capacity = 3
	const workers = 20
	g := New(capacity)

	var inFlight atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > capacity {
		t.Fatalf("concurrent permits %d exceeded capacity %d", p, capacity)
	}
}

func TestFIFOOrder(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}()
		// Give each goroutine time to enqueue so arrival order is fixed.
		waitForQueueLen(t, g, i+1)
	}

	g.Release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO wakeup order, got %v", order)
		}
	}
}

func TestQueueLenTracksBlockedCallers(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			if err := g.Acquire(context.Background()); err == nil {
				g.Release()
			}
			done <- struct{}{}
		}()
	}
	waitForQueueLen(t, g, 2)
	g.Release()
	<-done
	<-done
	if got := g.QueueLen(); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestCancelWhileQueuedDoesNotLeak(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()
	waitForQueueLen(t, g, 1)
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := g.QueueLen(); got != 0 {
		t.Fatalf("abandoned waiter left in queue: %d", got)
	}

	// The permit must still be usable by the next caller.
	g.Release()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after cancel: %v", err)
	}
	g.Release()
}

func TestCancelBeforeAcquire(t *testing.T) {
	g := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := g.Available(); got != 1 {
		t.Fatalf("canceled acquire consumed a permit: available=%d", got)
	}
}

func TestResizeGrowWakesWaiters(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err == nil {
			close(acquired)
		}
	}()
	waitForQueueLen(t, g, 1)

	g.Resize(2)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("resize did not wake queued waiter")
	}
	g.Release()
	g.Release()
}

func TestResizeShrinkAbsorbedOnRelease(t *testing.T) {
	g := New(2)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	g.Resize(1)
	if got := g.InUse(); got != 2 {
		t.Fatalf("shrink must not revoke held permits, in use %d", got)
	}
	if got := g.Available(); got != 0 {
		t.Fatalf("expected 0 available during drain, got %d", got)
	}

	g.Release()
	if g.TryAcquire() {
		t.Fatalf("permit granted past shrunken capacity")
	}
	g.Release()
	if !g.TryAcquire() {
		t.Fatalf("expected permit available after full drain")
	}
	g.Release()
}

func TestTryAcquire(t *testing.T) {
	g := New(1)
	if !g.TryAcquire() {
		t.Fatalf("expected TryAcquire success on idle gate")
	}
	if g.TryAcquire() {
		t.Fatalf("expected TryAcquire failure on saturated gate")
	}
	g.Release()
}

func waitForQueueLen(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.QueueLen() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for queue length %d (got %d)", n, g.QueueLen())
		}
		time.Sleep(time.Millisecond)
	}
}
