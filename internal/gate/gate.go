// Package gate provides the admission control primitive used to keep a
// serving instance below its safe concurrency ceiling. One Gate guards one
// (instance, model) key; every memory-aware call to that instance must hold
// a permit from it.
package gate

import (
	"container/list"
	"context"
	"sync"
)

// Gate is a counting semaphore with a FIFO wait queue. Callers block in
// Acquire until a permit frees; a queued caller can abandon the wait via
// context cancellation without leaking a permit. Capacity can be resized at
// any time: increases wake waiters immediately, decreases are absorbed as
// permits are released.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  *list.List // of chan struct{}
}

// New returns a Gate with the given capacity. Capacity below 1 is clamped
// to 1 so that progress is always possible.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{capacity: capacity, waiters: list.New()}
}

// Acquire obtains a permit, queuing FIFO behind earlier callers when none is
// available. It returns ctx.Err() if the context is canceled while waiting;
// in that case no permit is held and the queue stays consistent for others.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.inUse < g.capacity && g.waiters.Len() == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// The permit was granted while we were canceling; hand it on
			// to the next waiter instead of leaking it.
			g.releaseLocked()
			g.mu.Unlock()
		default:
			g.waiters.Remove(elem)
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryAcquire obtains a permit without blocking. It reports false when the
// gate is saturated or other callers are already queued.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.capacity && g.waiters.Len() == 0 {
		g.inUse++
		return true
	}
	return false
}

// Release returns a permit to the pool, waking the oldest queued waiter if
// capacity allows.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *Gate) releaseLocked() {
	g.inUse--
	if g.inUse < 0 {
		panic("gate: release without acquire")
	}
	g.notifyLocked()
}

// notifyLocked grants permits to queued waiters while capacity remains.
func (g *Gate) notifyLocked() {
	for g.waiters.Len() > 0 && g.inUse < g.capacity {
		elem := g.waiters.Front()
		g.waiters.Remove(elem)
		g.inUse++
		close(elem.Value.(chan struct{}))
	}
}

// Resize changes the capacity. It never interrupts current permit holders:
// a decrease lets excess permits drain on release, an increase wakes queued
// waiters immediately. Capacity below 1 is clamped to 1.
func (g *Gate) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	g.mu.Lock()
	g.capacity = capacity
	g.notifyLocked()
	g.mu.Unlock()
}

// Capacity returns the current permit ceiling.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// Available returns the number of permits that could be granted right now.
// Never negative, even while a capacity decrease is still draining.
func (g *Gate) Available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.capacity {
		return 0
	}
	return g.capacity - g.inUse
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// QueueLen returns the number of callers currently blocked in Acquire.
func (g *Gate) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
