package debugger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// PollInterval is how often Wait re-checks the gate.
var PollInterval = 100 * time.Millisecond

// DefaultMaxActive returns the process-wide bound on debuggers attached to crashed processes.
func DefaultMaxActive() int {
	return max(2, min(8, runtime.NumCPU()))
}

// Default is the gate shared by every manager in the process.
var Default = NewGate(DefaultMaxActive())

// Gate bounds how many interactive debuggers may be inspecting crashed processes at once.
// It is an admission counter, not a queue; waiters are not served in any particular order.
type Gate struct {
	max    int32
	active atomic.Int32
}

// NewGate creates a Gate admitting up to max debuggers.
func NewGate(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{max: int32(max)}
}

// Max returns the bound.
func (g *Gate) Max() int { return int(g.max) }

// Active returns the number of debuggers currently counted.
func (g *Gate) Active() int { return int(g.active.Load()) }

// Wait blocks while the gate is full. It does not take a slot.
func (g *Gate) Wait(ctx context.Context) error {
	for g.active.Load() >= g.max {
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// TryAcquire takes a slot if one is free and reports whether it did. Concurrent callers never
// push the counter above the bound. Every successful TryAcquire must be paired with exactly one
// Release.
func (g *Gate) TryAcquire() bool {
	for {
		cur := g.active.Load()
		if cur >= g.max {
			return false
		}
		if g.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release gives back a slot taken by TryAcquire. The counter never goes below zero.
func (g *Gate) Release() {
	for {
		cur := g.active.Load()
		if cur <= 0 {
			return
		}
		if g.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
