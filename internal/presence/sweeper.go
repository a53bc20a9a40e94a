package presence

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweeper runs the periodic idle sweep for a Coordinator.
type sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	stop        chan struct{}
	running     atomic.Bool
}

func newSweeper(c *Coordinator) *sweeper {
	return &sweeper{
		coordinator: c,
		interval:    15 * time.Second,
		stop:        make(chan struct{}),
	}
}

// Start begins the sweep loop in its own goroutine. Starting twice is a
// no-op.
func (w *sweeper) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer w.running.Store(false)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.safeSweep()
			}
		}
	}()
}

// Stop signals the sweep loop to stop.
func (w *sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in presence sweep", "panic", fmt.Sprint(r))
		}
	}()
	w.coordinator.markIdle()
}
