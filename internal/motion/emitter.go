package motion

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// Emitter hands out snapshots at a fixed cadence, or once per estimator
// update when the period is zero. Each call to Next samples the latest
// state; updates arriving between two calls are not queued.
//
// An Emitter cannot be restarted. After Stop, Next returns ErrEmitterStopped.
type Emitter struct {
	ticker  timeutil.Ticker
	updates <-chan struct{}
	latest  func() (Snapshot, bool)

	done     chan struct{}
	stopOnce sync.Once
}

// newEmitter builds an emitter reading snapshots from latest. latest returns
// false for snapshots that must be skipped. With period <= 0 the emitter
// waits on updates instead of a ticker.
func newEmitter(clock timeutil.Clock, period time.Duration, updates <-chan struct{}, latest func() (Snapshot, bool)) *Emitter {
	e := &Emitter{
		latest: latest,
		done:   make(chan struct{}),
	}
	if period > 0 {
		e.ticker = clock.NewTicker(period)
	} else {
		e.updates = updates
	}
	return e
}

// Next blocks until the next emission and returns its snapshot.
func (e *Emitter) Next(ctx context.Context) (Snapshot, error) {
	var tick <-chan time.Time
	if e.ticker != nil {
		tick = e.ticker.C()
	}

	for {
		select {
		case <-e.done:
			return Snapshot{}, ErrEmitterStopped
		default:
		}

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-e.done:
			return Snapshot{}, ErrEmitterStopped
		case <-tick:
		case <-e.updates:
		}

		if snap, ok := e.latest(); ok {
			return snap, nil
		}
	}
}

// All returns the emission sequence. It ends when ctx is cancelled or the
// emitter is stopped.
func (e *Emitter) All(ctx context.Context) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for {
			snap, err := e.Next(ctx)
			if err != nil || !yield(snap) {
				return
			}
		}
	}
}

// Stop ends the sequence and releases the ticker. It is safe to call more
// than once.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		if e.ticker != nil {
			e.ticker.Stop()
		}
		close(e.done)
	})
}

// Done is closed once the emitter is stopped.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}
