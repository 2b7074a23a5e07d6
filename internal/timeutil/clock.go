// Package timeutil provides a testable abstraction over wall-clock time.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides the time operations the fusion session depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering the time every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker holds a channel that delivers ticks at intervals.
type Ticker interface {
	// C returns the channel on which the ticks are delivered.
	C() <-chan time.Time

	// Stop turns off the ticker. No more ticks are delivered after Stop returns.
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewTicker returns a ticker backed by time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and fires every ticker whose
// deadline has passed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.checkAndFire(now)
	}
}

// NewTicker creates a ticker that fires on Advance.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// TickerCount returns the number of tickers that have not been stopped.
func (c *MockClock) TickerCount() int {
	c.mu.Lock()
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	n := 0
	for _, t := range tickers {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

// MockTicker is the Ticker returned by MockClock.
type MockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

// C returns the tick channel.
func (t *MockTicker) C() <-chan time.Time { return t.ch }

// Stop prevents further ticks.
func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *MockTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *MockTicker) checkAndFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.period <= 0 {
		return
	}
	for !now.Before(t.next) {
		// Like time.Ticker, slow readers lose ticks instead of blocking.
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}
