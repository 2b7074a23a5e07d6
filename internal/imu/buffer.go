package imu

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrLateSample is returned by Push for samples older than what has already
// been released to the estimator.
var ErrLateSample = errors.New("late sample")

// BufferStats counts what happened to pushed samples.
type BufferStats struct {
	Accepted  uint64 `json:"accepted"`
	Late      uint64 `json:"late"`
	Overflow  uint64 `json:"overflow"`
	Malformed uint64 `json:"malformed"`
}

// SampleBuffer holds raw samples in timestamp order until they are old enough
// to be released. Samples from separate sensors can arrive out of order; the
// reorder window is how long a sample is held back waiting for stragglers.
// Timestamps are taken as given; zero is a valid time.
type SampleBuffer struct {
	mu sync.Mutex

	window   float64
	capacity int

	pending   []RawSample
	newest    float64
	watermark float64
	released  bool

	stats BufferStats
}

// NewSampleBuffer creates a buffer holding at most capacity samples.
// A zero reorderWindow releases every sample on the next Release call.
func NewSampleBuffer(capacity int, reorderWindow time.Duration) (*SampleBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
	}
	if reorderWindow < 0 {
		return nil, fmt.Errorf("invalid reorder window %v", reorderWindow)
	}
	return &SampleBuffer{
		window:   reorderWindow.Seconds(),
		capacity: capacity,
		pending:  make([]RawSample, 0, capacity),
	}, nil
}

// Push validates s and inserts it in timestamp order. Samples with equal
// timestamps keep their arrival order. When the buffer is full the oldest
// pending sample is discarded.
func (b *SampleBuffer) Push(s RawSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.Validate(); err != nil {
		b.stats.Malformed++
		return err
	}
	if b.released && s.Timestamp < b.watermark {
		b.stats.Late++
		return fmt.Errorf("%w: %s at %.6f before %.6f", ErrLateSample, s.Kind, s.Timestamp, b.watermark)
	}

	if len(b.pending) >= b.capacity {
		b.pending = b.pending[1:]
		b.stats.Overflow++
	}

	i := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].Timestamp > s.Timestamp
	})
	b.pending = slices.Insert(b.pending, i, s)
	if s.Timestamp > b.newest {
		b.newest = s.Timestamp
	}
	b.stats.Accepted++
	return nil
}

// Release returns, in order, every sample at least one reorder window older
// than the newest pushed sample.
func (b *SampleBuffer) Release() []RawSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.newest - b.window
	n := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].Timestamp > cutoff
	})
	return b.take(n)
}

// Flush returns every pending sample regardless of the reorder window.
func (b *SampleBuffer) Flush() []RawSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(len(b.pending))
}

func (b *SampleBuffer) take(n int) []RawSample {
	if n == 0 {
		return nil
	}
	out := make([]RawSample, n)
	copy(out, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)

	b.watermark = out[n-1].Timestamp
	b.released = true
	return out
}

// Clear drops every pending sample and forgets the release watermark.
func (b *SampleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = b.pending[:0]
	b.newest = 0
	b.watermark = 0
	b.released = false
}

// Len returns the number of pending samples.
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns a copy of the counters.
func (b *SampleBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
