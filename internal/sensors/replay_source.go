package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/motion"
)

// retryDelay is how long replay backs off when the session queue is full.
const retryDelay = time.Millisecond

// ReplaySource pushes recorded samples again, paced by their timestamps.
// A sample refused with motion.ErrQueueFull is retried, so nothing recorded
// is lost to a slow consumer.
type ReplaySource struct {
	samples []imu.RawSample
	caps    imu.Capabilities
	// Speed scales playback: 2 plays twice as fast, 0 as fast as possible.
	speed float64
}

func NewReplaySource(samples []imu.RawSample, caps imu.Capabilities, speed float64) (*ReplaySource, error) {
	if speed < 0 {
		return nil, fmt.Errorf("replay speed must be >= 0, got %v", speed)
	}
	return &ReplaySource{samples: samples, caps: caps, speed: speed}, nil
}

func (r *ReplaySource) Capabilities() imu.Capabilities { return r.caps }

// Len is the number of recorded samples.
func (r *ReplaySource) Len() int { return len(r.samples) }

// Run returns once every sample was pushed or ctx is cancelled. Errors from
// push other than motion.ErrQueueFull end the replay.
func (r *ReplaySource) Run(ctx context.Context, push PushFunc) error {
	if len(r.samples) == 0 {
		return nil
	}

	t0 := r.samples[0].Timestamp
	start := time.Now()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	wait := func(d time.Duration) bool {
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	for i, smp := range r.samples {
		if ctx.Err() != nil {
			return nil
		}
		if r.speed > 0 {
			due := time.Duration((smp.Timestamp - t0) / r.speed * float64(time.Second))
			if d := due - time.Since(start); d > 0 && !wait(d) {
				return nil
			}
		}
		for {
			err := push(smp)
			if err == nil {
				break
			}
			if !errors.Is(err, motion.ErrQueueFull) {
				return fmt.Errorf("replay sample %d: %w", i, err)
			}
			if !wait(retryDelay) {
				return nil
			}
		}
	}
	return nil
}
