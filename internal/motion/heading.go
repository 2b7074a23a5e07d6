package motion

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
)

// HeadingConfig tunes the heading uncertainty model. Angles are radians.
type HeadingConfig struct {
	// Floor is the smallest uncertainty reported after a correction.
	Floor float64
	// MinDriftRate (rad/s) is added to the gyro bias magnitude to get the
	// growth rate of the uncertainty between corrections.
	MinDriftRate float64
	// LowResidual is the largest correction residual that resets the
	// uncertainty.
	LowResidual float64
}

func DefaultHeadingConfig() HeadingConfig {
	return HeadingConfig{
		Floor:        0.02,
		MinDriftRate: 0.002,
		LowResidual:  0.1,
	}
}

func (c HeadingConfig) Validate() error {
	if !(c.Floor > 0) || c.Floor > math.Pi {
		return fmt.Errorf("heading floor must be in (0, π], got %v", c.Floor)
	}
	if !(c.MinDriftRate >= 0) {
		return fmt.Errorf("heading drift rate must be >= 0, got %v", c.MinDriftRate)
	}
	if !(c.LowResidual > 0) {
		return fmt.Errorf("heading low residual must be > 0, got %v", c.LowResidual)
	}
	return nil
}

// HeadingAccuracyTracker maintains a 1-sigma heading uncertainty. It grows
// linearly with sensor time since the last good magnetometer correction and
// resets when a correction agrees with the estimate.
type HeadingAccuracyTracker struct {
	cfg       HeadingConfig
	available bool

	mu          sync.Mutex
	have        bool
	corrections uint64
	sigmaAtFix  float64
	fixTime     float64
}

// NewHeadingAccuracyTracker reports HeadingUnavailable forever unless caps
// offers both a magnetometer and heading accuracy.
func NewHeadingAccuracyTracker(cfg HeadingConfig, caps imu.Capabilities) *HeadingAccuracyTracker {
	return &HeadingAccuracyTracker{
		cfg:       cfg,
		available: caps.Magnetometer && caps.HeadingAccuracy,
	}
}

// Observe updates the tracker from s and returns the current uncertainty.
// It returns HeadingUnavailable until the first magnetometer correction.
func (t *HeadingAccuracyTracker) Observe(s orientation.State) float64 {
	if !t.available {
		return HeadingUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// readers may pass states out of order; only a newer correction counts
	if s.MagCorrections > t.corrections {
		t.corrections = s.MagCorrections
		if s.LastMagResidual <= t.cfg.LowResidual {
			t.have = true
			t.sigmaAtFix = math.Max(t.cfg.Floor, s.LastMagResidual)
			t.fixTime = s.LastMagCorrectionTime
		}
	}
	if !t.have {
		return HeadingUnavailable
	}

	elapsed := math.Max(0, s.LastUpdateTime-t.fixTime)
	rate := t.cfg.MinDriftRate + r3.Norm(s.GyroBias)
	return math.Min(math.Pi, t.sigmaAtFix+rate*elapsed)
}

// Reset forgets every correction, as for a new session.
func (t *HeadingAccuracyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.have = false
	t.corrections = 0
	t.sigmaAtFix = 0
	t.fixTime = 0
}
