package orientation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

// minHorizontalFraction is the smallest horizontal share of the magnetic
// field that still defines a heading.
const minHorizontalFraction = 0.05

var up = r3.Vec{Z: 1}

// Config holds the filter gains and thresholds. Gains are rates in 1/s: a
// correction removes 1-exp(-gain·dt) of the current error.
type Config struct {
	// UseMagnetometer enables heading seeding and correction.
	UseMagnetometer bool

	ConvergingGain float64
	TrackingGain   float64

	// ConvergeThreshold (rad) must hold for ConvergeDuration (s) to enter Tracking.
	ConvergeThreshold float64
	ConvergeDuration  float64
	// ReconvergeThreshold (rad) sends Tracking back to Converging.
	ReconvergeThreshold float64

	// Accelerometer readings whose magnitude differs from Gravity by more
	// than AccelRejectThreshold (m/s²) carry too much user acceleration to
	// correct tilt.
	Gravity              float64
	AccelRejectThreshold float64

	// MaxGyroGap caps the integration step (s) after a sampling gap.
	MaxGyroGap float64

	// Stationary detection: accel magnitude variance ((m/s²)²) over the
	// window and gyro rate (rad/s) limits.
	StationaryVariance float64
	StationaryGyroMax  float64
	// BiasTimeConstant (s) of the gyro bias low-pass while stationary.
	BiasTimeConstant float64

	// MagFreshness (s) is how long a magnetometer correction keeps accuracy High.
	MagFreshness float64
	// MagSeedTimeout (s) after the first accelerometer sample, seeding
	// proceeds without heading if no magnetometer sample arrived.
	MagSeedTimeout float64
}

// DefaultConfig returns gains tuned for 50-200 Hz MEMS sensors.
func DefaultConfig() Config {
	return Config{
		UseMagnetometer:      true,
		ConvergingGain:       5.0,
		TrackingGain:         0.5,
		ConvergeThreshold:    0.05,
		ConvergeDuration:     0.5,
		ReconvergeThreshold:  0.35,
		Gravity:              imu.Gravity,
		AccelRejectThreshold: 2.0,
		MaxGyroGap:           0.2,
		StationaryVariance:   0.05,
		StationaryGyroMax:    0.1,
		BiasTimeConstant:     5.0,
		MagFreshness:         2.0,
		MagSeedTimeout:       1.0,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"converging gain", c.ConvergingGain},
		{"tracking gain", c.TrackingGain},
		{"converge threshold", c.ConvergeThreshold},
		{"reconverge threshold", c.ReconvergeThreshold},
		{"gravity", c.Gravity},
		{"accel reject threshold", c.AccelRejectThreshold},
		{"max gyro gap", c.MaxGyroGap},
		{"stationary variance", c.StationaryVariance},
		{"stationary gyro max", c.StationaryGyroMax},
		{"bias time constant", c.BiasTimeConstant},
		{"mag freshness", c.MagFreshness},
	}
	for _, p := range positive {
		if !(p.v > 0) || math.IsInf(p.v, 0) {
			return fmt.Errorf("%s must be > 0, got %v", p.name, p.v)
		}
	}
	if c.ConvergeDuration < 0 || c.MagSeedTimeout < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if c.ReconvergeThreshold <= c.ConvergeThreshold {
		return fmt.Errorf("reconverge threshold %v must exceed converge threshold %v",
			c.ReconvergeThreshold, c.ConvergeThreshold)
	}
	return nil
}

// Estimator is a complementary filter. It trusts the gyroscope short term and
// pulls the attitude toward gravity and magnetic north long term.
//
// The Estimator itself is immutable; all working data lives in State.
type Estimator struct {
	cfg Config
}

func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("estimator config: %w", err)
	}
	return &Estimator{cfg: cfg}, nil
}

func (e *Estimator) Config() Config { return e.cfg }

// Update folds one sample into s and returns the new state.
//
// Malformed samples return s unchanged with an error wrapping
// imu.ErrMalformedSample. If the attitude degenerates during the update, s
// is returned unchanged with an error wrapping
// rotation.ErrDegenerateQuaternion.
func (e *Estimator) Update(s State, sample imu.RawSample) (State, error) {
	if err := sample.Validate(); err != nil {
		return s, err
	}

	next := s
	if next.Quaternion == (rotation.Quaternion{}) {
		next.Quaternion = rotation.Identity()
	}

	var err error
	switch sample.Kind {
	case imu.KindGyroscope:
		err = e.updateGyro(&next, sample)
	case imu.KindAccelerometer:
		err = e.updateAccel(&next, sample)
	case imu.KindMagnetometer:
		err = e.updateMag(&next, sample)
	}
	if err != nil {
		return s, err
	}

	next.LastUpdateTime = math.Max(next.LastUpdateTime, sample.Timestamp)
	next.Accuracy = e.accuracy(next)
	return next, nil
}

func (e *Estimator) updateGyro(s *State, sample imu.RawSample) error {
	omega := sample.Values

	if !s.gyroSeen {
		s.gyroSeen = true
		s.lastGyroTime = sample.Timestamp
		return nil
	}
	dt := sample.Timestamp - s.lastGyroTime
	if dt <= 0 {
		return nil
	}
	s.lastGyroTime = sample.Timestamp
	dt = math.Min(dt, e.cfg.MaxGyroGap)

	e.learnBias(s, omega, dt)

	q, err := rotation.Integrate(s.Quaternion, r3.Sub(omega, s.GyroBias), dt)
	if err != nil {
		return fmt.Errorf("integrate gyro at %.6f: %w", sample.Timestamp, err)
	}
	s.Quaternion = q
	return nil
}

// learnBias moves the bias toward the raw rate while the device is still.
func (e *Estimator) learnBias(s *State, omega r3.Vec, dt float64) {
	if s.Phase == Uninitialized || !s.Stationary {
		return
	}
	if r3.Norm(r3.Sub(omega, s.GyroBias)) > e.cfg.StationaryGyroMax {
		return
	}
	alpha := 1 - math.Exp(-dt/e.cfg.BiasTimeConstant)
	s.GyroBias = r3.Add(s.GyroBias, r3.Scale(alpha, r3.Sub(omega, s.GyroBias)))
}

func (e *Estimator) updateAccel(s *State, sample imu.RawSample) error {
	a := sample.Values
	norm := r3.Norm(a)

	s.window.push(norm)
	s.Stationary = s.window.full() && s.window.variance() < e.cfg.StationaryVariance
	s.LastAccel = a
	s.HasAccel = true

	dt := e.sinceLast(&s.accelSeen, &s.lastAccelTime, sample.Timestamp)

	if s.Phase == Uninitialized {
		e.trySeed(s, sample.Timestamp)
		return nil
	}
	if norm < rotation.DegenerateNorm || math.Abs(norm-e.cfg.Gravity) > e.cfg.AccelRejectThreshold {
		return nil
	}

	au := r3.Scale(1/norm, a)
	v := s.Quaternion.Conj().Rotate(up)
	axis := r3.Cross(au, v)
	angle := math.Atan2(r3.Norm(axis), r3.Dot(au, v))

	f := e.fraction(s.Phase, dt)
	if f > 0 && angle > 0 {
		q, err := rotation.Multiply(s.Quaternion, rotation.FromAxisAngle(axis, f*angle)).Normalize()
		if err != nil {
			return fmt.Errorf("accel correction at %.6f: %w", sample.Timestamp, err)
		}
		s.Quaternion = q
	}

	s.accelErr = angle
	e.trackConvergence(s, sample.Timestamp)
	return nil
}

func (e *Estimator) updateMag(s *State, sample imu.RawSample) error {
	m := sample.Values
	s.LastMag = m
	s.HasMag = true

	dt := e.sinceLast(&s.magSeen, &s.lastMagTime, sample.Timestamp)

	if !e.cfg.UseMagnetometer {
		return nil
	}
	if s.Phase == Uninitialized {
		e.trySeed(s, sample.Timestamp)
		return nil
	}

	me := s.Quaternion.Rotate(m)
	if math.Hypot(me.X, me.Y) < minHorizontalFraction*r3.Norm(m) {
		return nil
	}
	residual := math.Atan2(me.Y, me.X)

	f := e.fraction(s.Phase, dt)
	if f > 0 {
		if residual != 0 {
			q, err := rotation.Multiply(rotation.FromAxisAngle(up, -f*residual), s.Quaternion).Normalize()
			if err != nil {
				return fmt.Errorf("mag correction at %.6f: %w", sample.Timestamp, err)
			}
			s.Quaternion = q
		}
		s.MagCorrections++
		s.LastMagCorrectionTime = sample.Timestamp
		s.LastMagResidual = math.Abs(residual)
	}

	s.magErr = math.Abs(residual)
	e.trackConvergence(s, sample.Timestamp)
	return nil
}

// sinceLast returns the time since the previous sample of the same kind,
// or 0 for the first one, and advances the per-kind clock.
func (e *Estimator) sinceLast(seen *bool, last *float64, ts float64) float64 {
	if !*seen {
		*seen = true
		*last = ts
		return 0
	}
	dt := ts - *last
	if dt <= 0 {
		return 0
	}
	*last = ts
	return math.Min(dt, e.cfg.MaxGyroGap)
}

func (e *Estimator) fraction(p Phase, dt float64) float64 {
	if dt <= 0 {
		return 0
	}
	gain := e.cfg.TrackingGain
	if p == Converging {
		gain = e.cfg.ConvergingGain
	}
	return 1 - math.Exp(-gain*dt)
}

// trySeed sets the initial attitude from gravity and, when enabled and
// available, the magnetometer heading.
func (e *Estimator) trySeed(s *State, ts float64) {
	if !s.HasAccel || r3.Norm(s.LastAccel) < rotation.DegenerateNorm {
		return
	}

	useMag := e.cfg.UseMagnetometer && s.HasMag
	if e.cfg.UseMagnetometer && !s.HasMag {
		if !s.seedWaiting {
			s.seedWaiting = true
			s.seedWaitStart = ts
		}
		if ts-s.seedWaitStart < e.cfg.MagSeedTimeout {
			return
		}
	}

	roll, pitch := Tilt(s.LastAccel)
	yaw := 0.0
	if useMag {
		if h, ok := HeadingFromMag(s.LastMag, roll, pitch); ok {
			yaw = h
			s.MagCorrections++
			s.LastMagCorrectionTime = ts
			s.LastMagResidual = 0
		}
	}

	s.Quaternion = rotation.FromEuler(roll, pitch, yaw)
	s.Phase = Converging
	s.below = false
	s.accelErr, s.magErr = 0, 0
}

func (e *Estimator) trackConvergence(s *State, ts float64) {
	errNorm := s.accelErr
	if e.cfg.UseMagnetometer {
		errNorm = math.Hypot(s.accelErr, s.magErr)
	}
	s.CorrectionError = errNorm

	switch s.Phase {
	case Converging:
		if errNorm >= e.cfg.ConvergeThreshold {
			s.below = false
			return
		}
		if !s.below {
			s.below = true
			s.belowSince = ts
		}
		if ts-s.belowSince >= e.cfg.ConvergeDuration {
			s.Phase = Tracking
		}
	case Tracking:
		if errNorm > e.cfg.ReconvergeThreshold {
			s.Phase = Converging
			s.below = false
		}
	}
}

func (e *Estimator) accuracy(s State) Accuracy {
	switch s.Phase {
	case Converging:
		return Low
	case Tracking:
		if !e.cfg.UseMagnetometer {
			return High
		}
		if s.MagCorrections > 0 && s.LastUpdateTime-s.LastMagCorrectionTime <= e.cfg.MagFreshness {
			return High
		}
		return Medium
	default:
		return Unreliable
	}
}

// IsRecoverable reports whether err is one of the per-sample errors Update
// returns, after which the session carries on.
func IsRecoverable(err error) bool {
	return errors.Is(err, imu.ErrMalformedSample) || errors.Is(err, rotation.ErrDegenerateQuaternion)
}
