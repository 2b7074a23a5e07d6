package sensors

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// Simulated motion profiles.
const (
	ProfileStationary = "stationary"
	ProfileYaw        = "yaw"
	ProfileRocking    = "rocking"
)

// EarthField is the simulated magnetic field in the NWU frame, µT.
var EarthField = r3.Vec{X: 20, Y: 0, Z: -40}

const (
	simYaw        = 0.3  // rad, resting heading
	simYawRate    = 0.5  // rad/s for ProfileYaw
	simRockAmp    = 0.3  // rad of roll for ProfileRocking
	simRockFreq   = 0.25 // Hz
	gyroNoiseFrac = 0.1  // gyro noise relative to SimConfig.Noise
	magNoiseFrac  = 2.0
)

// SimConfig describes a simulated platform.
type SimConfig struct {
	Profile string
	Period  time.Duration
	// Noise is the accelerometer standard deviation in m/s². Gyroscope and
	// magnetometer noise are derived from it.
	Noise           float64
	Magnetometer    bool
	HeadingAccuracy bool
	Seed            int64
}

// Simulated generates samples for a known motion. It is deterministic for a
// given seed and not safe for concurrent use.
type Simulated struct {
	cfg   SimConfig
	clock timeutil.Clock
	rng   *rand.Rand
	step  int
}

func NewSimulated(cfg SimConfig, clock timeutil.Clock) (*Simulated, error) {
	switch cfg.Profile {
	case ProfileStationary, ProfileYaw, ProfileRocking:
	default:
		return nil, fmt.Errorf("unknown simulation profile %q", cfg.Profile)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("simulation period must be > 0, got %v", cfg.Period)
	}
	if cfg.Noise < 0 {
		return nil, fmt.Errorf("simulation noise must be >= 0, got %v", cfg.Noise)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seed := uint64(cfg.Seed)
	return &Simulated{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (s *Simulated) Capabilities() imu.Capabilities {
	return imu.Capabilities{
		Gyroscope:       true,
		Accelerometer:   true,
		Magnetometer:    s.cfg.Magnetometer,
		HeadingAccuracy: s.cfg.Magnetometer && s.cfg.HeadingAccuracy,
	}
}

// Truth returns the simulated attitude and body angular velocity at t.
func (s *Simulated) Truth(t float64) (rotation.Quaternion, r3.Vec) {
	switch s.cfg.Profile {
	case ProfileYaw:
		return rotation.FromEuler(0, 0, rotation.WrapAngle(simYaw+simYawRate*t)), r3.Vec{Z: simYawRate}
	case ProfileRocking:
		w := 2 * math.Pi * simRockFreq
		roll := simRockAmp * math.Sin(w*t)
		return rotation.FromEuler(roll, 0, simYaw), r3.Vec{X: simRockAmp * w * math.Cos(w*t)}
	default:
		return rotation.FromEuler(0, 0, simYaw), r3.Vec{}
	}
}

func (s *Simulated) noisy(v r3.Vec, std float64) r3.Vec {
	if std == 0 {
		return v
	}
	return r3.Vec{
		X: v.X + s.rng.NormFloat64()*std,
		Y: v.Y + s.rng.NormFloat64()*std,
		Z: v.Z + s.rng.NormFloat64()*std,
	}
}

// Next returns the samples of the next step, gyroscope first. Timestamps
// start at one period.
func (s *Simulated) Next() []imu.RawSample {
	s.step++
	t := float64(s.step) * s.cfg.Period.Seconds()
	q, omega := s.Truth(t)
	inv := q.Conj()

	gyro := s.noisy(omega, s.cfg.Noise*gyroNoiseFrac)
	accel := s.noisy(inv.Rotate(r3.Vec{Z: imu.Gravity}), s.cfg.Noise)

	out := []imu.RawSample{
		{Kind: imu.KindGyroscope, Timestamp: t, Values: gyro},
		{Kind: imu.KindAccelerometer, Timestamp: t, Values: accel},
	}
	if s.cfg.Magnetometer {
		mag := s.noisy(inv.Rotate(EarthField), s.cfg.Noise*magNoiseFrac)
		out = append(out, imu.RawSample{Kind: imu.KindMagnetometer, Timestamp: t, Values: mag})
	}
	return out
}

// NextRaw returns the next step as an IMURaw record in counts, as an IMU
// producer would publish it.
func (s *Simulated) NextRaw(name string, scale imu.Scale) imu.IMURaw {
	rec := imu.IMURaw{Source: name}
	for _, smp := range s.Next() {
		rec.Time = smp.Timestamp
		v := smp.Values
		switch smp.Kind {
		case imu.KindGyroscope:
			rec.Gx, rec.Gy, rec.Gz = scale.GyroCounts(v.X), scale.GyroCounts(v.Y), scale.GyroCounts(v.Z)
		case imu.KindAccelerometer:
			rec.Ax, rec.Ay, rec.Az = scale.AccelCounts(v.X), scale.AccelCounts(v.Y), scale.AccelCounts(v.Z)
		case imu.KindMagnetometer:
			rec.Mx, rec.My, rec.Mz = scale.MagCounts(v.X), scale.MagCounts(v.Y), scale.MagCounts(v.Z)
		}
	}
	return rec
}

// Run pushes one step per period until ctx is cancelled.
func (s *Simulated) Run(ctx context.Context, push PushFunc) error {
	ticker := s.clock.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			for _, smp := range s.Next() {
				_ = push(smp)
			}
		}
	}
}
