// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration reads, writes and applies IMU calibration files.
//
// Values are stored in RAW UNITS (counts), matching the IMURaw records the
// calibration was captured from:
//
//	CorrectedGyroAxis  = raw - bias
//	CorrectedAccelAxis = (raw - bias) / scale
//	CorrectedMagAxis   = (raw - offset) / scale
//
// Corrector converts them to SI with an imu.Scale so they can be applied to
// RawSamples.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/motion_fusion/internal/imu"
)

// SchemaVersion is the calibration file version written by this package.
const SchemaVersion = 1

// Stillness thresholds on the per-axis standard deviation, in counts.
const (
	stillStdGood = 3.0
	stillStdBad  = 12.0
	confFloor    = 0.05
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) r3() r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }

type PhaseStats struct {
	Samples     int     `json:"samples"`
	DurationSec float64 `json:"duration_sec"`
	Mean        Vec3    `json:"mean"`
	StdDev      Vec3    `json:"stddev"`
	Min         Vec3    `json:"min"`
	Max         Vec3    `json:"max"`
}

type Result struct {
	SchemaVersion int    `json:"schema_version"`
	CalibrationAt string `json:"calibration_at"` // RFC3339
	IMU           string `json:"imu"`

	GyroBiasFinal Vec3 `json:"gyro_bias_final"`

	AccelBias  Vec3 `json:"accel_bias"`
	AccelScale Vec3 `json:"accel_scale"`

	MagOffset Vec3 `json:"mag_offset"`
	MagScale  Vec3 `json:"mag_scale"`

	Confidence struct {
		GyroStatic float64 `json:"gyro_static"`
		Mag        float64 `json:"mag"`
		Overall    float64 `json:"overall"`
	} `json:"confidence"`

	GyroStaticStats PhaseStats `json:"gyro_static_stats"`
	MagStats        PhaseStats `json:"mag_stats"`

	Notes []string `json:"notes,omitempty"`
}

// New returns an empty result stamped with t.
func New(imuName string, t time.Time) *Result {
	return &Result{
		SchemaVersion: SchemaVersion,
		CalibrationAt: t.Format(time.RFC3339),
		IMU:           imuName,
		AccelScale:    Vec3{X: 1, Y: 1, Z: 1},
		MagScale:      Vec3{X: 1, Y: 1, Z: 1},
	}
}

// Load reads a calibration file. Fields the file omits keep neutral values.
func Load(path string) (*Result, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	res := New("", time.Time{})
	res.SchemaVersion = 0
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("parse calibration file %s: %w", path, err)
	}
	if res.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("calibration file %s: unsupported schema_version %d", path, res.SchemaVersion)
	}
	return res, nil
}

// Save writes the result as indented JSON, creating the parent directory.
func (r *Result) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration file: %w", err)
	}
	return nil
}

// Corrector applies a calibration to SI-unit samples.
type Corrector struct {
	gyroBias   r3.Vec
	accelBias  r3.Vec
	accelScale r3.Vec
	magOffset  r3.Vec
	magScale   r3.Vec
}

func nonZero(v Vec3) r3.Vec {
	out := v.r3()
	if out.X == 0 {
		out.X = 1
	}
	if out.Y == 0 {
		out.Y = 1
	}
	if out.Z == 0 {
		out.Z = 1
	}
	return out
}

// Corrector converts the count-based calibration with s.
func (r *Result) Corrector(s imu.Scale) Corrector {
	// Offsets are counts; Scale converts one count at a time, which is linear.
	perGyro := s.Gyro(1)
	perAccel := s.Accel(1)
	perMag := s.Mag(1)
	return Corrector{
		gyroBias:   r3.Scale(perGyro, r.GyroBiasFinal.r3()),
		accelBias:  r3.Scale(perAccel, r.AccelBias.r3()),
		accelScale: nonZero(r.AccelScale),
		magOffset:  r3.Scale(perMag, r.MagOffset.r3()),
		magScale:   nonZero(r.MagScale),
	}
}

func divElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X / b.X, Y: a.Y / b.Y, Z: a.Z / b.Z}
}

// Apply returns the corrected sample. Unknown kinds pass through unchanged.
func (c Corrector) Apply(s imu.RawSample) imu.RawSample {
	switch s.Kind {
	case imu.KindGyroscope:
		s.Values = r3.Sub(s.Values, c.gyroBias)
	case imu.KindAccelerometer:
		s.Values = divElem(r3.Sub(s.Values, c.accelBias), c.accelScale)
	case imu.KindMagnetometer:
		s.Values = divElem(r3.Sub(s.Values, c.magOffset), c.magScale)
	}
	return s
}

// StatsOf summarises a capture of per-axis values.
func StatsOf(values []r3.Vec, duration time.Duration) PhaseStats {
	ps := PhaseStats{Samples: len(values), DurationSec: duration.Seconds()}
	if len(values) == 0 {
		return ps
	}

	xs := make([]float64, len(values))
	ys := make([]float64, len(values))
	zs := make([]float64, len(values))
	for i, v := range values {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}

	axis := func(a []float64) (mean, std, lo, hi float64) {
		mean, std = stat.MeanStdDev(a, nil)
		if math.IsNaN(std) {
			std = 0
		}
		lo, hi = a[0], a[0]
		for _, v := range a[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		return mean, std, lo, hi
	}

	ps.Mean.X, ps.StdDev.X, ps.Min.X, ps.Max.X = axis(xs)
	ps.Mean.Y, ps.StdDev.Y, ps.Min.Y, ps.Max.Y = axis(ys)
	ps.Mean.Z, ps.StdDev.Z, ps.Min.Z, ps.Max.Z = axis(zs)
	return ps
}

// StillnessConfidence maps the worst per-axis deviation to [confFloor, 1].
func StillnessConfidence(std Vec3) float64 {
	worst := math.Max(std.X, math.Max(std.Y, std.Z))
	switch {
	case worst <= stillStdGood:
		return 1
	case worst >= stillStdBad:
		return confFloor
	}
	c := 1 - (worst-stillStdGood)/(stillStdBad-stillStdGood)
	return math.Max(confFloor, c)
}

// ApplyGyroStatic records a still-capture as the gyro bias.
func (r *Result) ApplyGyroStatic(ps PhaseStats) {
	r.GyroStaticStats = ps
	r.GyroBiasFinal = ps.Mean
	r.Confidence.GyroStatic = StillnessConfidence(ps.StdDev)
	r.updateOverall()
}

// ApplyMagMinMax derives hard-iron offset and diagonal soft-iron scale from
// the extremes of a 3D rotation capture. Confidence reflects how even the
// three axis ranges are.
func (r *Result) ApplyMagMinMax(ps PhaseStats) error {
	rx := (ps.Max.X - ps.Min.X) / 2
	ry := (ps.Max.Y - ps.Min.Y) / 2
	rz := (ps.Max.Z - ps.Min.Z) / 2
	if rx <= 0 || ry <= 0 || rz <= 0 {
		return fmt.Errorf("mag capture did not cover all axes (ranges %.1f, %.1f, %.1f)", rx, ry, rz)
	}
	avg := (rx + ry + rz) / 3

	r.MagStats = ps
	r.MagOffset = Vec3{
		X: (ps.Max.X + ps.Min.X) / 2,
		Y: (ps.Max.Y + ps.Min.Y) / 2,
		Z: (ps.Max.Z + ps.Min.Z) / 2,
	}
	r.MagScale = Vec3{X: rx / avg, Y: ry / avg, Z: rz / avg}

	spread := (math.Max(rx, math.Max(ry, rz)) - math.Min(rx, math.Min(ry, rz))) / avg
	r.Confidence.Mag = math.Max(confFloor, 1-spread)
	r.updateOverall()
	return nil
}

func (r *Result) updateOverall() {
	switch {
	case r.Confidence.GyroStatic > 0 && r.Confidence.Mag > 0:
		r.Confidence.Overall = math.Sqrt(r.Confidence.GyroStatic * r.Confidence.Mag)
	case r.Confidence.GyroStatic > 0:
		r.Confidence.Overall = r.Confidence.GyroStatic
	default:
		r.Confidence.Overall = r.Confidence.Mag
	}
}
