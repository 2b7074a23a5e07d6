package imu

import (
	"fmt"
	"math"
)

const (
	// Gravity is the reference gravity magnitude in m/s².
	Gravity = 9.81

	// MagCountsPerMicroTesla matches the µT×10 int16 convention of IMURaw.
	MagCountsPerMicroTesla = 10.0

	fullScaleCounts = 32768.0
)

// Full-scale ranges selectable on MPU-9250 class IMUs, indexed by the range code.
var (
	AccelRangesG     = [4]float64{2, 4, 8, 16}
	GyroRangesDegSec = [4]float64{250, 500, 1000, 2000}
)

// DegToRad converts degrees (or deg/s) to radians (or rad/s).
func DegToRad(d float64) float64 { return d * math.Pi / 180 }

// GToMS2 converts an acceleration in g to m/s².
func GToMS2(g float64) float64 { return g * Gravity }

// Scale converts raw int16 counts to SI units.
type Scale struct {
	accelPerCount float64
	gyroPerCount  float64
	magPerCount   float64
}

// NewScale builds a Scale for the given accelerometer and gyroscope range
// codes (0-3, see AccelRangesG and GyroRangesDegSec).
func NewScale(accelRange, gyroRange byte) (Scale, error) {
	if int(accelRange) >= len(AccelRangesG) {
		return Scale{}, fmt.Errorf("accel range code must be 0-3, got %d", accelRange)
	}
	if int(gyroRange) >= len(GyroRangesDegSec) {
		return Scale{}, fmt.Errorf("gyro range code must be 0-3, got %d", gyroRange)
	}
	return Scale{
		accelPerCount: GToMS2(AccelRangesG[accelRange]) / fullScaleCounts,
		gyroPerCount:  DegToRad(GyroRangesDegSec[gyroRange]) / fullScaleCounts,
		magPerCount:   1 / MagCountsPerMicroTesla,
	}, nil
}

// Accel converts accelerometer counts to m/s².
func (s Scale) Accel(counts int16) float64 { return float64(counts) * s.accelPerCount }

// Gyro converts gyroscope counts to rad/s.
func (s Scale) Gyro(counts int16) float64 { return float64(counts) * s.gyroPerCount }

// Mag converts magnetometer counts (µT×10) to µT.
func (s Scale) Mag(counts int16) float64 { return float64(counts) * s.magPerCount }

func toCounts(v float64) int16 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// AccelCounts converts m/s² back to saturated accelerometer counts.
func (s Scale) AccelCounts(v float64) int16 { return toCounts(v / s.accelPerCount) }

// GyroCounts converts rad/s back to saturated gyroscope counts.
func (s Scale) GyroCounts(v float64) int16 { return toCounts(v / s.gyroPerCount) }

// MagCounts converts µT back to saturated magnetometer counts.
func (s Scale) MagCounts(v float64) int16 { return toCounts(v / s.magPerCount) }
