// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedSample marks a sample that cannot be fused. Such samples are
// dropped without touching the orientation state.
var ErrMalformedSample = errors.New("malformed sample")

// Kind identifies the sensor that produced a RawSample.
type Kind int

const (
	KindUnknown Kind = iota
	KindGyroscope
	KindAccelerometer
	KindMagnetometer
)

func (k Kind) String() string {
	switch k {
	case KindGyroscope:
		return "gyroscope"
	case KindAccelerometer:
		return "accelerometer"
	case KindMagnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the full sensor name or its first letter.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gyroscope", "gyro", "g":
		return KindGyroscope, nil
	case "accelerometer", "accel", "a":
		return KindAccelerometer, nil
	case "magnetometer", "mag", "m":
		return KindMagnetometer, nil
	}
	return KindUnknown, fmt.Errorf("unknown sensor kind %q", s)
}

// RawSample is one timestamped sensor reading in SI units:
// rad/s for the gyroscope, m/s² for the accelerometer and µT for the
// magnetometer. Timestamp is monotonic seconds.
type RawSample struct {
	Kind      Kind    `json:"kind"`
	Timestamp float64 `json:"t"`
	Values    r3.Vec  `json:"values"`
}

// NewSample builds a RawSample from its components.
func NewSample(kind Kind, timestamp, x, y, z float64) RawSample {
	return RawSample{Kind: kind, Timestamp: timestamp, Values: r3.Vec{X: x, Y: y, Z: z}}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate returns an error wrapping ErrMalformedSample when the sample has an
// unknown kind, a non-finite or negative timestamp, or non-finite values.
func (s RawSample) Validate() error {
	switch s.Kind {
	case KindGyroscope, KindAccelerometer, KindMagnetometer:
	default:
		return fmt.Errorf("%w: %v", ErrMalformedSample, s.Kind)
	}
	if !finite(s.Timestamp) || s.Timestamp < 0 {
		return fmt.Errorf("%w: %s timestamp %v", ErrMalformedSample, s.Kind, s.Timestamp)
	}
	if !finite(s.Values.X) || !finite(s.Values.Y) || !finite(s.Values.Z) {
		return fmt.Errorf("%w: %s values (%v, %v, %v)", ErrMalformedSample, s.Kind, s.Values.X, s.Values.Y, s.Values.Z)
	}
	return nil
}
