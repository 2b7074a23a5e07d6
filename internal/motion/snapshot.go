// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

// HeadingUnavailable is the HeadingAccuracy value when the platform cannot
// provide one.
const HeadingUnavailable = -1.0

// FrameLen is the number of values in a wire frame.
const FrameLen = 11

// Snapshot is one emitted motion estimate.
type Snapshot struct {
	Attitude         rotation.Quaternion `json:"attitude"`
	Gravity          r3.Vec              `json:"gravity"`
	UserAcceleration r3.Vec              `json:"user_acceleration"`
	// HeadingAccuracy is the 1-sigma heading uncertainty in radians, or
	// HeadingUnavailable.
	HeadingAccuracy float64 `json:"heading_accuracy"`

	Accuracy  orientation.Accuracy `json:"accuracy"`
	Timestamp float64              `json:"t"`
}

// Values returns the wire frame:
//
//	[qx, qy, qz, qw, gx, gy, gz, ax, ay, az, headingAccuracy]
func (s Snapshot) Values() [FrameLen]float64 {
	return [FrameLen]float64{
		s.Attitude.X, s.Attitude.Y, s.Attitude.Z, s.Attitude.W,
		s.Gravity.X, s.Gravity.Y, s.Gravity.Z,
		s.UserAcceleration.X, s.UserAcceleration.Y, s.UserAcceleration.Z,
		s.HeadingAccuracy,
	}
}

// FromValues decodes a wire frame. Accuracy and Timestamp are not part of
// the frame and stay zero.
func FromValues(v []float64) (Snapshot, error) {
	if len(v) != FrameLen {
		return Snapshot{}, fmt.Errorf("motion frame has %d values, want %d", len(v), FrameLen)
	}
	return Snapshot{
		Attitude:         rotation.Quaternion{X: v[0], Y: v[1], Z: v[2], W: v[3]},
		Gravity:          r3.Vec{X: v[4], Y: v[5], Z: v[6]},
		UserAcceleration: r3.Vec{X: v[7], Y: v[8], Z: v[9]},
		HeadingAccuracy:  v[10],
	}, nil
}

// HasHeadingAccuracy reports whether HeadingAccuracy carries a value.
func (s Snapshot) HasHeadingAccuracy() bool {
	return s.HeadingAccuracy >= 0
}

// Pose returns the attitude as Euler angles in degrees.
func (s Snapshot) Pose() orientation.Pose {
	return orientation.PoseFromQuaternion(s.Attitude)
}
