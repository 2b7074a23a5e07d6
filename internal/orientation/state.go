// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

// Phase is the estimator state machine position.
type Phase int

const (
	Uninitialized Phase = iota
	Converging
	Tracking
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Converging:
		return "converging"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Accuracy is the coarse confidence attached to every estimate.
type Accuracy int

const (
	Unreliable Accuracy = iota
	Low
	Medium
	High
)

func (a Accuracy) String() string {
	switch a {
	case Unreliable:
		return "unreliable"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("accuracy(%d)", int(a))
	}
}

// ParseAccuracy accepts the names printed by Accuracy.String.
func ParseAccuracy(s string) (Accuracy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unreliable":
		return Unreliable, nil
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return Unreliable, fmt.Errorf("unknown accuracy %q", s)
}

// stationaryWindow is the number of accelerometer magnitudes kept for
// stationary detection.
const stationaryWindow = 32

type magnitudeWindow struct {
	values [stationaryWindow]float64
	n      int
	next   int
}

func (w *magnitudeWindow) push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % stationaryWindow
	if w.n < stationaryWindow {
		w.n++
	}
}

func (w *magnitudeWindow) full() bool { return w.n == stationaryWindow }

func (w *magnitudeWindow) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return stat.Variance(w.values[:w.n], nil)
}

// State is the filter working state. It is a plain value: Estimator.Update
// returns a new State and never keeps a reference to the one passed in.
type State struct {
	Quaternion     rotation.Quaternion `json:"quaternion"`
	GyroBias       r3.Vec              `json:"gyro_bias"`
	LastUpdateTime float64             `json:"last_update_time"`
	Accuracy       Accuracy            `json:"accuracy"`
	Phase          Phase               `json:"phase"`

	// Latest calibrated readings, used to split gravity from user acceleration.
	LastAccel r3.Vec `json:"last_accel"`
	HasAccel  bool   `json:"has_accel"`
	LastMag   r3.Vec `json:"last_mag"`
	HasMag    bool   `json:"has_mag"`

	// CorrectionError is the latest corrective error norm in radians.
	CorrectionError float64 `json:"correction_error"`
	Stationary      bool    `json:"stationary"`

	MagCorrections        uint64  `json:"mag_corrections"`
	LastMagCorrectionTime float64 `json:"last_mag_correction_time"`
	LastMagResidual       float64 `json:"last_mag_residual"`

	lastGyroTime  float64
	lastAccelTime float64
	lastMagTime   float64
	gyroSeen      bool
	accelSeen     bool
	magSeen       bool

	accelErr float64
	magErr   float64

	belowSince    float64
	below         bool
	seedWaitStart float64
	seedWaiting   bool

	window magnitudeWindow
}

// NewState returns the state of a fresh session: identity attitude, no bias.
func NewState() State {
	return State{
		Quaternion: rotation.Identity(),
		Phase:      Uninitialized,
		Accuracy:   Unreliable,
	}
}

// Pose returns the attitude in degrees.
func (s State) Pose() Pose {
	return PoseFromQuaternion(s.Quaternion)
}
