package orientation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

// Pose is the Euler view of an attitude, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// PoseFromQuaternion converts an attitude to degrees.
func PoseFromQuaternion(q rotation.Quaternion) Pose {
	e := q.ToEuler().Degrees()
	return Pose{Roll: e.Roll, Pitch: e.Pitch, Yaw: e.Yaw}
}

// Tilt returns roll and pitch in radians from a gravity reading.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func Tilt(a r3.Vec) (roll, pitch float64) {
	roll = math.Atan2(a.Y, a.Z)
	pitch = math.Atan2(-a.X, math.Sqrt(a.Y*a.Y+a.Z*a.Z))
	return roll, pitch
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only
// (any unit). Yaw is 0.
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	roll, pitch := Tilt(r3.Vec{X: ax, Y: ay, Z: az})
	return Pose{
		Roll:  roll * 180.0 / math.Pi,
		Pitch: pitch * 180.0 / math.Pi,
	}
}

// HeadingFromMag returns the yaw (radians) that aligns the horizontal
// projection of the body-frame field m with the reference x axis, given the
// tilt. ok is false when the field has no usable horizontal component.
func HeadingFromMag(m r3.Vec, roll, pitch float64) (yaw float64, ok bool) {
	h := rotation.FromEuler(roll, pitch, 0).Rotate(m)
	if math.Hypot(h.X, h.Y) < minHorizontalFraction*r3.Norm(m) {
		return 0, false
	}
	return -math.Atan2(h.Y, h.X), true
}
