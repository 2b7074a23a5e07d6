package motion

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

// GravityExtractor splits an accelerometer reading into the gravity
// component implied by the attitude and the remaining user acceleration.
type GravityExtractor struct {
	// Gravity is the reference magnitude in the accelerometer's unit.
	Gravity float64
}

// Extract rotates the reference gravity (0, 0, Gravity) into the sensor
// frame with the inverse of q and subtracts it from accel.
func (g GravityExtractor) Extract(q rotation.Quaternion, accel r3.Vec) (gravity, user r3.Vec) {
	gravity = q.Conj().Rotate(r3.Vec{Z: g.Gravity})
	return gravity, r3.Sub(accel, gravity)
}
