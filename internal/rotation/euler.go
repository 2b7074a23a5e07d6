package rotation

import "math"

// Euler holds aerospace (ZYX) angles in radians.
type Euler struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// FromEuler builds the quaternion for yaw about Z, then pitch about Y,
// then roll about X.
func FromEuler(roll, pitch, yaw float64) Quaternion {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// ToEuler converts unit q to aerospace angles. The pitch arcsine argument is
// clamped to [-1, 1] so attitudes next to gimbal lock stay finite.
func (q Quaternion) ToEuler() Euler {
	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	sinp = math.Max(-1, math.Min(1, sinp))
	pitch := math.Asin(sinp)

	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))

	return Euler{Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Degrees returns the angles converted to degrees.
func (e Euler) Degrees() Euler {
	const k = 180.0 / math.Pi
	return Euler{Roll: e.Roll * k, Pitch: e.Pitch * k, Yaw: e.Yaw * k}
}

// WrapAngle maps a into (-π, π].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
