// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package rotation is the quaternion kernel used by the fusion filter.
//
// A Quaternion describes the attitude of the sensor frame relative to the
// reference frame: Rotate maps a sensor-frame vector into the reference frame
// and Conj(q).Rotate maps it back.
package rotation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DegenerateNorm is the smallest norm Normalize accepts.
const DegenerateNorm = 1e-9

// ErrDegenerateQuaternion is returned when a quaternion is too close to zero
// to be normalized. The accompanying value is always Identity().
var ErrDegenerateQuaternion = errors.New("degenerate quaternion")

// Quaternion is stored as (w, x, y, z) with w the scalar part.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity returns the zero rotation.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Norm returns the Euclidean norm of q.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.number())
}

// IsFinite reports whether every component is a finite number.
func (q Quaternion) IsFinite() bool {
	for _, v := range [4]float64{q.W, q.X, q.Y, q.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Normalize scales q to unit length. Quaternions with a norm below
// DegenerateNorm, or with non-finite components, yield Identity and
// ErrDegenerateQuaternion.
func (q Quaternion) Normalize() (Quaternion, error) {
	if !q.IsFinite() {
		return Identity(), ErrDegenerateQuaternion
	}
	n := q.Norm()
	if n < DegenerateNorm {
		return Identity(), ErrDegenerateQuaternion
	}
	return fromNumber(quat.Scale(1/n, q.number())), nil
}

// Conj returns the conjugate, which is the inverse rotation for unit q.
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Multiply returns the Hamilton product a*b: the rotation b followed by a
// when both are expressed in the reference frame.
func Multiply(a, b Quaternion) Quaternion {
	return fromNumber(quat.Mul(a.number(), b.number()))
}

// Dot returns the four-dimensional dot product of a and b.
func Dot(a, b Quaternion) float64 {
	return a.W*b.W + a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// Rotate applies q to v (q v q*). q is assumed to be unit length.
func (q Quaternion) Rotate(v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	n := q.number()
	r := quat.Mul(quat.Mul(n, p), quat.Conj(n))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// FromAxisAngle builds the rotation of angle radians about axis.
// A zero axis returns Identity.
func FromAxisAngle(axis r3.Vec, angle float64) Quaternion {
	n := r3.Norm(axis)
	if n < DegenerateNorm {
		return Identity()
	}
	s := math.Sin(angle/2) / n
	return Quaternion{
		W: math.Cos(angle / 2),
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
	}
}

// Angle returns the rotation angle of unit q in [0, π].
func (q Quaternion) Angle() float64 {
	w := math.Abs(q.W)
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

// Integrate advances q by the body-frame angular velocity omega (rad/s)
// over dt seconds using the first-order delta (1, ω·dt/2) and renormalizes.
// If the product degenerates the result is Identity and ErrDegenerateQuaternion.
func Integrate(q Quaternion, omega r3.Vec, dt float64) (Quaternion, error) {
	half := dt / 2
	delta := Quaternion{W: 1, X: omega.X * half, Y: omega.Y * half, Z: omega.Z * half}
	return Multiply(q, delta).Normalize()
}

// Slerp interpolates between a and b along the shorter arc. t is clamped to
// [0, 1]. Nearly parallel inputs fall back to normalized linear interpolation.
func Slerp(a, b Quaternion, t float64) Quaternion {
	t = math.Max(0, math.Min(1, t))

	d := Dot(a, b)
	if d < 0 {
		b = Quaternion{W: -b.W, X: -b.X, Y: -b.Y, Z: -b.Z}
		d = -d
	}

	var wa, wb float64
	if d > 0.9995 {
		wa, wb = 1-t, t
	} else {
		theta := math.Acos(d)
		sinTheta := math.Sin(theta)
		wa = math.Sin((1-t)*theta) / sinTheta
		wb = math.Sin(t*theta) / sinTheta
	}

	out := fromNumber(quat.Add(quat.Scale(wa, a.number()), quat.Scale(wb, b.number())))
	n, err := out.Normalize()
	if err != nil {
		return a
	}
	return n
}
