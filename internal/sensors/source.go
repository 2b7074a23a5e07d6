// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors holds the producers that feed RawSamples into a motion
// session: a simulated platform, an MQTT IMURaw subscriber, a serial line
// feed and a replay of a recorded session.
package sensors

import (
	"context"

	"github.com/relabs-tech/motion_fusion/internal/calibration"
	"github.com/relabs-tech/motion_fusion/internal/imu"
)

// PushFunc hands one sample to the consumer. It must not block; a non-nil
// error means the sample was not taken.
type PushFunc func(imu.RawSample) error

// Source delivers samples until its context is cancelled or its input ends.
// push may be called from any goroutine. Live sources drop what push
// refuses; recorded ones may retry.
type Source interface {
	Capabilities() imu.Capabilities
	Run(ctx context.Context, push PushFunc) error
}

// Converter turns IMURaw records into calibrated SI samples.
type Converter struct {
	scale     imu.Scale
	corrector *calibration.Corrector
}

// NewConverter builds a converter for scale. cal may be nil.
func NewConverter(scale imu.Scale, cal *calibration.Result) Converter {
	c := Converter{scale: scale}
	if cal != nil {
		corr := cal.Corrector(scale)
		c.corrector = &corr
	}
	return c
}

// Samples splits r into calibrated samples.
func (c Converter) Samples(r imu.IMURaw) []imu.RawSample {
	out := r.Samples(c.scale)
	if c.corrector != nil {
		for i := range out {
			out[i] = c.corrector.Apply(out[i])
		}
	}
	return out
}

// Scale returns the unit scale used by the converter.
func (c Converter) Scale() imu.Scale {
	return c.scale
}
