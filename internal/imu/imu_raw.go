package imu

// IMURaw represents a single raw IMU+mag record as published on TOPIC_IMU
// by an IMU producer.
type IMURaw struct {
	Source string `json:"source"` // "left" or "right"

	// Time is the sensor timestamp in seconds. Zero means "stamp on arrival".
	Time float64 `json:"t,omitempty"`

	Ax int16 `json:"ax"` // accel
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	Gx int16 `json:"gx"` // gyro
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`

	Mx int16 `json:"mx"` // magnetometer, µT×10
	My int16 `json:"my"`
	Mz int16 `json:"mz"`
}

// HasMag reports whether the record carries a magnetometer reading.
// The producer leaves the mag fields at zero when the magnetometer is not ready.
func (r IMURaw) HasMag() bool {
	return r.Mx != 0 || r.My != 0 || r.Mz != 0
}

// Samples splits the record into SI-unit RawSamples sharing its timestamp:
// gyroscope first so the rate is integrated before the correction.
func (r IMURaw) Samples(s Scale) []RawSample {
	out := make([]RawSample, 0, 3)
	out = append(out,
		NewSample(KindGyroscope, r.Time, s.Gyro(r.Gx), s.Gyro(r.Gy), s.Gyro(r.Gz)),
		NewSample(KindAccelerometer, r.Time, s.Accel(r.Ax), s.Accel(r.Ay), s.Accel(r.Az)),
	)
	if r.HasMag() {
		out = append(out, NewSample(KindMagnetometer, r.Time, s.Mag(r.Mx), s.Mag(r.My), s.Mag(r.Mz)))
	}
	return out
}
