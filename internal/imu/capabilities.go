package imu

import "strings"

// Capabilities describes which sensors a sample producer can deliver.
// HeadingAccuracy is false on platforms that do not offer a heading accuracy
// value even though they have a magnetometer.
type Capabilities struct {
	Gyroscope       bool `json:"gyroscope"`
	Accelerometer   bool `json:"accelerometer"`
	Magnetometer    bool `json:"magnetometer"`
	HeadingAccuracy bool `json:"heading_accuracy"`
}

// FullCapabilities is a 9-axis IMU with heading accuracy.
func FullCapabilities() Capabilities {
	return Capabilities{Gyroscope: true, Accelerometer: true, Magnetometer: true, HeadingAccuracy: true}
}

// Available reports whether the minimum sensor set for fusion is present.
// The magnetometer is optional.
func (c Capabilities) Available() bool {
	return c.Gyroscope && c.Accelerometer
}

func (c Capabilities) String() string {
	var parts []string
	if c.Gyroscope {
		parts = append(parts, "gyro")
	}
	if c.Accelerometer {
		parts = append(parts, "accel")
	}
	if c.Magnetometer {
		parts = append(parts, "mag")
	}
	if c.HeadingAccuracy {
		parts = append(parts, "heading-accuracy")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}
