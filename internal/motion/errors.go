package motion

import "errors"

var (
	// ErrSensorUnavailable is returned by Session.Start when the producer
	// lacks a gyroscope or an accelerometer. It is terminal for the session.
	ErrSensorUnavailable = errors.New("motion sensors unavailable")

	ErrEmitterStopped = errors.New("emitter stopped")
	ErrSessionRunning = errors.New("session already running")
	ErrSessionStopped = errors.New("session not running")
)
