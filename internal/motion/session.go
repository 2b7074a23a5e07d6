// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// ErrQueueFull is returned by Push when the event loop is behind.
var ErrQueueFull = errors.New("sample queue full")

type Config struct {
	Estimator orientation.Config
	Heading   HeadingConfig

	// EmitPeriod is the emission cadence. Zero emits once per update.
	EmitPeriod time.Duration
	// Snapshots below MinEmitAccuracy are not emitted.
	MinEmitAccuracy orientation.Accuracy

	BufferCapacity int
	ReorderWindow  time.Duration
	QueueSize      int
}

func DefaultConfig() Config {
	return Config{
		Estimator:       orientation.DefaultConfig(),
		Heading:         DefaultHeadingConfig(),
		EmitPeriod:      time.Second / 60,
		MinEmitAccuracy: orientation.Unreliable,
		BufferCapacity:  256,
		ReorderWindow:   20 * time.Millisecond,
		QueueSize:       1024,
	}
}

func (c Config) Validate() error {
	if err := c.Estimator.Validate(); err != nil {
		return err
	}
	if err := c.Heading.Validate(); err != nil {
		return err
	}
	if c.EmitPeriod < 0 {
		return fmt.Errorf("emit period must be >= 0, got %v", c.EmitPeriod)
	}
	if c.MinEmitAccuracy < orientation.Unreliable || c.MinEmitAccuracy > orientation.High {
		return fmt.Errorf("invalid minimum emit accuracy %d", c.MinEmitAccuracy)
	}
	if c.BufferCapacity <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("buffer capacity and queue size must be > 0")
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("reorder window must be >= 0, got %v", c.ReorderWindow)
	}
	return nil
}

// SampleRecorder receives every sample applied to the estimator.
type SampleRecorder interface {
	RecordSample(sessionID string, s imu.RawSample)
}

type Option func(*Session)

func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithRecorder(r SampleRecorder) Option {
	return func(s *Session) { s.recorder = r }
}

// Stats is a point-in-time view of a session.
type Stats struct {
	SessionID    string           `json:"session_id"`
	Running      bool             `json:"running"`
	StartedAt    time.Time        `json:"started_at"`
	Capabilities imu.Capabilities `json:"capabilities"`

	Phase    string `json:"phase"`
	Accuracy string `json:"accuracy"`
	GyroBias r3.Vec `json:"gyro_bias"`

	Gyroscope     uint64 `json:"gyroscope"`
	Accelerometer uint64 `json:"accelerometer"`
	Magnetometer  uint64 `json:"magnetometer"`
	Malformed     uint64 `json:"malformed"`
	Degenerate    uint64 `json:"degenerate"`
	Dropped       uint64 `json:"dropped"`
	Emitted       uint64 `json:"emitted"`
	Suppressed    uint64 `json:"suppressed"`

	Buffer imu.BufferStats `json:"buffer"`
}

type counters struct {
	gyro, accel, mag    atomic.Uint64
	malformed           atomic.Uint64
	degenerate          atomic.Uint64
	dropped             atomic.Uint64
	emitted, suppressed atomic.Uint64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Uint64{
		&c.gyro, &c.accel, &c.mag, &c.malformed, &c.degenerate,
		&c.dropped, &c.emitted, &c.suppressed,
	} {
		v.Store(0)
	}
}

// Session owns one OrientationState. Samples pushed from any goroutine are
// serialized through a single event loop; emission only reads a copy of the
// state.
type Session struct {
	cfg       Config
	caps      imu.Capabilities
	clock     timeutil.Clock
	recorder  SampleRecorder
	estimator *orientation.Estimator
	extractor GravityExtractor
	tracker   *HeadingAccuracyTracker

	lifeMu    sync.RWMutex
	running   bool
	id        string
	startedAt time.Time
	samples   chan imu.RawSample
	quit      chan struct{}
	updates   chan struct{}
	buffer    *imu.SampleBuffer
	emitter   *Emitter
	wg        sync.WaitGroup

	stateMu sync.RWMutex
	state   orientation.State

	counters counters
}

// NewSession builds a stopped session for a producer with caps.
func NewSession(cfg Config, caps imu.Capabilities, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("motion config: %w", err)
	}

	estCfg := cfg.Estimator
	estCfg.UseMagnetometer = estCfg.UseMagnetometer && caps.Magnetometer
	est, err := orientation.NewEstimator(estCfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		caps:      caps,
		clock:     timeutil.RealClock{},
		estimator: est,
		extractor: GravityExtractor{Gravity: estCfg.Gravity},
		tracker:   NewHeadingAccuracyTracker(cfg.Heading, caps),
		state:     orientation.NewState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Available reports whether the producer has the minimum sensor set.
func (s *Session) Available() bool {
	return s.caps.Available()
}

// Start begins consuming samples with a fresh state.
func (s *Session) Start() error {
	if !s.caps.Available() {
		return fmt.Errorf("%w: producer offers %s", ErrSensorUnavailable, s.caps)
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running {
		return ErrSessionRunning
	}

	buf, err := imu.NewSampleBuffer(s.cfg.BufferCapacity, s.cfg.ReorderWindow)
	if err != nil {
		return fmt.Errorf("sample buffer: %w", err)
	}

	s.stateMu.Lock()
	s.state = orientation.NewState()
	s.stateMu.Unlock()
	s.tracker.Reset()
	s.counters.reset()

	s.id = uuid.NewString()
	s.startedAt = s.clock.Now()
	s.buffer = buf
	s.samples = make(chan imu.RawSample, s.cfg.QueueSize)
	s.quit = make(chan struct{})
	s.updates = make(chan struct{}, 1)
	s.emitter = newEmitter(s.clock, s.cfg.EmitPeriod, s.updates, s.emit)
	s.running = true

	s.wg.Add(1)
	go s.loop(s.id, s.samples, s.quit, buf)

	emit := "per update"
	if s.cfg.EmitPeriod > 0 {
		emit = s.cfg.EmitPeriod.String()
	}
	monitoring.Logf("motion: session %s started (sensors %s, emit %s, min accuracy %s)",
		s.id, s.caps, emit, s.cfg.MinEmitAccuracy)
	return nil
}

// Push queues a sample for the event loop. It never blocks: when the queue
// is full the sample is dropped and ErrQueueFull returned.
func (s *Session) Push(sample imu.RawSample) error {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()

	if !s.running {
		return ErrSessionStopped
	}
	select {
	case s.samples <- sample:
		return nil
	default:
		s.counters.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop applies every queued and buffered sample, then halts consumption and
// emission. The final state stays readable until the next Start.
func (s *Session) Stop() error {
	s.lifeMu.Lock()
	if !s.running {
		s.lifeMu.Unlock()
		return ErrSessionStopped
	}
	s.running = false
	close(s.quit)
	s.emitter.Stop()
	id := s.id
	s.lifeMu.Unlock()

	s.wg.Wait()
	monitoring.Logf("motion: session %s stopped", id)
	return nil
}

// Running reports whether the session is between Start and Stop.
func (s *Session) Running() bool {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	return s.running
}

// Emitter returns the emitter of the current (or last) run, nil before the
// first Start.
func (s *Session) Emitter() *Emitter {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	return s.emitter
}

// ID returns the identifier of the current (or last) run.
func (s *Session) ID() string {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	return s.id
}

func (s *Session) loop(id string, samples <-chan imu.RawSample, quit <-chan struct{}, buf *imu.SampleBuffer) {
	defer s.wg.Done()

	for {
		select {
		case sample := <-samples:
			s.ingest(buf, sample)
			s.apply(id, buf.Release())
		case <-quit:
			// Release as the queue drains so a backlog larger than the
			// buffer is applied instead of overflowing it.
			for {
				select {
				case sample := <-samples:
					s.ingest(buf, sample)
					s.apply(id, buf.Release())
				default:
					s.apply(id, buf.Flush())
					buf.Clear()
					return
				}
			}
		}
	}
}

func (s *Session) ingest(buf *imu.SampleBuffer, sample imu.RawSample) {
	err := buf.Push(sample)
	switch {
	case err == nil:
	case errors.Is(err, imu.ErrMalformedSample):
		s.anomaly(err)
	default:
		if n := buf.Stats().Late; n == 1 || n%100 == 0 {
			monitoring.Logf("motion: dropped sample (%d late so far): %v", n, err)
		}
	}
}

func (s *Session) apply(id string, batch []imu.RawSample) {
	for _, sample := range batch {
		s.stateMu.Lock()
		next, err := s.estimator.Update(s.state, sample)
		s.state = next
		s.stateMu.Unlock()

		if err != nil {
			s.anomaly(err)
			continue
		}

		switch sample.Kind {
		case imu.KindGyroscope:
			s.counters.gyro.Add(1)
		case imu.KindAccelerometer:
			s.counters.accel.Add(1)
		case imu.KindMagnetometer:
			s.counters.mag.Add(1)
		}
		if s.recorder != nil {
			s.recorder.RecordSample(id, sample)
		}

		select {
		case s.updates <- struct{}{}:
		default:
		}
	}
}

// anomaly counts a recoverable per-sample error. Logging is thinned out so a
// noisy producer cannot flood the log.
func (s *Session) anomaly(err error) {
	var n uint64
	if errors.Is(err, rotation.ErrDegenerateQuaternion) {
		n = s.counters.degenerate.Add(1)
	} else {
		n = s.counters.malformed.Add(1)
	}
	if n == 1 || n%100 == 0 {
		monitoring.Logf("motion: sample skipped (%d so far): %v", n, err)
	}
}

// State returns a copy of the current orientation state.
func (s *Session) State() orientation.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Snapshot derives a snapshot from the current state. A degenerate attitude
// is reported as identity for this snapshot only.
func (s *Session) Snapshot() Snapshot {
	st := s.State()

	q, err := st.Quaternion.Normalize()
	if err != nil {
		s.anomaly(fmt.Errorf("snapshot at %.6f: %w", st.LastUpdateTime, err))
	}

	gravity, user := s.extractor.Extract(q, st.LastAccel)
	if !st.HasAccel {
		user = r3.Vec{}
	}

	return Snapshot{
		Attitude:         q,
		Gravity:          gravity,
		UserAcceleration: user,
		HeadingAccuracy:  s.tracker.Observe(st),
		Accuracy:         st.Accuracy,
		Timestamp:        st.LastUpdateTime,
	}
}

func (s *Session) emit() (Snapshot, bool) {
	snap := s.Snapshot()
	if snap.Accuracy < s.cfg.MinEmitAccuracy {
		s.counters.suppressed.Add(1)
		return snap, false
	}
	s.counters.emitted.Add(1)
	return snap, true
}

func (s *Session) Stats() Stats {
	s.lifeMu.RLock()
	st := Stats{
		SessionID:    s.id,
		Running:      s.running,
		StartedAt:    s.startedAt,
		Capabilities: s.caps,
	}
	if s.buffer != nil {
		st.Buffer = s.buffer.Stats()
	}
	s.lifeMu.RUnlock()

	state := s.State()
	st.Phase = state.Phase.String()
	st.Accuracy = state.Accuracy.String()
	st.GyroBias = state.GyroBias

	st.Gyroscope = s.counters.gyro.Load()
	st.Accelerometer = s.counters.accel.Load()
	st.Magnetometer = s.counters.mag.Load()
	st.Malformed = s.counters.malformed.Load()
	st.Degenerate = s.counters.degenerate.Load()
	st.Dropped = s.counters.dropped.Load()
	st.Emitted = s.counters.emitted.Load()
	st.Suppressed = s.counters.suppressed.Load()
	return st
}
