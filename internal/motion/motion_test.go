package motion

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestSnapshotWireLayout(t *testing.T) {
	snap := Snapshot{
		Attitude:         rotation.Quaternion{W: 4, X: 1, Y: 2, Z: 3},
		Gravity:          r3.Vec{X: 5, Y: 6, Z: 7},
		UserAcceleration: r3.Vec{X: 8, Y: 9, Z: 10},
		HeadingAccuracy:  11,
		Accuracy:         orientation.High,
		Timestamp:        12,
	}

	v := snap.Values()
	assert.Equal(t, [FrameLen]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, v)

	back, err := FromValues(v[:])
	require.NoError(t, err)
	snap.Accuracy, snap.Timestamp = 0, 0
	assert.Empty(t, cmp.Diff(snap, back))

	_, err = FromValues(v[:10])
	assert.Error(t, err)
}

func TestSnapshotPose(t *testing.T) {
	snap := Snapshot{Attitude: rotation.FromEuler(0, 0, math.Pi/4)}
	assert.InDelta(t, 45.0, snap.Pose().Yaw, 1e-9)
	assert.False(t, Snapshot{HeadingAccuracy: HeadingUnavailable}.HasHeadingAccuracy())
}

func TestGravityExtractor(t *testing.T) {
	g := GravityExtractor{Gravity: imu.Gravity}

	tests := []struct {
		name        string
		q           rotation.Quaternion
		accel       r3.Vec
		wantGravity r3.Vec
		wantUser    r3.Vec
	}{
		{
			name:        "flat and still",
			q:           rotation.Identity(),
			accel:       r3.Vec{Z: imu.Gravity},
			wantGravity: r3.Vec{Z: imu.Gravity},
		},
		{
			name:        "flat, pushed forward",
			q:           rotation.Identity(),
			accel:       r3.Vec{X: 1.5, Z: imu.Gravity},
			wantGravity: r3.Vec{Z: imu.Gravity},
			wantUser:    r3.Vec{X: 1.5},
		},
		{
			name:        "rolled onto its side",
			q:           rotation.FromEuler(math.Pi/2, 0, 0),
			accel:       r3.Vec{Y: imu.Gravity},
			wantGravity: r3.Vec{Y: imu.Gravity},
		},
		{
			name:        "yaw does not move gravity",
			q:           rotation.FromEuler(0, 0, 1.2),
			accel:       r3.Vec{Z: imu.Gravity},
			wantGravity: r3.Vec{Z: imu.Gravity},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gravity, user := g.Extract(tt.q, tt.accel)
			assert.Empty(t, cmp.Diff(tt.wantGravity, gravity, approx))
			assert.Empty(t, cmp.Diff(tt.wantUser, user, approx))
		})
	}
}

func TestHeadingAccuracyTracker(t *testing.T) {
	cfg := DefaultHeadingConfig()

	t.Run("no magnetometer", func(t *testing.T) {
		tr := NewHeadingAccuracyTracker(cfg, imu.Capabilities{Gyroscope: true, Accelerometer: true})
		st := orientation.NewState()
		st.MagCorrections = 3
		assert.Equal(t, HeadingUnavailable, tr.Observe(st))
	})

	t.Run("platform without heading accuracy", func(t *testing.T) {
		caps := imu.FullCapabilities()
		caps.HeadingAccuracy = false
		tr := NewHeadingAccuracyTracker(cfg, caps)
		st := orientation.NewState()
		st.MagCorrections = 1
		assert.Equal(t, HeadingUnavailable, tr.Observe(st))
	})

	t.Run("grows between corrections and resets", func(t *testing.T) {
		tr := NewHeadingAccuracyTracker(cfg, imu.FullCapabilities())
		st := orientation.NewState()
		assert.Equal(t, HeadingUnavailable, tr.Observe(st), "no correction yet")

		st.MagCorrections = 1
		st.LastMagCorrectionTime = 10
		st.LastMagResidual = 0.001
		st.LastUpdateTime = 10
		assert.InDelta(t, cfg.Floor, tr.Observe(st), 1e-12)

		st.LastUpdateTime = 20
		st.GyroBias = r3.Vec{Z: 0.003}
		assert.InDelta(t, cfg.Floor+(cfg.MinDriftRate+0.003)*10, tr.Observe(st), 1e-12)

		// A disagreeing correction does not restore confidence.
		st.MagCorrections = 2
		st.LastMagCorrectionTime = 20
		st.LastMagResidual = 0.5
		assert.InDelta(t, cfg.Floor+(cfg.MinDriftRate+0.003)*10, tr.Observe(st), 1e-12)

		st.MagCorrections = 3
		st.LastMagCorrectionTime = 20
		st.LastMagResidual = 0.04
		assert.InDelta(t, 0.04, tr.Observe(st), 1e-12)

		st.LastUpdateTime = 1e6
		assert.Equal(t, math.Pi, tr.Observe(st))

		tr.Reset()
		assert.Equal(t, HeadingUnavailable, tr.Observe(orientation.NewState()))
	})
}

func TestEmitterTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	n := 0
	e := newEmitter(clock, 100*time.Millisecond, nil, func() (Snapshot, bool) {
		n++
		return Snapshot{Timestamp: float64(n)}, true
	})
	ctx := context.Background()

	clock.Advance(100 * time.Millisecond)
	snap, err := e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Timestamp)

	// Several periods with a slow reader collapse into one tick.
	clock.Advance(350 * time.Millisecond)
	snap, err = e.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap.Timestamp)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	e.Stop()
	e.Stop()
	clock.Advance(time.Second)
	_, err = e.Next(ctx)
	assert.ErrorIs(t, err, ErrEmitterStopped)
	assert.Equal(t, 0, clock.TickerCount())
}

func TestEmitterPerUpdateAll(t *testing.T) {
	updates := make(chan struct{}, 1)
	skip := true
	e := newEmitter(timeutil.RealClock{}, 0, updates, func() (Snapshot, bool) {
		// The first update is filtered out.
		if skip {
			skip = false
			return Snapshot{}, false
		}
		return Snapshot{Accuracy: orientation.High}, true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates <- struct{}{}
	go func() { updates <- struct{}{} }()

	n := 0
	for snap := range e.All(ctx) {
		assert.Equal(t, orientation.High, snap.Accuracy)
		n++
		if n == 3 {
			break
		}
		updates <- struct{}{}
	}
	assert.Equal(t, 3, n)

	e.Stop()
	for range e.All(ctx) {
		t.Fatal("stopped emitter yielded")
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EmitPeriod = 0
	cfg.ReorderWindow = 0
	return cfg
}

var gyroAccel = imu.Capabilities{Gyroscope: true, Accelerometer: true}

func newTestSession(t *testing.T, cfg Config, caps imu.Capabilities, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(cfg, caps, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func pushStill(t *testing.T, s *Session, q rotation.Quaternion, t0 float64, ticks int, withMag bool) {
	t.Helper()
	inv := q.Conj()
	a := inv.Rotate(r3.Vec{Z: imu.Gravity})
	m := inv.Rotate(r3.Vec{X: 20, Z: -40})
	for i := 0; i < ticks; i++ {
		ts := t0 + float64(i+1)*0.01
		require.NoError(t, s.Push(imu.NewSample(imu.KindGyroscope, ts, 0, 0, 0)))
		require.NoError(t, s.Push(imu.NewSample(imu.KindAccelerometer, ts, a.X, a.Y, a.Z)))
		if withMag {
			require.NoError(t, s.Push(imu.NewSample(imu.KindMagnetometer, ts, m.X, m.Y, m.Z)))
		}
	}
}

func TestSessionRequiresGyroAndAccel(t *testing.T) {
	for _, caps := range []imu.Capabilities{
		{Accelerometer: true, Magnetometer: true},
		{Gyroscope: true, Magnetometer: true},
		{},
	} {
		s := newTestSession(t, testConfig(), caps)
		assert.False(t, s.Available())
		assert.ErrorIs(t, s.Start(), ErrSensorUnavailable, caps.String())
		assert.ErrorIs(t, s.Push(imu.NewSample(imu.KindGyroscope, 1, 0, 0, 0)), ErrSessionStopped)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestSession(t, testConfig(), gyroAccel)
	assert.Nil(t, s.Emitter())
	assert.ErrorIs(t, s.Stop(), ErrSessionStopped)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(), ErrSessionRunning)
	firstID := s.ID()
	firstEmitter := s.Emitter()

	pushStill(t, s, rotation.Identity(), 0, 10, false)
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.Equal(t, orientation.Converging, s.State().Phase, "state readable after stop")

	_, err := firstEmitter.Next(context.Background())
	assert.ErrorIs(t, err, ErrEmitterStopped)

	require.NoError(t, s.Start())
	assert.NotEqual(t, firstID, s.ID())
	assert.NotSame(t, firstEmitter, s.Emitter())
	assert.Equal(t, orientation.NewState(), s.State(), "no carryover")
	assert.Zero(t, s.Stats().Gyroscope)
}

func TestSessionStationaryGravity(t *testing.T) {
	s := newTestSession(t, testConfig(), gyroAccel)
	require.NoError(t, s.Start())

	pushStill(t, s, rotation.Identity(), 0, 200, false)
	require.NoError(t, s.Stop())

	snap := s.Snapshot()
	assert.Equal(t, orientation.High, snap.Accuracy)
	assert.InDelta(t, imu.Gravity, r3.Norm(snap.Gravity), 1e-6)
	assert.InDelta(t, 0, r3.Norm(snap.UserAcceleration), 1e-6)
	assert.Equal(t, HeadingUnavailable, snap.HeadingAccuracy)

	stats := s.Stats()
	assert.Equal(t, uint64(200), stats.Gyroscope)
	assert.Equal(t, uint64(200), stats.Accelerometer)
	assert.Equal(t, "tracking", stats.Phase)
}

func TestSessionTiltedStationaryGravity(t *testing.T) {
	s := newTestSession(t, testConfig(), gyroAccel)
	require.NoError(t, s.Start())

	q := rotation.FromEuler(0.4, -0.3, 0)
	pushStill(t, s, q, 0, 200, false)
	require.NoError(t, s.Stop())

	snap := s.Snapshot()
	want := q.Conj().Rotate(r3.Vec{Z: imu.Gravity})
	assert.Empty(t, cmp.Diff(want, snap.Gravity, cmpopts.EquateApprox(0, 1e-6)))
	assert.InDelta(t, 0, r3.Norm(snap.UserAcceleration), 1e-6)
}

func TestSessionHeadingSentinelWithoutMagnetometer(t *testing.T) {
	s := newTestSession(t, testConfig(), gyroAccel)
	require.NoError(t, s.Start())
	em := s.Emitter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		ts := float64(i+1) * 0.01
		require.NoError(t, s.Push(imu.NewSample(imu.KindGyroscope, ts, 0, 0, 0.1)))
		require.NoError(t, s.Push(imu.NewSample(imu.KindAccelerometer, ts, 0, 0, imu.Gravity)))

		snap, err := em.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, HeadingUnavailable, snap.HeadingAccuracy)
		assert.Equal(t, HeadingUnavailable, snap.Values()[10])
	}
}

func TestSessionHeadingAccuracyWithMagnetometer(t *testing.T) {
	s := newTestSession(t, testConfig(), imu.FullCapabilities())
	require.NoError(t, s.Start())

	pushStill(t, s, rotation.FromEuler(0, 0, 0.3), 0, 200, true)
	require.NoError(t, s.Stop())

	snap := s.Snapshot()
	assert.GreaterOrEqual(t, snap.HeadingAccuracy, DefaultHeadingConfig().Floor)
	assert.Less(t, snap.HeadingAccuracy, 0.1)
	assert.InDelta(t, 0.3, rotation.WrapAngle(snap.Attitude.ToEuler().Yaw), 1e-3)
	assert.Equal(t, uint64(200), s.Stats().Magnetometer)
}

func TestSessionMalformedSampleIsCounted(t *testing.T) {
	s := newTestSession(t, testConfig(), gyroAccel)
	require.NoError(t, s.Start())

	pushStill(t, s, rotation.Identity(), 0, 5, false)
	require.NoError(t, s.Push(imu.NewSample(imu.KindAccelerometer, 0.1, math.NaN(), 0, 0)))
	require.NoError(t, s.Stop())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(5), stats.Accelerometer)
	assert.Equal(t, uint64(1), stats.Buffer.Malformed)
}

func TestSessionSuppressesBelowMinimumAccuracy(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.EmitPeriod = 100 * time.Millisecond
	cfg.MinEmitAccuracy = orientation.High
	s := newTestSession(t, cfg, gyroAccel, WithClock(clock))
	require.NoError(t, s.Start())

	clock.Advance(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Emitter().Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), s.Stats().Suppressed)
	assert.Zero(t, s.Stats().Emitted)
}

func TestSessionEmitsOnCadence(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.EmitPeriod = time.Second / 60
	s := newTestSession(t, cfg, gyroAccel, WithClock(clock))
	require.NoError(t, s.Start())

	pushStill(t, s, rotation.Identity(), 0, 3, false)
	clock.Advance(cfg.EmitPeriod)

	_, err := s.Emitter().Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Stats().Emitted)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, clock.TickerCount())
}

type recorderFunc func(string, imu.RawSample)

func (f recorderFunc) RecordSample(id string, s imu.RawSample) { f(id, s) }

func TestSessionRecordsAppliedSamples(t *testing.T) {
	var ids []string
	var kinds []imu.Kind
	rec := recorderFunc(func(id string, s imu.RawSample) {
		ids = append(ids, id)
		kinds = append(kinds, s.Kind)
	})
	s := newTestSession(t, testConfig(), gyroAccel, WithRecorder(rec))
	require.NoError(t, s.Start())

	pushStill(t, s, rotation.Identity(), 0, 2, false)
	require.NoError(t, s.Stop())

	assert.Equal(t, []imu.Kind{imu.KindGyroscope, imu.KindAccelerometer, imu.KindGyroscope, imu.KindAccelerometer}, kinds)
	for _, id := range ids {
		assert.Equal(t, s.ID(), id)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.EmitPeriod = -time.Second
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.QueueSize = 0
	_, err := NewSession(bad, gyroAccel)
	assert.Error(t, err)

	bad = DefaultConfig()
	bad.Heading.Floor = 0
	assert.Error(t, bad.Validate())
}

func TestHeadingAccuracyIgnoresOlderStates(t *testing.T) {
	cfg := DefaultHeadingConfig()
	tr := NewHeadingAccuracyTracker(cfg, imu.FullCapabilities())

	older := orientation.NewState()
	older.MagCorrections = 1
	older.LastMagCorrectionTime = 10
	older.LastMagResidual = 0.001
	older.LastUpdateTime = 10

	newer := older
	newer.MagCorrections = 3
	newer.LastMagCorrectionTime = 20
	newer.LastMagResidual = 0.04
	newer.LastUpdateTime = 20

	assert.InDelta(t, 0.04, tr.Observe(newer), 1e-12)

	// A reader holding an earlier copy must not move the fix back to t=10.
	older.LastUpdateTime = 20
	assert.InDelta(t, 0.04, tr.Observe(older), 1e-12)
	assert.InDelta(t, 0.04, tr.Observe(newer), 1e-12)
}

func TestSessionIntegratesFeedStartingAtZero(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := newTestSession(t, testConfig(), gyroAccel, WithClock(clock))
	require.NoError(t, s.Start())

	// wall time since start has nothing to do with sensor time
	clock.Advance(5 * time.Second)

	for i := range 100 {
		require.NoError(t, s.Push(imu.NewSample(imu.KindGyroscope, float64(i)*0.01, 0, 0, 1.0)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var snap Snapshot
	for snap.Timestamp < 0.99 {
		var err error
		snap, err = s.Emitter().Next(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, s.Stop())

	euler := snap.Attitude.ToEuler()
	assert.InDelta(t, 0.99, euler.Yaw, 1e-4)
	assert.InDelta(t, 0, euler.Roll, 1e-9)
	assert.InDelta(t, 0, euler.Pitch, 1e-9)
	assert.InDelta(t, 0.99, s.State().LastUpdateTime, 1e-9)
	assert.Equal(t, HeadingUnavailable, snap.HeadingAccuracy)

	stats := s.Stats()
	assert.Equal(t, uint64(100), stats.Gyroscope)
	assert.Zero(t, stats.Buffer.Late)
}

func TestSessionStopAppliesBacklogLargerThanBuffer(t *testing.T) {
	const n = 1000

	release := make(chan struct{})
	var recorded int
	rec := recorderFunc(func(string, imu.RawSample) {
		if recorded == 0 {
			// hold the event loop so the queue backs up
			<-release
		}
		recorded++
	})

	cfg := testConfig()
	cfg.QueueSize = 2 * n
	s := newTestSession(t, cfg, gyroAccel, WithRecorder(rec))
	require.NoError(t, s.Start())

	for i := range n {
		require.NoError(t, s.Push(imu.NewSample(imu.KindGyroscope, float64(i)*0.001, 0, 0, 1.0)))
	}
	require.Greater(t, n, cfg.BufferCapacity)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	require.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	stats := s.Stats()
	assert.Equal(t, n, recorded)
	assert.Equal(t, uint64(n), stats.Gyroscope)
	assert.Zero(t, stats.Buffer.Overflow)
	assert.InDelta(t, 0.999, s.State().LastUpdateTime, 1e-9)
	assert.InDelta(t, 0.999, s.State().Quaternion.ToEuler().Yaw, 1e-4)
}
