package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "motion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motion.db")
	s, err := Open(path)
	require.NoError(t, err)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// reopening an up-to-date database is a no-op
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSessionsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Session(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	caps := imu.Capabilities{Gyroscope: true, Accelerometer: true}
	require.NoError(t, s.BeginSession(ctx, "first", "simulated", caps, t0))
	require.NoError(t, s.BeginSession(ctx, "second", "mqtt", imu.FullCapabilities(), t0.Add(time.Minute)))
	require.NoError(t, s.EndSession(ctx, "first", t0.Add(30*time.Second)))
	assert.ErrorIs(t, s.EndSession(ctx, "missing", t0), ErrNoSession)

	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].ID)
	assert.Nil(t, all[0].StoppedAt)
	assert.Equal(t, caps, all[1].Capabilities)
	require.NotNil(t, all[1].StoppedAt)
	assert.True(t, all[1].StoppedAt.Equal(t0.Add(30*time.Second)))

	latest, err := s.Session(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "second", latest.ID)

	first, err := s.Session(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "simulated", first.Source)
	assert.True(t, first.StartedAt.Equal(t0))

	_, err = s.Session(ctx, "third")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRecorderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginSession(ctx, "rec", "simulated", imu.FullCapabilities(), time.Now()))

	rec, err := NewRecorder(s, 4, time.Hour)
	require.NoError(t, err)

	var want []imu.RawSample
	for i := range 10 {
		ts := float64(i+1) * 0.01
		smp := imu.NewSample(imu.Kind(i%3+1), ts, float64(i), -float64(i), 9.81)
		want = append(want, smp)
		rec.RecordSample("rec", smp)
	}
	snap := motion.Snapshot{
		Attitude:         rotation.FromEuler(0.1, 0.2, 0.3),
		Gravity:          r3.Vec{Z: 9.81},
		UserAcceleration: r3.Vec{X: 0.5},
		HeadingAccuracy:  motion.HeadingUnavailable,
		Accuracy:         orientation.High,
		Timestamp:        0.1,
	}
	rec.RecordSnapshot("rec", snap)
	rec.Close()
	rec.Close()

	written, dropped, failed := rec.Stats()
	assert.Equal(t, uint64(11), written)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)

	got, err := s.Samples(ctx, "rec")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}

	snaps, err := s.Snapshots(ctx, "rec")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	if diff := cmp.Diff(snap, snaps[0]); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	info, err := s.Session(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, 10, info.Samples)
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginSession(ctx, "tick", "simulated", imu.FullCapabilities(), time.Now()))

	rec, err := NewRecorder(s, 1000, 10*time.Millisecond)
	require.NoError(t, err)
	defer rec.Close()

	rec.RecordSample("tick", imu.NewSample(imu.KindGyroscope, 1, 0, 0, 0))
	require.Eventually(t, func() bool {
		written, _, _ := rec.Stats()
		return written == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRecorderRejectsBatchSize(t *testing.T) {
	_, err := NewRecorder(openTestStore(t), 0, time.Second)
	assert.Error(t, err)
}
