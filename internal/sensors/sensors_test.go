package sensors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/calibration"
	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/rotation"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type collector struct {
	mu      sync.Mutex
	samples []imu.RawSample
}

func (c *collector) push(s imu.RawSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *collector) all() []imu.RawSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]imu.RawSample(nil), c.samples...)
}

func newSim(t *testing.T, profile string, mag bool, noise float64) *Simulated {
	t.Helper()
	sim, err := NewSimulated(SimConfig{
		Profile:         profile,
		Period:          10 * time.Millisecond,
		Noise:           noise,
		Magnetometer:    mag,
		HeadingAccuracy: true,
		Seed:            7,
	}, nil)
	require.NoError(t, err)
	return sim
}

func TestNewSimulatedRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  SimConfig
	}{
		{"profile", SimConfig{Profile: "spin", Period: time.Millisecond}},
		{"period", SimConfig{Profile: ProfileYaw}},
		{"noise", SimConfig{Profile: ProfileYaw, Period: time.Millisecond, Noise: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimulated(tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestSimulatedCapabilities(t *testing.T) {
	assert.Equal(t, imu.FullCapabilities(), newSim(t, ProfileYaw, true, 0).Capabilities())

	noMag := newSim(t, ProfileYaw, false, 0).Capabilities()
	assert.True(t, noMag.Available())
	assert.False(t, noMag.Magnetometer)
	assert.False(t, noMag.HeadingAccuracy)
}

func TestSimulatedStationaryReadings(t *testing.T) {
	sim := newSim(t, ProfileStationary, true, 0)

	samples := sim.Next()
	require.Len(t, samples, 3)
	assert.Equal(t, []imu.Kind{imu.KindGyroscope, imu.KindAccelerometer, imu.KindMagnetometer},
		[]imu.Kind{samples[0].Kind, samples[1].Kind, samples[2].Kind})
	assert.InDelta(t, 0.01, samples[0].Timestamp, 1e-12)

	assert.InDelta(t, 0, r3.Norm(samples[0].Values), 1e-12)
	assert.InDelta(t, imu.Gravity, r3.Norm(samples[1].Values), 1e-9)
	assert.InDelta(t, r3.Norm(EarthField), r3.Norm(samples[2].Values), 1e-9)

	roll, pitch := orientation.Tilt(samples[1].Values)
	yaw, ok := orientation.HeadingFromMag(samples[2].Values, roll, pitch)
	require.True(t, ok)
	assert.InDelta(t, simYaw, yaw, 1e-9)
}

func TestSimulatedIsDeterministic(t *testing.T) {
	a := newSim(t, ProfileRocking, true, 0.05)
	b := newSim(t, ProfileRocking, true, 0.05)
	for range 20 {
		if diff := cmp.Diff(a.Next(), b.Next()); diff != "" {
			t.Fatalf("same seed diverged (-a +b):\n%s", diff)
		}
	}
}

func TestSimulatedRawMatchesSamples(t *testing.T) {
	scale, err := imu.NewScale(1, 1)
	require.NoError(t, err)

	a := newSim(t, ProfileRocking, true, 0)
	b := newSim(t, ProfileRocking, true, 0)

	for range 5 {
		want := a.Next()
		got := NewConverter(scale, nil).Samples(b.NextRaw("left", scale))
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Kind, got[i].Kind)
			assert.InDelta(t, want[i].Timestamp, got[i].Timestamp, 1e-12)
			// within one count of quantization
			assert.InDelta(t, 0, r3.Norm(r3.Sub(want[i].Values, got[i].Values)), 0.1)
		}
	}
}

func TestSimulatedYawTrackedByEstimator(t *testing.T) {
	cfg := orientation.DefaultConfig()
	cfg.UseMagnetometer = true
	est, err := orientation.NewEstimator(cfg)
	require.NoError(t, err)

	sim := newSim(t, ProfileYaw, true, 0)
	state := orientation.NewState()
	for range 300 {
		for _, smp := range sim.Next() {
			state, err = est.Update(state, smp)
			require.NoError(t, err)
		}
	}

	want, _ := sim.Truth(state.LastUpdateTime)
	assert.InDelta(t, 3.0, state.LastUpdateTime, 1e-9)
	assert.InDelta(t, 0, rotation.WrapAngle(state.Pose().Yaw*math.Pi/180-want.ToEuler().Yaw), 0.02)
}

func TestSimulatedRunUsesClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sim, err := NewSimulated(SimConfig{Profile: ProfileStationary, Period: 10 * time.Millisecond}, clock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan imu.RawSample, 16)
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, func(s imu.RawSample) error { got <- s; return nil }) }()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	for range 2 {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("no sample after tick")
		}
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSentenceRoundTrip(t *testing.T) {
	tests := []imu.RawSample{
		imu.NewSample(imu.KindGyroscope, 1.25, 0.1, -0.2, 0.3),
		imu.NewSample(imu.KindAccelerometer, 1.25, 0, 0, 9.81),
		imu.NewSample(imu.KindMagnetometer, 2.5, 20, -1.5, -40),
	}
	for _, want := range tests {
		t.Run(want.Kind.String(), func(t *testing.T) {
			line, err := EncodeSentence(want)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(line, "$II"))

			got, err := ParseSentence(line)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSentenceRejects(t *testing.T) {
	good, err := EncodeSentence(imu.NewSample(imu.KindGyroscope, 1, 0, 0, 1))
	require.NoError(t, err)

	tests := map[string]string{
		"bad checksum": good[:len(good)-2] + "00",
		"bad field":    "$IIGYR,1,x,0,0*" + "00",
		"other type":   "$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70",
	}
	for name, line := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSentence(line)
			assert.Error(t, err)
		})
	}

	_, err = EncodeSentence(imu.RawSample{Kind: imu.KindUnknown})
	assert.ErrorIs(t, err, imu.ErrMalformedSample)
}

func TestReadSentencesSkipsNoise(t *testing.T) {
	var buf bytes.Buffer
	for i := range 3 {
		line, err := EncodeSentence(imu.NewSample(imu.KindAccelerometer, float64(i+1)*0.01, 0, 0, 9.81))
		require.NoError(t, err)
		buf.WriteString(line + "\r\n")
		buf.WriteString("garbage\n$IIACC,broken\n")
	}

	var c collector
	require.NoError(t, ReadSentences(context.Background(), &buf, c.push))

	got := c.all()
	require.Len(t, got, 3)
	assert.InDelta(t, 0.03, got[2].Timestamp, 1e-9)
}

type fakePort struct {
	io.Reader
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakePort) Close() error               { p.closed = true; return nil }

func TestSerialSource(t *testing.T) {
	line, err := EncodeSentence(imu.NewSample(imu.KindGyroscope, 0.5, 0, 0, 1))
	require.NoError(t, err)

	port := &fakePort{Reader: strings.NewReader(line + "\n")}
	src := NewSerialSource("/dev/ttyTEST", 115200, imu.FullCapabilities())
	var opened serial.OpenOptions
	src.open = func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
		opened = o
		return port, nil
	}

	var c collector
	require.NoError(t, src.Run(context.Background(), c.push))
	assert.Equal(t, "/dev/ttyTEST", opened.PortName)
	assert.Equal(t, uint(115200), opened.BaudRate)
	assert.True(t, port.closed)
	assert.Len(t, c.all(), 1)

	src.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return nil, errors.New("no such port") }
	assert.ErrorContains(t, src.Run(context.Background(), c.push), "/dev/ttyTEST")
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient implements the subscription half of mqtt.Client.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	subscribeErr error
	subscribed   chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}, subscribed: make(chan struct{}, 1)}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr == nil {
		c.handlers[topic] = cb
		c.subscribed <- struct{}{}
	}
	return fakeToken{err: c.subscribeErr}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return fakeToken{}
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(c, fakeMessage{topic: topic, payload: payload})
	}
}

func TestMQTTSourceDecodesAndCalibrates(t *testing.T) {
	scale, err := imu.NewScale(0, 0)
	require.NoError(t, err)
	cal := calibration.New("left", time.Now())
	cal.GyroBiasFinal = calibration.Vec3{X: 10}

	client := newFakeClient()
	src := NewMQTTSource(client, "inertial/imu/left", NewConverter(scale, cal), imu.FullCapabilities())

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.push) }()
	<-client.subscribed

	payload, err := json.Marshal(imu.IMURaw{Source: "left", Time: 1.5, Gx: 10, Az: 16384, Mx: 200})
	require.NoError(t, err)
	client.deliver("inertial/imu/left", payload)
	client.deliver("inertial/imu/left", []byte("{not json"))

	cancel()
	require.NoError(t, <-done)

	got := c.all()
	require.Len(t, got, 3)
	assert.InDelta(t, 0, got[0].Values.X, 1e-12, "gyro bias removed")
	assert.InDelta(t, imu.Gravity, got[1].Values.Z, 1e-9)
	assert.InDelta(t, 20, got[2].Values.X, 1e-9)
	assert.Equal(t, uint64(1), src.bad.Load())

	client.mu.Lock()
	assert.Empty(t, client.handlers)
	client.mu.Unlock()
}

func TestMQTTSourceSubscribeError(t *testing.T) {
	client := newFakeClient()
	client.subscribeErr = errors.New("not authorized")
	src := NewMQTTSource(client, "t", Converter{}, imu.FullCapabilities())
	assert.ErrorContains(t, src.Run(context.Background(), func(imu.RawSample) error { return nil }), "not authorized")
}

func TestReplaySource(t *testing.T) {
	samples := []imu.RawSample{
		imu.NewSample(imu.KindGyroscope, 1.00, 0, 0, 0),
		imu.NewSample(imu.KindAccelerometer, 1.01, 0, 0, 9.81),
		imu.NewSample(imu.KindGyroscope, 1.02, 0, 0, 0),
	}

	_, err := NewReplaySource(samples, imu.FullCapabilities(), -1)
	assert.Error(t, err)

	src, err := NewReplaySource(samples, imu.FullCapabilities(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	var c collector
	require.NoError(t, src.Run(context.Background(), c.push))
	assert.Equal(t, samples, c.all())

	paced, err := NewReplaySource(samples, imu.FullCapabilities(), 1)
	require.NoError(t, err)
	var p collector
	start := time.Now()
	require.NoError(t, paced.Run(context.Background(), p.push))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Len(t, p.all(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var none collector
	require.NoError(t, paced.Run(ctx, none.push))
	assert.Empty(t, none.all())
}

func TestReplaySourceRetriesWhenQueueIsFull(t *testing.T) {
	var samples []imu.RawSample
	for i := range 50 {
		samples = append(samples, imu.NewSample(imu.KindGyroscope, float64(i)*0.01, 0, 0, 0))
	}
	src, err := NewReplaySource(samples, imu.FullCapabilities(), 0)
	require.NoError(t, err)

	var c collector
	calls := 0
	busyEveryOther := func(s imu.RawSample) error {
		calls++
		if calls%2 == 1 {
			return motion.ErrQueueFull
		}
		return c.push(s)
	}
	require.NoError(t, src.Run(context.Background(), busyEveryOther))
	assert.Equal(t, samples, c.all())
	assert.Equal(t, 100, calls)

	stopped := func(imu.RawSample) error { return motion.ErrSessionStopped }
	assert.ErrorIs(t, src.Run(context.Background(), stopped), motion.ErrSessionStopped)

	// cancelling ends a replay stuck behind a full queue
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	full := func(imu.RawSample) error { return motion.ErrQueueFull }
	assert.NoError(t, src.Run(ctx, full))
}

func TestUnpacedReplayLargerThanSessionQueue(t *testing.T) {
	const ticks = 3000
	caps := imu.Capabilities{Gyroscope: true, Accelerometer: true}
	var samples []imu.RawSample
	for i := range ticks {
		ts := float64(i) * 0.01
		samples = append(samples,
			imu.NewSample(imu.KindGyroscope, ts, 0, 0, 0),
			imu.NewSample(imu.KindAccelerometer, ts, 0, 0, imu.Gravity),
		)
	}
	src, err := NewReplaySource(samples, caps, 0)
	require.NoError(t, err)

	cfg := motion.DefaultConfig()
	cfg.QueueSize = 64
	require.Greater(t, len(samples), cfg.QueueSize)
	session, err := motion.NewSession(cfg, caps)
	require.NoError(t, err)
	require.NoError(t, session.Start())

	require.NoError(t, src.Run(context.Background(), session.Push))
	require.NoError(t, session.Stop())

	stats := session.Stats()
	assert.Equal(t, uint64(ticks), stats.Gyroscope)
	assert.Equal(t, uint64(ticks), stats.Accelerometer)
	assert.InDelta(t, float64(ticks-1)*0.01, session.State().LastUpdateTime, 1e-9)
}

func TestMQTTSourceStampsRecordsWithoutTime(t *testing.T) {
	scale, err := imu.NewScale(0, 0)
	require.NoError(t, err)
	clock := timeutil.NewMockClock(time.Unix(100, 0))

	client := newFakeClient()
	src := NewMQTTSource(client, "imu", NewConverter(scale, nil), imu.FullCapabilities())
	src.clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.push) }()
	<-client.subscribed

	clock.Advance(250 * time.Millisecond)
	unstamped, err := json.Marshal(imu.IMURaw{Source: "left", Az: 16384})
	require.NoError(t, err)
	client.deliver("imu", unstamped)

	stamped, err := json.Marshal(imu.IMURaw{Source: "left", Time: 7, Az: 16384})
	require.NoError(t, err)
	client.deliver("imu", stamped)

	cancel()
	require.NoError(t, <-done)

	got := c.all()
	require.Len(t, got, 4)
	assert.InDelta(t, 0.25, got[0].Timestamp, 1e-9)
	assert.InDelta(t, 0.25, got[1].Timestamp, 1e-9)
	assert.Equal(t, 7.0, got[2].Timestamp)
	assert.Equal(t, 7.0, got[3].Timestamp)
}
