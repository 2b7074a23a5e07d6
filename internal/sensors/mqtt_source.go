package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// MQTTSource subscribes to IMURaw JSON records published by an IMU producer.
// Records without a sensor time are stamped on arrival with the seconds
// elapsed since Run subscribed.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	conv   Converter
	caps   imu.Capabilities
	clock  timeutil.Clock

	bad atomic.Uint64
}

func NewMQTTSource(client mqtt.Client, topic string, conv Converter, caps imu.Capabilities) *MQTTSource {
	return &MQTTSource{client: client, topic: topic, conv: conv, caps: caps, clock: timeutil.RealClock{}}
}

func (s *MQTTSource) Capabilities() imu.Capabilities { return s.caps }

// DecodeIMURaw parses one IMURaw payload.
func DecodeIMURaw(payload []byte) (imu.IMURaw, error) {
	var rec imu.IMURaw
	if err := json.Unmarshal(payload, &rec); err != nil {
		return imu.IMURaw{}, fmt.Errorf("decode imu record: %w", err)
	}
	return rec, nil
}

// Run subscribes and pushes samples until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context, push PushFunc) error {
	epoch := s.clock.Now()
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		rec, err := DecodeIMURaw(msg.Payload())
		if err != nil {
			if n := s.bad.Add(1); n == 1 || n%100 == 0 {
				monitoring.Logf("sensors: %d bad messages on %s, last: %v", n, msg.Topic(), err)
			}
			return
		}
		if rec.Time == 0 {
			rec.Time = s.clock.Now().Sub(epoch).Seconds()
		}
		for _, smp := range s.conv.Samples(rec) {
			_ = push(smp)
		}
	}

	token := s.client.Subscribe(s.topic, 0, handler)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, token.Error())
	}
	log.Printf("sensors: subscribed to %s", s.topic)

	<-ctx.Done()

	if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
		log.Printf("sensors: unsubscribe %s: %v", s.topic, token.Error())
	}
	return nil
}
