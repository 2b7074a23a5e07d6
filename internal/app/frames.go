package app

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_fusion/internal/motion"
)

// encodeFrame renders the 11-value wire frame as a JSON array.
func encodeFrame(snap motion.Snapshot) ([]byte, error) {
	return json.Marshal(snap.Values())
}

// decodeFrame parses a JSON array frame.
func decodeFrame(payload []byte) (motion.Snapshot, error) {
	var values []float64
	if err := json.Unmarshal(payload, &values); err != nil {
		return motion.Snapshot{}, fmt.Errorf("decode motion frame: %w", err)
	}
	return motion.FromValues(values)
}

// framePublisher publishes each emitted snapshot as a frame and as an Euler
// pose for pose-only consumers.
type framePublisher struct {
	client      mqtt.Client
	topicMotion string
	topicPose   string
}

func (p framePublisher) publish(snap motion.Snapshot) error {
	frame, err := encodeFrame(snap)
	if err != nil {
		return fmt.Errorf("json marshal error (frame): %w", err)
	}
	if token := p.client.Publish(p.topicMotion, 0, false, frame); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT publish error (%s): %w", p.topicMotion, token.Error())
	}

	pose, err := json.Marshal(snap.Pose())
	if err != nil {
		return fmt.Errorf("json marshal error (pose): %w", err)
	}
	if token := p.client.Publish(p.topicPose, 0, true, pose); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT publish error (%s): %w", p.topicPose, token.Error())
	}
	return nil
}

func publishJSON(client mqtt.Client, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal error (%s): %w", topic, err)
	}
	if token := client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT publish error (%s): %w", topic, token.Error())
	}
	return nil
}
