package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
)

// formatFrame renders a frame as one console line.
func formatFrame(s motion.Snapshot) string {
	heading := "   n/a"
	if s.HasHeadingAccuracy() {
		heading = fmt.Sprintf("%6.3f", s.HeadingAccuracy)
	}
	p := s.Pose()
	return fmt.Sprintf(
		"[MOTION] ROLL=%7.2f PITCH=%7.2f YAW=%7.2f  g=(%6.2f %6.2f %6.2f)  a=(%6.2f %6.2f %6.2f)  hdg±%s",
		p.Roll, p.Pitch, p.Yaw,
		s.Gravity.X, s.Gravity.Y, s.Gravity.Z,
		s.UserAcceleration.X, s.UserAcceleration.Y, s.UserAcceleration.Z,
		heading,
	)
}

// throttle lets one call through per interval.
type throttle struct {
	mu    sync.Mutex
	every time.Duration
	last  time.Time
}

func (t *throttle) allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}

func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	frames := &throttle{every: cfg.ConsoleLogInterval}

	// Subscribe to motion frames
	motionToken := client.Subscribe(cfg.TopicMotion, 0, func(_ mqtt.Client, msg mqtt.Message) {
		snap, err := decodeFrame(msg.Payload())
		if err != nil {
			log.Printf("console: %v", err)
			return
		}
		if frames.allow(time.Now()) {
			fmt.Println(formatFrame(snap))
		}
	})
	motionToken.Wait()
	if motionToken.Error() != nil {
		return motionToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicMotion)

	// Subscribe to the derived pose
	poses := &throttle{every: cfg.ConsoleLogInterval}
	poseToken := client.Subscribe(cfg.TopicPose, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var p orientation.Pose
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("console: pose unmarshal error: %v", err)
			return
		}
		if poses.allow(time.Now()) {
			fmt.Printf("[POSE]   ROLL=%7.2f PITCH=%7.2f YAW=%7.2f\n", p.Roll, p.Pitch, p.Yaw)
		}
	})
	poseToken.Wait()
	if poseToken.Error() != nil {
		return poseToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicPose)

	// Subscribe to session status
	statusToken := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st motion.Stats
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("console: status unmarshal error: %v", err)
			return
		}
		fmt.Printf("[STATUS] session=%s running=%t %s/%s gyro=%d accel=%d mag=%d emitted=%d malformed=%d\n",
			st.SessionID, st.Running, st.Phase, st.Accuracy,
			st.Gyroscope, st.Accelerometer, st.Magnetometer, st.Emitted, st.Malformed)
	})
	statusToken.Wait()
	if statusToken.Error() != nil {
		return statusToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicStatus)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
