package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/sensors"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// magNorm computes the magnitude of the magnetic field vector in counts.
func magNorm(mx, my, mz int16) float64 {
	x := float64(mx)
	y := float64(my)
	z := float64(mz)
	return math.Sqrt(x*x + y*y + z*z)
}

// RunIMUProducer publishes simulated IMURaw records to TOPIC_IMU at SIM_RATE,
// standing in for a hardware IMU producer.
func RunIMUProducer() error {
	log.Println("starting simulated IMU producer")

	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}

	scale, err := imu.NewScale(cfg.IMUAccelRange, cfg.IMUGyroRange)
	if err != nil {
		return err
	}
	sim, err := sensors.NewSimulated(simConfig(cfg), timeutil.RealClock{})
	if err != nil {
		return err
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("publishing %s profile on %s at %s", cfg.SimProfile, cfg.TopicIMU, cfg.SimRate)

	ticker := time.NewTicker(cfg.SimPeriod())
	defer ticker.Stop()
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Println("IMU producer: shutting down")
			return nil
		case t := <-ticker.C:
			rec := sim.NextRaw(cfg.IMUSource, scale)

			payload, err := json.Marshal(rec)
			if err != nil {
				log.Printf("IMU marshal error: %v", err)
				continue
			}
			if token := client.Publish(cfg.TopicIMU, 0, false, payload); token.Wait() && token.Error() != nil {
				log.Printf("MQTT publish error (%s): %v", cfg.TopicIMU, token.Error())
				continue
			}

			if t.Sub(lastLog) >= cfg.StatusInterval {
				lastLog = t
				log.Printf("%s tick: t=%.2f | accel ax=%d ay=%d az=%d | gyro gx=%d gy=%d gz=%d | mag mx=%d my=%d mz=%d | |B|=%.1f",
					t.Format(time.RFC3339), rec.Time,
					rec.Ax, rec.Ay, rec.Az,
					rec.Gx, rec.Gy, rec.Gz,
					rec.Mx, rec.My, rec.Mz,
					magNorm(rec.Mx, rec.My, rec.Mz),
				)
			}
		}
	}
}
