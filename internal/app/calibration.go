// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/motion_fusion/internal/calibration"
	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/imu"
)

var errNoSamples = errors.New("no samples captured")

func gyroCounts(r imu.IMURaw) r3.Vec {
	return r3.Vec{X: float64(r.Gx), Y: float64(r.Gy), Z: float64(r.Gz)}
}

func magCounts(r imu.IMURaw) r3.Vec {
	return r3.Vec{X: float64(r.Mx), Y: float64(r.My), Z: float64(r.Mz)}
}

// captureRaw collects pick(rec) for every record accepted by keep until dur
// elapses, feed closes or ctx is cancelled.
func captureRaw(ctx context.Context, feed <-chan imu.IMURaw, dur time.Duration,
	keep func(imu.IMURaw) bool, pick func(imu.IMURaw) r3.Vec) (calibration.PhaseStats, error) {

	start := time.Now()
	timer := time.NewTimer(dur)
	defer timer.Stop()

	var values []r3.Vec
loop:
	for {
		select {
		case <-ctx.Done():
			return calibration.PhaseStats{}, ctx.Err()
		case <-timer.C:
			break loop
		case rec, ok := <-feed:
			if !ok {
				break loop
			}
			if keep == nil || keep(rec) {
				values = append(values, pick(rec))
			}
		}
	}

	if len(values) == 0 {
		return calibration.PhaseStats{}, errNoSamples
	}
	return calibration.StatsOf(values, time.Since(start)), nil
}

// calibrate runs the still gyro phase and the magnetometer rotation phase.
// prompt is called before each phase and may block until the operator is
// ready.
func calibrate(ctx context.Context, feed <-chan imu.IMURaw, imuName string,
	gyroDur, magDur time.Duration, prompt func(string)) (*calibration.Result, error) {

	res := calibration.New(imuName, time.Now())

	prompt(fmt.Sprintf("Gyro: keep the IMU completely still for %s.", gyroDur))
	gyro, err := captureRaw(ctx, feed, gyroDur, nil, gyroCounts)
	if err != nil {
		return nil, fmt.Errorf("gyro phase: %w", err)
	}
	res.ApplyGyroStatic(gyro)
	log.Printf("calibration: gyro bias (%.1f, %.1f, %.1f) counts, confidence %.2f",
		res.GyroBiasFinal.X, res.GyroBiasFinal.Y, res.GyroBiasFinal.Z, res.Confidence.GyroStatic)

	prompt(fmt.Sprintf("Mag: slowly rotate the IMU through every orientation for %s.", magDur))
	mag, err := captureRaw(ctx, feed, magDur, imu.IMURaw.HasMag, magCounts)
	switch {
	case errors.Is(err, errNoSamples):
		res.Notes = append(res.Notes, "no magnetometer samples; mag calibration skipped")
	case err != nil:
		return nil, fmt.Errorf("mag phase: %w", err)
	default:
		if err := res.ApplyMagMinMax(mag); err != nil {
			res.Notes = append(res.Notes, err.Error())
		} else {
			log.Printf("calibration: mag offset (%.1f, %.1f, %.1f) counts, confidence %.2f",
				res.MagOffset.X, res.MagOffset.Y, res.MagOffset.Z, res.Confidence.Mag)
		}
	}
	return res, nil
}

// RunCalibration captures IMURaw records for imuName from TOPIC_IMU, then
// writes the calibration JSON to outPath.
func RunCalibration(imuName, outPath string, gyroDur, magDur time.Duration) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer+"-calibration")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	feed := make(chan imu.IMURaw, 1024)
	token := client.Subscribe(cfg.TopicIMU, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var rec imu.IMURaw
		if err := json.Unmarshal(msg.Payload(), &rec); err != nil {
			return
		}
		if imuName != "" && rec.Source != imuName {
			return
		}
		select {
		case feed <- rec:
		default:
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	defer client.Unsubscribe(cfg.TopicIMU)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewReader(os.Stdin)
	prompt := func(msg string) {
		fmt.Println()
		fmt.Println(msg)
		fmt.Print("Press ENTER to start...")
		_, _ = in.ReadString('\n')
		// drop whatever queued while waiting
		for len(feed) > 0 {
			<-feed
		}
	}

	res, err := calibrate(ctx, feed, imuName, gyroDur, magDur, prompt)
	if err != nil {
		return err
	}
	if err := res.Save(outPath); err != nil {
		return err
	}
	fmt.Printf("\nCalibration written to %s (overall confidence %.2f)\n", outPath, res.Confidence.Overall)
	for _, n := range res.Notes {
		fmt.Println("note:", n)
	}
	return nil
}
