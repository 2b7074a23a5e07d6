// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Guided calibration from the IMURaw stream on TOPIC_IMU:
//  1. Gyro: static bias while the IMU is held still.
//  2. Mag: hard-iron offset and per-axis scale from a 3D rotation (min/max).
//
// The result is stored in raw counts; point CALIBRATION_FILE at it to apply
// it to the MQTT sample source.
//
// Run:
//
//	go run ./cmd/calibration -imu left
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/app"
	"github.com/relabs-tech/motion_fusion/internal/config"
)

func main() {
	configPath := flag.String("config", "./inertial_config.txt", "path to configuration file")
	imuName := flag.String("imu", "left", "IMURaw source to calibrate (empty accepts any)")
	out := flag.String("out", "", "output file (default ./calibration/<imu>_<timestamp>.json)")
	gyroDur := flag.Duration("gyro", 10*time.Second, "still capture duration")
	magDur := flag.Duration("mag", 60*time.Second, "rotation capture duration")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	path := *out
	if path == "" {
		name := *imuName
		if name == "" {
			name = "imu"
		}
		path = filepath.Join("calibration", fmt.Sprintf("%s_%s.json", name, time.Now().Format("20060102_150405")))
	}

	if err := app.RunCalibration(*imuName, path, *gyroDur, *magDur); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
