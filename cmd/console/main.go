// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"
	"os"

	"github.com/relabs-tech/motion_fusion/internal/app"
	"github.com/relabs-tech/motion_fusion/internal/config"
)

func main() {
	log.Println("starting motion-fusion (mock console)")

	// The config file is optional here; defaults run the stationary simulation.
	if _, err := os.Stat("inertial_config.txt"); err == nil {
		if err := config.InitGlobal("inertial_config.txt"); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	if err := app.RunMockConsole(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
