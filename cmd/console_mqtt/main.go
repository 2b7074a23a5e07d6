package main

import (
	"log"

	"github.com/relabs-tech/motion_fusion/internal/app"
	"github.com/relabs-tech/motion_fusion/internal/config"
)

func main() {
	log.Println("starting motion-fusion console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal("inertial_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
