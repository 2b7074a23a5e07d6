// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/sensors"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// RunMockConsole fuses the simulated feed in-process and prints frames,
// without a broker. It uses the global configuration when loaded.
func RunMockConsole() error {
	cfg := config.Get()
	if cfg == nil {
		cfg = config.Default()
	}
	mcfg, err := motionConfig(cfg)
	if err != nil {
		return err
	}

	src, err := sensors.NewSimulated(simConfig(cfg), timeutil.RealClock{})
	if err != nil {
		return err
	}
	session, err := motion.NewSession(mcfg, src.Capabilities())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	frames := &throttle{every: cfg.ConsoleLogInterval}
	p := &pipeline{
		source:  src,
		session: session,
		sink: func(snap motion.Snapshot) {
			if frames.allow(time.Now()) {
				fmt.Printf("%s  [%s]\n", formatFrame(snap), snap.Accuracy)
			}
		},
		status:      logStats,
		statusEvery: cfg.StatusInterval,
	}
	return p.run(ctx)
}
