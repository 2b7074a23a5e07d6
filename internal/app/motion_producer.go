// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/sensors"
	"github.com/relabs-tech/motion_fusion/internal/storage"
)

// pipeline connects a sample source to a session and hands every emitted
// snapshot to sink.
type pipeline struct {
	source  sensors.Source
	session *motion.Session

	onStart     func(sessionID string)
	sink        func(motion.Snapshot)
	status      func(motion.Stats)
	statusEvery time.Duration

	queueFull atomic.Uint64
}

func (p *pipeline) push(s imu.RawSample) error {
	err := p.session.Push(s)
	if errors.Is(err, motion.ErrQueueFull) {
		if n := p.queueFull.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("motion: session queue full, %s samples refused", humanize.Comma(int64(n)))
		}
	}
	return err
}

// run starts the session and blocks until ctx is cancelled or the source
// ends. The session is stopped, with every queued sample applied, before
// run returns.
func (p *pipeline) run(ctx context.Context) error {
	if err := p.session.Start(); err != nil {
		return err
	}
	if p.onStart != nil {
		p.onStart(p.session.ID())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		srcErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := p.source.Run(ctx, p.push); err != nil {
			srcErr = err
		}
	}()

	if p.status != nil && p.statusEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(p.statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.status(p.session.Stats())
				}
			}
		}()
	}

	for snap := range p.session.Emitter().All(ctx) {
		if p.sink != nil {
			p.sink(snap)
		}
	}

	wg.Wait()
	if err := p.session.Stop(); err != nil && !errors.Is(err, motion.ErrSessionStopped) {
		return err
	}
	if p.status != nil {
		p.status(p.session.Stats())
	}
	return srcErr
}

func logStats(st motion.Stats) {
	log.Printf("motion: session %s %s/%s | gyro=%s accel=%s mag=%s | emitted=%s suppressed=%s | malformed=%s late=%s dropped=%s",
		st.SessionID, st.Phase, st.Accuracy,
		humanize.Comma(int64(st.Gyroscope)),
		humanize.Comma(int64(st.Accelerometer)),
		humanize.Comma(int64(st.Magnetometer)),
		humanize.Comma(int64(st.Emitted)),
		humanize.Comma(int64(st.Suppressed)),
		humanize.Comma(int64(st.Malformed)),
		humanize.Comma(int64(st.Buffer.Late)),
		humanize.Comma(int64(st.Dropped)),
	)
}

// RunMotionProducer fuses samples from SAMPLE_SOURCE and publishes motion
// frames, poses and session status to MQTT until interrupted.
func RunMotionProducer() error {
	log.Println("starting motion fusion producer")

	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not initialized")
	}
	mcfg, err := motionConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDMotion)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	var store *storage.Store
	if cfg.RecordDB != "" {
		if store, err = storage.Open(cfg.RecordDB); err != nil {
			return err
		}
		defer store.Close()
	}

	src, err := newSource(ctx, cfg, client, store)
	if err != nil {
		return err
	}

	var (
		opts     []motion.Option
		recorder *storage.Recorder
	)
	if store != nil && cfg.SampleSource != config.SourceReplay {
		if recorder, err = storage.NewRecorder(store, cfg.RecordBatchSize, time.Second); err != nil {
			return err
		}
		opts = append(opts, motion.WithRecorder(recorder))
	}

	session, err := motion.NewSession(mcfg, src.Capabilities(), opts...)
	if err != nil {
		return err
	}

	pub := framePublisher{client: client, topicMotion: cfg.TopicMotion, topicPose: cfg.TopicPose}
	var publishErrs atomic.Uint64
	p := &pipeline{
		source:  src,
		session: session,
		sink: func(snap motion.Snapshot) {
			if err := pub.publish(snap); err != nil {
				if n := publishErrs.Add(1); n == 1 || n%100 == 0 {
					log.Printf("motion: %v (%d publish errors)", err, n)
				}
			}
			if recorder != nil {
				recorder.RecordSnapshot(session.ID(), snap)
			}
		},
		status: func(st motion.Stats) {
			logStats(st)
			if err := publishJSON(client, cfg.TopicStatus, true, st); err != nil {
				log.Printf("motion: %v", err)
			}
		},
		statusEvery: cfg.StatusInterval,
	}

	if recorder != nil {
		p.onStart = func(id string) {
			if err := store.BeginSession(ctx, id, cfg.SampleSource, src.Capabilities(), time.Now()); err != nil {
				log.Printf("storage: %v", err)
			}
		}
	}

	log.Printf("motion: source=%s sensors=%s emit=%s min-accuracy=%s",
		cfg.SampleSource, src.Capabilities(), cfg.EmitRate, cfg.MinEmitAccuracy)

	runErr := p.run(ctx)

	if recorder != nil {
		recorder.Close()
		written, dropped, failed := recorder.Stats()
		log.Printf("storage: %s records written, %s dropped, %s failed",
			humanize.Comma(int64(written)), humanize.Comma(int64(dropped)), humanize.Comma(int64(failed)))
		if err := store.EndSession(context.Background(), session.ID(), time.Now()); err != nil {
			log.Printf("storage: %v", err)
		}
	}
	log.Println("motion: shutting down")
	return runErr
}
