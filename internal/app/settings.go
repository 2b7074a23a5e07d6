package app

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_fusion/internal/calibration"
	"github.com/relabs-tech/motion_fusion/internal/config"
	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/motion"
	"github.com/relabs-tech/motion_fusion/internal/orientation"
	"github.com/relabs-tech/motion_fusion/internal/sensors"
	"github.com/relabs-tech/motion_fusion/internal/storage"
	"github.com/relabs-tech/motion_fusion/internal/timeutil"
)

// motionConfig maps the flat file configuration onto the session config.
func motionConfig(cfg *config.Config) (motion.Config, error) {
	minAcc, err := orientation.ParseAccuracy(cfg.MinEmitAccuracy)
	if err != nil {
		return motion.Config{}, err
	}

	est := orientation.DefaultConfig()
	est.UseMagnetometer = cfg.MagAvailable
	est.ConvergingGain = cfg.ConvergingGain
	est.TrackingGain = cfg.TrackingGain
	est.ConvergeThreshold = cfg.ConvergeThreshold
	est.ConvergeDuration = cfg.ConvergeDuration.Seconds()
	est.ReconvergeThreshold = cfg.ReconvergeThreshold
	est.AccelRejectThreshold = cfg.AccelRejectThreshold
	est.MaxGyroGap = cfg.MaxGyroGap.Seconds()
	est.StationaryVariance = cfg.StationaryVariance
	est.StationaryGyroMax = cfg.StationaryGyroMax
	est.BiasTimeConstant = cfg.BiasTimeConstant.Seconds()
	est.MagFreshness = cfg.MagFreshness.Seconds()
	est.MagSeedTimeout = cfg.MagSeedTimeout.Seconds()

	mc := motion.Config{
		Estimator: est,
		Heading: motion.HeadingConfig{
			Floor:        cfg.HeadingFloor,
			MinDriftRate: cfg.HeadingDriftRate,
			LowResidual:  cfg.HeadingLowResidual,
		},
		EmitPeriod:      cfg.EmitPeriod(),
		MinEmitAccuracy: minAcc,
		BufferCapacity:  cfg.BufferCapacity,
		ReorderWindow:   cfg.ReorderWindow,
		QueueSize:       cfg.QueueSize,
	}
	if err := mc.Validate(); err != nil {
		return motion.Config{}, err
	}
	return mc, nil
}

// capabilities reports what the configured producer offers.
func capabilities(cfg *config.Config) imu.Capabilities {
	return imu.Capabilities{
		Gyroscope:       true,
		Accelerometer:   true,
		Magnetometer:    cfg.MagAvailable,
		HeadingAccuracy: cfg.MagAvailable && cfg.HeadingAccuracySupported,
	}
}

func simConfig(cfg *config.Config) sensors.SimConfig {
	return sensors.SimConfig{
		Profile:         cfg.SimProfile,
		Period:          cfg.SimPeriod(),
		Noise:           cfg.SimNoise,
		Magnetometer:    cfg.MagAvailable,
		HeadingAccuracy: cfg.HeadingAccuracySupported,
		Seed:            cfg.SimSeed,
	}
}

// converter builds the IMURaw converter, applying CALIBRATION_FILE when set.
func converter(cfg *config.Config) (sensors.Converter, error) {
	scale, err := imu.NewScale(cfg.IMUAccelRange, cfg.IMUGyroRange)
	if err != nil {
		return sensors.Converter{}, err
	}
	var cal *calibration.Result
	if cfg.CalibrationFile != "" {
		if cal, err = calibration.Load(cfg.CalibrationFile); err != nil {
			return sensors.Converter{}, err
		}
		log.Printf("calibration %s loaded (IMU %s, taken %s, confidence %.2f)",
			cfg.CalibrationFile, cal.IMU, cal.CalibrationAt, cal.Confidence.Overall)
	}
	return sensors.NewConverter(scale, cal), nil
}

// newSource builds the producer named by SAMPLE_SOURCE. store is only used
// for replay.
func newSource(ctx context.Context, cfg *config.Config, client mqtt.Client, store *storage.Store) (sensors.Source, error) {
	switch cfg.SampleSource {
	case config.SourceSimulated:
		return sensors.NewSimulated(simConfig(cfg), timeutil.RealClock{})

	case config.SourceMQTT:
		conv, err := converter(cfg)
		if err != nil {
			return nil, err
		}
		return sensors.NewMQTTSource(client, cfg.TopicIMU, conv, capabilities(cfg)), nil

	case config.SourceSerial:
		return sensors.NewSerialSource(cfg.SerialPort, cfg.SerialBaudRate, capabilities(cfg)), nil

	case config.SourceReplay:
		if store == nil {
			return nil, fmt.Errorf("replay needs RECORD_DB")
		}
		info, err := store.Session(ctx, cfg.ReplaySession)
		if err != nil {
			return nil, err
		}
		samples, err := store.Samples(ctx, info.ID)
		if err != nil {
			return nil, err
		}
		log.Printf("replaying session %s (%d samples, recorded %s)",
			info.ID, len(samples), info.StartedAt.Format(time.RFC3339))
		return sensors.NewReplaySource(samples, info.Capabilities, cfg.ReplaySpeed)
	}
	return nil, fmt.Errorf("unknown sample source %q", cfg.SampleSource)
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect %s: %w", broker, token.Error())
	}
	log.Printf("connected to MQTT broker at %s", broker)
	return client, nil
}
