package config

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Sample sources understood by SAMPLE_SOURCE.
const (
	SourceSimulated = "simulated"
	SourceMQTT      = "mqtt"
	SourceSerial    = "serial"
	SourceReplay    = "replay"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDProducer string
	MQTTClientIDMotion   string
	MQTTClientIDConsole  string
	MQTTClientIDWeb      string

	// Topics
	TopicIMU    string // raw IMURaw input
	TopicMotion string // 11-value motion frames
	TopicPose   string // Euler pose derived from each frame
	TopicStatus string // session statistics

	// Sample source
	SampleSource   string
	IMUSource      string // name carried in IMURaw.Source
	SerialPort     string
	SerialBaudRate int
	ReplaySession  string // session id, empty for the latest
	ReplaySpeed    float64

	// IMU Sensor Ranges
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte

	// Capabilities of the sample producer
	MagAvailable             bool
	HeadingAccuracySupported bool

	CalibrationFile string

	// Estimator
	ConvergingGain       float64
	TrackingGain         float64
	ConvergeThreshold    float64
	ConvergeDuration     time.Duration
	ReconvergeThreshold  float64
	AccelRejectThreshold float64
	MaxGyroGap           time.Duration
	StationaryVariance   float64
	StationaryGyroMax    float64
	BiasTimeConstant     time.Duration
	MagFreshness         time.Duration
	MagSeedTimeout       time.Duration

	// Heading accuracy
	HeadingFloor       float64
	HeadingDriftRate   float64
	HeadingLowResidual float64

	// Emission; a zero rate emits once per update
	EmitRate        physic.Frequency
	MinEmitAccuracy string

	// Sample buffering
	ReorderWindow  time.Duration
	BufferCapacity int
	QueueSize      int

	// Recorder; empty RecordDB disables recording
	RecordDB        string
	RecordBatchSize int

	// Simulator
	SimProfile string
	SimRate    physic.Frequency
	SimNoise   float64
	SimSeed    int64

	// Timing
	StatusInterval     time.Duration
	ConsoleLogInterval time.Duration

	// Web Server
	WebServerPort int
}

// Default returns a configuration that runs the simulated feed against a
// local broker. Files only need to list what they change.
func Default() *Config {
	return &Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDProducer: "inertial-producer",
		MQTTClientIDMotion:   "inertial-motion",
		MQTTClientIDConsole:  "inertial-console-subscriber",
		MQTTClientIDWeb:      "inertial-web",

		TopicIMU:    "inertial/imu/left",
		TopicMotion: "inertial/motion",
		TopicPose:   "inertial/pose/fused",
		TopicStatus: "inertial/motion/status",

		SampleSource:   SourceSimulated,
		IMUSource:      "left",
		SerialBaudRate: 115200,
		ReplaySpeed:    1,

		MagAvailable:             true,
		HeadingAccuracySupported: true,

		ConvergingGain:       5,
		TrackingGain:         0.5,
		ConvergeThreshold:    0.05,
		ConvergeDuration:     500 * time.Millisecond,
		ReconvergeThreshold:  0.35,
		AccelRejectThreshold: 2,
		MaxGyroGap:           200 * time.Millisecond,
		StationaryVariance:   0.05,
		StationaryGyroMax:    0.1,
		BiasTimeConstant:     5 * time.Second,
		MagFreshness:         2 * time.Second,
		MagSeedTimeout:       time.Second,

		HeadingFloor:       0.02,
		HeadingDriftRate:   0.002,
		HeadingLowResidual: 0.1,

		EmitRate:        60 * physic.Hertz,
		MinEmitAccuracy: "unreliable",

		ReorderWindow:  20 * time.Millisecond,
		BufferCapacity: 256,
		QueueSize:      1024,

		RecordBatchSize: 200,

		SimProfile: "stationary",
		SimRate:    100 * physic.Hertz,
		SimNoise:   0.01,
		SimSeed:    1,

		StatusInterval:     5 * time.Second,
		ConsoleLogInterval: 100 * time.Millisecond,

		WebServerPort: 8080,
	}
}

// Package-level singleton: InitGlobal sets it once, Get reads it under a
// read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads a KEY=VALUE file, or a flat YAML mapping of the same keys when
// the path ends in .yaml or .yml.
func Load(configPath string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		return loadYAML(configPath)
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", configPath, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cfg := Default()
	for _, k := range keys {
		if err := cfg.setValue(strings.TrimSpace(k), strings.TrimSpace(values[k])); err != nil {
			return nil, fmt.Errorf("config key %s: %w", k, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFloat(key, value string, min, max float64) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if math.IsNaN(v) || v < min || v > max {
		return 0, fmt.Errorf("%s must be in [%g, %g], got %g", key, min, max, v)
	}
	return v, nil
}

func parseInt(key, value string, min, max int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, min, max, v)
	}
	return v, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %v", key, d)
	}
	return d, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func parseFrequency(key, value string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(value); err != nil {
		return 0, fmt.Errorf("invalid %s %q (e.g. 60Hz): %w", key, value, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, f)
	}
	return f, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_MOTION":
		c.MQTTClientIDMotion = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value

	// Topics
	case "TOPIC_IMU":
		c.TopicIMU = value
	case "TOPIC_MOTION":
		c.TopicMotion = value
	case "TOPIC_POSE":
		c.TopicPose = value
	case "TOPIC_STATUS":
		c.TopicStatus = value

	// Sample source
	case "SAMPLE_SOURCE":
		switch strings.ToLower(value) {
		case SourceSimulated, SourceMQTT, SourceSerial, SourceReplay:
			c.SampleSource = strings.ToLower(value)
		default:
			return fmt.Errorf("SAMPLE_SOURCE must be simulated, mqtt, serial or replay, got %q", value)
		}
	case "IMU_SOURCE":
		c.IMUSource = value
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = parseInt(key, value, 1200, 4000000)
	case "REPLAY_SESSION":
		c.ReplaySession = value
	case "REPLAY_SPEED":
		c.ReplaySpeed, err = parseFloat(key, value, 0, 1000)

	// IMU Sensor Ranges
	case "IMU_ACCEL_RANGE":
		var v int
		v, err = parseInt(key, value, 0, 3)
		c.IMUAccelRange = byte(v)
	case "IMU_GYRO_RANGE":
		var v int
		v, err = parseInt(key, value, 0, 3)
		c.IMUGyroRange = byte(v)

	// Capabilities
	case "MAG_AVAILABLE":
		c.MagAvailable, err = parseBool(key, value)
	case "HEADING_ACCURACY_SUPPORTED":
		c.HeadingAccuracySupported, err = parseBool(key, value)

	case "CALIBRATION_FILE":
		c.CalibrationFile = value

	// Estimator
	case "CONVERGING_GAIN":
		c.ConvergingGain, err = parseFloat(key, value, 1e-6, 1000)
	case "TRACKING_GAIN":
		c.TrackingGain, err = parseFloat(key, value, 1e-6, 1000)
	case "CONVERGE_THRESHOLD":
		c.ConvergeThreshold, err = parseFloat(key, value, 1e-6, math.Pi)
	case "CONVERGE_DURATION":
		c.ConvergeDuration, err = parseDuration(key, value)
	case "RECONVERGE_THRESHOLD":
		c.ReconvergeThreshold, err = parseFloat(key, value, 1e-6, math.Pi)
	case "ACCEL_REJECT_THRESHOLD":
		c.AccelRejectThreshold, err = parseFloat(key, value, 1e-6, 100)
	case "MAX_GYRO_GAP":
		c.MaxGyroGap, err = parseDuration(key, value)
	case "STATIONARY_VARIANCE":
		c.StationaryVariance, err = parseFloat(key, value, 1e-9, 100)
	case "STATIONARY_GYRO_MAX":
		c.StationaryGyroMax, err = parseFloat(key, value, 1e-9, 10)
	case "BIAS_TIME_CONSTANT":
		c.BiasTimeConstant, err = parseDuration(key, value)
	case "MAG_FRESHNESS":
		c.MagFreshness, err = parseDuration(key, value)
	case "MAG_SEED_TIMEOUT":
		c.MagSeedTimeout, err = parseDuration(key, value)

	// Heading accuracy
	case "HEADING_FLOOR":
		c.HeadingFloor, err = parseFloat(key, value, 1e-6, math.Pi)
	case "HEADING_DRIFT_RATE":
		c.HeadingDriftRate, err = parseFloat(key, value, 0, 1)
	case "HEADING_LOW_RESIDUAL":
		c.HeadingLowResidual, err = parseFloat(key, value, 1e-6, math.Pi)

	// Emission
	case "EMIT_RATE":
		c.EmitRate, err = parseFrequency(key, value)
	case "MIN_EMIT_ACCURACY":
		switch strings.ToLower(value) {
		case "unreliable", "low", "medium", "high":
			c.MinEmitAccuracy = strings.ToLower(value)
		default:
			return fmt.Errorf("MIN_EMIT_ACCURACY must be unreliable, low, medium or high, got %q", value)
		}

	// Sample buffering
	case "REORDER_WINDOW":
		c.ReorderWindow, err = parseDuration(key, value)
	case "BUFFER_CAPACITY":
		c.BufferCapacity, err = parseInt(key, value, 1, 1<<20)
	case "QUEUE_SIZE":
		c.QueueSize, err = parseInt(key, value, 1, 1<<20)

	// Recorder
	case "RECORD_DB":
		c.RecordDB = value
	case "RECORD_BATCH_SIZE":
		c.RecordBatchSize, err = parseInt(key, value, 1, 100000)

	// Simulator
	case "SIM_PROFILE":
		c.SimProfile = strings.ToLower(value)
	case "SIM_RATE":
		c.SimRate, err = parseFrequency(key, value)
	case "SIM_NOISE":
		c.SimNoise, err = parseFloat(key, value, 0, 10)
	case "SIM_SEED":
		c.SimSeed, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			err = fmt.Errorf("invalid SIM_SEED %q: %w", value, err)
		}

	// Timing
	case "STATUS_INTERVAL":
		c.StatusInterval, err = parseDuration(key, value)
	case "CONSOLE_LOG_INTERVAL":
		c.ConsoleLogInterval, err = parseDuration(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 1, 65535)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks cross-field requirements.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.SampleSource == SourceSerial && c.SerialPort == "" {
		return fmt.Errorf("SERIAL_PORT is required when SAMPLE_SOURCE=serial")
	}
	if c.SampleSource == SourceReplay && c.RecordDB == "" {
		return fmt.Errorf("RECORD_DB is required when SAMPLE_SOURCE=replay")
	}
	if c.ReconvergeThreshold <= c.ConvergeThreshold {
		return fmt.Errorf("RECONVERGE_THRESHOLD must exceed CONVERGE_THRESHOLD")
	}
	if c.MaxGyroGap <= 0 || c.BiasTimeConstant <= 0 || c.MagFreshness <= 0 {
		return fmt.Errorf("MAX_GYRO_GAP, BIAS_TIME_CONSTANT and MAG_FRESHNESS must be > 0")
	}
	if c.SimRate <= 0 {
		return fmt.Errorf("SIM_RATE must be > 0")
	}
	if c.StatusInterval <= 0 || c.ConsoleLogInterval <= 0 {
		return fmt.Errorf("STATUS_INTERVAL and CONSOLE_LOG_INTERVAL must be > 0")
	}
	return nil
}

// EmitPeriod converts EmitRate to a period. Zero means per-update emission.
func (c *Config) EmitPeriod() time.Duration {
	return ratePeriod(c.EmitRate)
}

// SimPeriod is the interval between simulated IMU records.
func (c *Config) SimPeriod() time.Duration {
	return ratePeriod(c.SimRate)
}

func ratePeriod(f physic.Frequency) time.Duration {
	if f <= 0 {
		return 0
	}
	return f.Period()
}

// InitGlobal initializes the global configuration from file. Only the first
// call loads; later calls return nil.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
