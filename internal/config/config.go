// Package config loads the puppeteer configuration from YAML, applies
// defaults and environment overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/retry"
)

// Config represents the complete puppeteer configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id" validate:"required"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s" validate:"min=0"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig    `yaml:"source"`
	Display          DisplayConfig   `yaml:"display"`
	Detector         DetectorConfig  `yaml:"detector"`
	Overlay          OverlayConfig   `yaml:"overlay"`
	Relay            RelayConfig     `yaml:"relay"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	WebSocket        WebSocketConfig `yaml:"websocket"`
	Recorder         RecorderConfig  `yaml:"recorder"`
	HTTP             HTTPConfig      `yaml:"http"`
	Log              LogConfig       `yaml:"log"`
}

// SourceConfig selects and tunes the video source
type SourceConfig struct {
	URI          string  `yaml:"uri"`
	Synthetic    bool    `yaml:"synthetic"`                            // generated gradient instead of a decoded URI
	PlaybackRate float64 `yaml:"playback_rate" validate:"gt=0,lte=16"` // 0.5 plays at half speed
	Loop         bool    `yaml:"loop"`
	Width        int     `yaml:"width" validate:"min=0"`  // 0 keeps the native width
	Height       int     `yaml:"height" validate:"min=0"` // 0 keeps the native height
	FPS          float64 `yaml:"fps" validate:"min=0"`    // synthetic source only
}

// DisplayConfig drives the frame clock
type DisplayConfig struct {
	RefreshHz float64 `yaml:"refresh_hz" validate:"gt=0,lte=240"`
}

// DetectorConfig configures the holistic worker
type DetectorConfig struct {
	Command       string           `yaml:"command" validate:"required"`
	Args          []string         `yaml:"args"`
	Env           []string         `yaml:"env"`
	ReadyTimeoutS int              `yaml:"ready_timeout_s" validate:"min=0"`
	Options       detector.Options `yaml:"options"`
	StartRetry    retry.Config     `yaml:"start_retry"`
}

// OverlayConfig controls landmark rendering
type OverlayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	FaceGraphPath string `yaml:"face_graph_path"` // optional JSON list of [from,to] pairs
}

// RelayConfig sets the pose consumer cadence
type RelayConfig struct {
	IntervalMs int `yaml:"interval_ms" validate:"min=1"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool            `yaml:"enabled"`
	Broker  string          `yaml:"broker" validate:"required_if=Enabled true"`
	Topics  MQTTTopics      `yaml:"topics"`
	QoS     map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Pose      string `yaml:"pose"`
	Health    string `yaml:"health"`
}

// WebSocketConfig configures the browser pose feed
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
	// ClientBuffer is the number of poses queued per client before drops
	ClientBuffer int `yaml:"client_buffer" validate:"min=0"`
}

// RecorderConfig configures landmark recording to SQLite
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// HTTPConfig configures the health server
type HTTPConfig struct {
	Port int `yaml:"port" validate:"min=0,max=65535"` // 0 disables the server
}

// LogConfig configures slog output
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"` // rotated with lumberjack when set
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// RelayInterval returns the relay poll period.
func (c *Config) RelayInterval() time.Duration {
	return time.Duration(c.Relay.IntervalMs) * time.Millisecond
}

// Load reads and parses a YAML configuration file, then applies environment
// overrides, defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
