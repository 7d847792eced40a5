package config

import (
	"fmt"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/retry"
)

// Default returns a configuration that runs against the synthetic source
// with every optional sink disabled.
func Default() *Config {
	return &Config{
		InstanceID:       "puppet-1",
		ShutdownTimeoutS: 5,
		Source: SourceConfig{
			Synthetic:    true,
			PlaybackRate: 0.5,
			Loop:         true,
			Width:        640,
			Height:       480,
			FPS:          30,
		},
		Display: DisplayConfig{RefreshHz: 60},
		Detector: DetectorConfig{
			Command:       detector.DefaultCommand,
			ReadyTimeoutS: 30,
			Options:       detector.DefaultOptions(),
			StartRetry:    retry.DefaultConfig(),
		},
		Overlay:   OverlayConfig{Enabled: true},
		Relay:     RelayConfig{IntervalMs: 33},
		WebSocket: WebSocketConfig{Enabled: true, ClientBuffer: 1},
		Recorder:  RecorderConfig{Path: "data/landmarks.db"},
		HTTP:      HTTPConfig{Port: 8080},
		Log:       LogConfig{Level: "info", Format: "text", MaxSizeMB: 50, MaxBackups: 3},
	}
}

// fillTopics derives unset MQTT topics and QoS from the instance id.
func fillTopics(cfg *Config) {
	t := &cfg.MQTT.Topics
	if t.Control == "" {
		t.Control = fmt.Sprintf("puppet/control/%s", cfg.InstanceID)
	}
	if t.Responses == "" {
		t.Responses = fmt.Sprintf("puppet/control/%s/responses", cfg.InstanceID)
	}
	if t.Pose == "" {
		t.Pose = fmt.Sprintf("puppet/pose/%s", cfg.InstanceID)
	}
	if t.Health == "" {
		t.Health = fmt.Sprintf("puppet/health/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"pose":    0,
			"health":  0,
		}
	}
}
