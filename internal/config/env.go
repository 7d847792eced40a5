package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvInstanceID  = "PUPPET_INSTANCE_ID"
	EnvSourceURI   = "PUPPET_SOURCE_URI"
	EnvMQTTBroker  = "PUPPET_MQTT_BROKER"
	EnvHTTPPort    = "PUPPET_HTTP_PORT"
	EnvLogLevel    = "PUPPET_LOG_LEVEL"
	EnvDetectorCmd = "PUPPET_DETECTOR_COMMAND"
)

// LoadDotEnv loads the given .env files into the process environment. Missing
// files are ignored; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from PUPPET_* variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvInstanceID); ok && v != "" {
		cfg.InstanceID = v
	}
	if v, ok := os.LookupEnv(EnvSourceURI); ok && v != "" {
		cfg.Source.URI = v
		cfg.Source.Synthetic = false
	}
	if v, ok := os.LookupEnv(EnvMQTTBroker); ok && v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v, ok := os.LookupEnv(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		cfg.HTTP.Port = port
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvDetectorCmd); ok && v != "" {
		cfg.Detector.Command = v
	}
	return nil
}
