package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	validate          = validator.New()
)

// Validate checks if the configuration is valid. It also derives unset MQTT
// topics, so it must run before the config is used.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if !cfg.Source.Synthetic && cfg.Source.URI == "" {
		return fmt.Errorf("source.uri is required unless source.synthetic is set")
	}
	if cfg.Source.Synthetic && (cfg.Source.Width == 0 || cfg.Source.Height == 0) {
		return fmt.Errorf("source.width and source.height are required for the synthetic source")
	}
	if (cfg.Source.Width == 0) != (cfg.Source.Height == 0) {
		return fmt.Errorf("source.width and source.height must be set together")
	}

	if err := cfg.Detector.Options.Validate(); err != nil {
		return err
	}
	r := cfg.Detector.StartRetry
	if r.MaxRetryDelay > 0 && r.RetryDelay > r.MaxRetryDelay {
		return fmt.Errorf("detector.start_retry.retry_delay must not exceed max_retry_delay")
	}

	fillTopics(cfg)
	return nil
}
