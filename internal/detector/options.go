package detector

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Options is the fixed model configuration. Every handle built during one
// process lifetime uses identical options.
type Options struct {
	ModelComplexity        int     `yaml:"model_complexity" validate:"min=0,max=2"`
	SmoothLandmarks        bool    `yaml:"smooth_landmarks"`
	MinDetectionConfidence float64 `yaml:"min_detection_confidence" validate:"gt=0,lte=1"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence" validate:"gt=0,lte=1"`
	RefineFaceLandmarks    bool    `yaml:"refine_face_landmarks"`
}

// DefaultOptions returns the puppeteering defaults: medium complexity,
// smoothing on, 0.7 thresholds and iris refinement.
func DefaultOptions() Options {
	return Options{
		ModelComplexity:        1,
		SmoothLandmarks:        true,
		MinDetectionConfidence: 0.7,
		MinTrackingConfidence:  0.7,
		RefineFaceLandmarks:    true,
	}
}

var validate = validator.New()

// Validate checks ranges.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("detector options: %w", err)
	}
	return nil
}

// Args renders the options as worker command-line flags.
func (o Options) Args() []string {
	return []string{
		"--model-complexity", strconv.Itoa(o.ModelComplexity),
		"--smooth-landmarks=" + strconv.FormatBool(o.SmoothLandmarks),
		"--min-detection-confidence", strconv.FormatFloat(o.MinDetectionConfidence, 'f', 2, 64),
		"--min-tracking-confidence", strconv.FormatFloat(o.MinTrackingConfidence, 'f', 2, 64),
		"--refine-face-landmarks=" + strconv.FormatBool(o.RefineFaceLandmarks),
	}
}
