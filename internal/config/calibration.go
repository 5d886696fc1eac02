package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/openfisc/taxrisk/internal/model"
)

// Calibration is a standalone risk-calibration file: level thresholds plus
// optional per-level recommendation overrides. It can be reloaded at runtime
// without retraining the models.
type Calibration struct {
	Thresholds      ThresholdConfig            `yaml:"risk_thresholds"`
	Recommendations map[model.RiskLevel]string `yaml:"recommendations,omitempty"`
}

// LoadCalibration reads and validates a calibration YAML file.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read calibration %s", path)
	}

	// Calibration files nest everything under a top-level "calibration" key.
	var wrapper struct {
		Calibration Calibration `yaml:"calibration"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse calibration")
	}

	cal := &wrapper.Calibration
	if err := ValidateThresholds(cal.Thresholds); err != nil {
		return nil, err
	}

	for level := range cal.Recommendations {
		switch level {
		case model.RiskCritical, model.RiskHigh, model.RiskMedium, model.RiskLow:
		default:
			return nil, model.Errorf(model.CodeConfiguration,
				"config: calibration names unknown risk level %q", level)
		}
	}

	return cal, nil
}
