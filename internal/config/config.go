// Package config loads application configuration from file and environment
// and owns the global logger setup.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openfisc/taxrisk/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Source          SourceConfig   `yaml:"source" mapstructure:"source"`
	Server          ServerConfig   `yaml:"server" mapstructure:"server"`
	Log             LogConfig      `yaml:"log" mapstructure:"log"`
	Pipeline        PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	RetrainSchedule string         `yaml:"retrain_schedule" mapstructure:"retrain_schedule"`
	CalibrationFile string         `yaml:"calibration_file" mapstructure:"calibration_file"`
}

// SourceConfig configures where taxpayer, return, and audit records load from.
type SourceConfig struct {
	Kind    string `yaml:"kind" mapstructure:"kind"`       // csv | xlsx | ftp | sqlite | postgres
	Path    string `yaml:"path" mapstructure:"path"`       // csv dir, xlsx file, or sqlite file
	URL     string `yaml:"url" mapstructure:"url"`         // ftp base url
	Charset string `yaml:"charset" mapstructure:"charset"` // csv charset, utf-8 when empty
	DSN     string `yaml:"dsn" mapstructure:"dsn"`         // postgres connection string
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PipelineConfig carries the scoring pipeline's tunables.
type PipelineConfig struct {
	RiskThresholds       ThresholdConfig    `yaml:"risk_thresholds" mapstructure:"risk_thresholds"`
	AnomalyModel         AnomalyModelParams `yaml:"anomaly_model_params" mapstructure:"anomaly_model_params"`
	RiskModel            RiskModelParams    `yaml:"risk_model_params" mapstructure:"risk_model_params"`
	MinTrainingTaxpayers int                `yaml:"min_training_taxpayers" mapstructure:"min_training_taxpayers"`
	MinLabeledTaxpayers  int                `yaml:"min_labeled_taxpayers" mapstructure:"min_labeled_taxpayers"`
}

// ThresholdConfig maps risk scores to levels. Lower bounds are closed:
// a score equal to Critical is CRITICAL.
type ThresholdConfig struct {
	Critical float64 `yaml:"critical" mapstructure:"critical" json:"critical"`
	High     float64 `yaml:"high" mapstructure:"high" json:"high"`
	Medium   float64 `yaml:"medium" mapstructure:"medium" json:"medium"`
}

// AnomalyModelParams configures the isolation forest.
type AnomalyModelParams struct {
	TreeCount             int     `yaml:"tree_count" mapstructure:"tree_count"`
	ContaminationFraction float64 `yaml:"contamination_fraction" mapstructure:"contamination_fraction"`
	RandomSeed            int64   `yaml:"random_seed" mapstructure:"random_seed"`
}

// RiskModelParams configures the gradient-boosted classifier.
type RiskModelParams struct {
	TreeCount         int     `yaml:"tree_count" mapstructure:"tree_count"`
	LearningRate      float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	MaxDepth          int     `yaml:"max_depth" mapstructure:"max_depth"`
	SubsampleFraction float64 `yaml:"subsample_fraction" mapstructure:"subsample_fraction"`
	RandomSeed        int64   `yaml:"random_seed" mapstructure:"random_seed"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TAXRISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("source.kind", "csv")
	v.SetDefault("source.path", "./data")
	v.SetDefault("source.charset", "utf-8")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("pipeline.risk_thresholds.critical", 0.70)
	v.SetDefault("pipeline.risk_thresholds.high", 0.50)
	v.SetDefault("pipeline.risk_thresholds.medium", 0.30)
	v.SetDefault("pipeline.anomaly_model_params.tree_count", 100)
	v.SetDefault("pipeline.anomaly_model_params.contamination_fraction", 0.1)
	v.SetDefault("pipeline.anomaly_model_params.random_seed", 42)
	v.SetDefault("pipeline.risk_model_params.tree_count", 100)
	v.SetDefault("pipeline.risk_model_params.learning_rate", 0.1)
	v.SetDefault("pipeline.risk_model_params.max_depth", 5)
	v.SetDefault("pipeline.risk_model_params.subsample_fraction", 1.0)
	v.SetDefault("pipeline.risk_model_params.random_seed", 42)
	v.SetDefault("pipeline.min_training_taxpayers", 10)
	v.SetDefault("pipeline.min_labeled_taxpayers", 2)
	v.SetDefault("retrain_schedule", "")
	v.SetDefault("calibration_file", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Threshold and
// model-parameter violations surface as CONFIGURATION_ERROR.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "queue":
		errs = append(errs, c.validateSource()...)
		errs = append(errs, c.Pipeline.validate()...)
	case "serve":
		errs = append(errs, c.validateSource()...)
		errs = append(errs, c.Pipeline.validate()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Server.RateLimitRPS < 0 {
			errs = append(errs, "server.rate_limit_rps must be >= 0")
		}
	case "import", "seed":
		// Destination checks happen in the commands; pipeline config unused.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return model.NewError(model.CodeConfiguration,
			eris.Errorf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateSource() []string {
	var errs []string
	switch c.Source.Kind {
	case "csv", "xlsx", "sqlite":
		if c.Source.Path == "" {
			errs = append(errs, fmt.Sprintf("source.path is required for kind %q", c.Source.Kind))
		}
	case "ftp":
		if c.Source.URL == "" {
			errs = append(errs, "source.url is required for kind \"ftp\"")
		}
	case "postgres":
		if c.Source.DSN == "" {
			errs = append(errs, "source.dsn is required for kind \"postgres\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("source.kind %q is not one of csv, xlsx, ftp, sqlite, postgres", c.Source.Kind))
	}
	return errs
}

func (p *PipelineConfig) validate() []string {
	var errs []string

	errs = append(errs, p.RiskThresholds.validate()...)

	if p.AnomalyModel.TreeCount < 1 {
		errs = append(errs, "anomaly_model_params.tree_count must be >= 1")
	}
	if p.AnomalyModel.ContaminationFraction <= 0 || p.AnomalyModel.ContaminationFraction >= 0.5 {
		errs = append(errs, "anomaly_model_params.contamination_fraction must be in (0, 0.5)")
	}
	if p.RiskModel.TreeCount < 1 {
		errs = append(errs, "risk_model_params.tree_count must be >= 1")
	}
	if p.RiskModel.LearningRate <= 0 || p.RiskModel.LearningRate > 1 {
		errs = append(errs, "risk_model_params.learning_rate must be in (0, 1]")
	}
	if p.RiskModel.MaxDepth < 1 {
		errs = append(errs, "risk_model_params.max_depth must be >= 1")
	}
	if p.RiskModel.SubsampleFraction <= 0 || p.RiskModel.SubsampleFraction > 1 {
		errs = append(errs, "risk_model_params.subsample_fraction must be in (0, 1]")
	}
	if p.MinTrainingTaxpayers < 1 {
		errs = append(errs, "min_training_taxpayers must be >= 1")
	}
	if p.MinLabeledTaxpayers < 2 {
		errs = append(errs, "min_labeled_taxpayers must be >= 2")
	}

	return errs
}

func (t *ThresholdConfig) validate() []string {
	var errs []string
	if t.Critical < 0 || t.Critical > 1 {
		errs = append(errs, "risk_thresholds.critical must be in [0, 1]")
	}
	if t.High < 0 || t.High > 1 {
		errs = append(errs, "risk_thresholds.high must be in [0, 1]")
	}
	if t.Medium < 0 || t.Medium > 1 {
		errs = append(errs, "risk_thresholds.medium must be in [0, 1]")
	}
	if !(t.Critical > t.High && t.High > t.Medium) {
		errs = append(errs, "risk_thresholds must satisfy critical > high > medium")
	}
	return errs
}

// ValidateThresholds checks a threshold set on its own, for calibration
// reloads that bypass full config validation.
func ValidateThresholds(t ThresholdConfig) error {
	if errs := t.validate(); len(errs) > 0 {
		return model.NewError(model.CodeConfiguration,
			eris.Errorf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
