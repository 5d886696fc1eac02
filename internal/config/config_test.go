package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "csv", cfg.Source.Kind)
	assert.Equal(t, "./data", cfg.Source.Path)
	assert.Equal(t, "utf-8", cfg.Source.Charset)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 0.70, cfg.Pipeline.RiskThresholds.Critical, 0.001)
	assert.InDelta(t, 0.50, cfg.Pipeline.RiskThresholds.High, 0.001)
	assert.InDelta(t, 0.30, cfg.Pipeline.RiskThresholds.Medium, 0.001)
	assert.Equal(t, 100, cfg.Pipeline.AnomalyModel.TreeCount)
	assert.InDelta(t, 0.1, cfg.Pipeline.AnomalyModel.ContaminationFraction, 0.001)
	assert.Equal(t, int64(42), cfg.Pipeline.AnomalyModel.RandomSeed)
	assert.Equal(t, 100, cfg.Pipeline.RiskModel.TreeCount)
	assert.InDelta(t, 0.1, cfg.Pipeline.RiskModel.LearningRate, 0.001)
	assert.Equal(t, 5, cfg.Pipeline.RiskModel.MaxDepth)
	assert.InDelta(t, 1.0, cfg.Pipeline.RiskModel.SubsampleFraction, 0.001)
	assert.Equal(t, 10, cfg.Pipeline.MinTrainingTaxpayers)
	assert.Equal(t, 2, cfg.Pipeline.MinLabeledTaxpayers)
	assert.Empty(t, cfg.RetrainSchedule)
	assert.Empty(t, cfg.CalibrationFile)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
source:
  kind: sqlite
  path: /var/lib/taxrisk/registry.db
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  risk_thresholds:
    critical: 0.80
    high: 0.60
    medium: 0.40
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Source.Kind)
	assert.Equal(t, "/var/lib/taxrisk/registry.db", cfg.Source.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.80, cfg.Pipeline.RiskThresholds.Critical, 0.001)
	assert.InDelta(t, 0.60, cfg.Pipeline.RiskThresholds.High, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Pipeline.AnomalyModel.TreeCount)
	assert.Equal(t, 2, cfg.Pipeline.MinLabeledTaxpayers)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
source:
  kind: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TAXRISK_SOURCE_KIND", "postgres")
	t.Setenv("TAXRISK_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Source.Kind)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("TAXRISK_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

// validConfig returns a Config that passes validation in every mode.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Source.Kind = "csv"
	cfg.Source.Path = "./data"
	cfg.Server.Port = 8080
	cfg.Pipeline.RiskThresholds = ThresholdConfig{Critical: 0.70, High: 0.50, Medium: 0.30}
	cfg.Pipeline.AnomalyModel = AnomalyModelParams{TreeCount: 100, ContaminationFraction: 0.1, RandomSeed: 42}
	cfg.Pipeline.RiskModel = RiskModelParams{TreeCount: 100, LearningRate: 0.1, MaxDepth: 5, SubsampleFraction: 1.0, RandomSeed: 42}
	cfg.Pipeline.MinTrainingTaxpayers = 10
	cfg.Pipeline.MinLabeledTaxpayers = 2
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().Validate("run"))
	assert.NoError(t, validConfig().Validate("serve"))
	assert.NoError(t, validConfig().Validate("seed"))
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.RiskThresholds = ThresholdConfig{Critical: 0.50, High: 0.70, Medium: 0.30}

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConfiguration))
	assert.Contains(t, err.Error(), "critical > high > medium")
}

func TestValidate_SourceKind(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Kind = "mongodb"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.kind")

	cfg = validConfig()
	cfg.Source.Kind = "postgres"
	cfg.Source.DSN = ""
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.dsn is required")
}

func TestValidate_ModelParams(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.AnomalyModel.ContaminationFraction = 0.6
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contamination_fraction")

	cfg = validConfig()
	cfg.Pipeline.RiskModel.LearningRate = 0
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning_rate")

	cfg = validConfig()
	cfg.Pipeline.RiskModel.MaxDepth = 0
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_depth")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validConfig().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestLoadCalibration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk-calibration.yaml")
	yaml := `
calibration:
  risk_thresholds:
    critical: 0.75
    high: 0.55
    medium: 0.35
  recommendations:
    CRITICAL: "Open a fraud case immediately."
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cal, err := LoadCalibration(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, cal.Thresholds.Critical, 0.001)
	assert.InDelta(t, 0.55, cal.Thresholds.High, 0.001)
	assert.Equal(t, "Open a fraud case immediately.", cal.Recommendations[model.RiskCritical])
}

func TestLoadCalibration_BadOrdering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk-calibration.yaml")
	yaml := `
calibration:
  risk_thresholds:
    critical: 0.40
    high: 0.55
    medium: 0.35
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	_, err := LoadCalibration(path)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConfiguration))
}

func TestLoadCalibration_UnknownLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk-calibration.yaml")
	yaml := `
calibration:
  risk_thresholds:
    critical: 0.70
    high: 0.50
    medium: 0.30
  recommendations:
    SEVERE: "not a level"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	_, err := LoadCalibration(path)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeConfiguration))
}

func TestLoadCalibration_MissingFile(t *testing.T) {
	_, err := LoadCalibration(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
