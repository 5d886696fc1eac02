package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/monitoring"
	"github.com/openfisc/taxrisk/internal/report"
	"github.com/openfisc/taxrisk/internal/seed"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		RiskThresholds:       config.ThresholdConfig{Critical: 0.70, High: 0.50, Medium: 0.30},
		AnomalyModel:         config.AnomalyModelParams{TreeCount: 50, ContaminationFraction: 0.1, RandomSeed: 42},
		RiskModel:            config.RiskModelParams{TreeCount: 60, LearningRate: 0.1, MaxDepth: 4, SubsampleFraction: 1.0, RandomSeed: 42},
		MinTrainingTaxpayers: 10,
		MinLabeledTaxpayers:  2,
	}
}

func newFittedEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(testPipelineConfig(), nil)
	_, err := eng.Retrain(context.Background(), seed.Generate(42))
	require.NoError(t, err)
	return eng
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := newFittedEngine(t)
	load := func(ctx context.Context) (*model.Dataset, error) {
		return seed.Generate(42), nil
	}
	srv := NewServer(config.ServerConfig{CORSOrigins: []string{"*"}}, eng, nil, load)
	return srv, eng
}

func doRequest(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_fitted"])
}

func TestHealth_BeforeFirstFit(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, engine.New(testPipelineConfig(), nil), nil, nil)
	rec := doRequest(srv.Router(), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, false, body["model_fitted"])
}

func TestSummary(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary report.Summary
	decodeJSON(t, rec, &summary)
	assert.Equal(t, 50, summary.TotalTaxpayers)
	assert.Equal(t, 350, summary.ReturnsFiled)
	assert.Equal(t, 30, summary.AuditsCompleted)
	assert.InDelta(t, 80.0, summary.ComplianceRate, 0.01)

	levelTotal := 0
	for _, n := range summary.RiskLevels {
		levelTotal += n
	}
	assert.Equal(t, 50, levelTotal)
}

func TestSummary_BeforeFirstFit(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, engine.New(testPipelineConfig(), nil), nil, nil)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/summary")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, model.CodeInsufficientData, resp.Code)
}

func TestTaxpayerDetail(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/taxpayers/TP-1001")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail taxpayerDetail
	decodeJSON(t, rec, &detail)
	assert.Equal(t, "TP-1001", detail.Taxpayer.ID)
	assert.NotEmpty(t, detail.Taxpayer.BusinessName)
	assert.Len(t, detail.Returns, 7)
	assert.Equal(t, "TP-1001", detail.Assessment.TaxpayerID)
	assert.Equal(t, "TP-1001", detail.Features.TaxpayerID)
	assert.Equal(t, "TP-1001", detail.Anomaly.TaxpayerID)
}

func TestTaxpayerDetail_Unknown(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/taxpayers/TP-9999")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, model.CodeUnknownTaxpayer, resp.Code)
}

func TestRiskScores(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/risk-scores")
	require.Equal(t, http.StatusOK, rec.Code)

	var queue []model.QueueEntry
	decodeJSON(t, rec, &queue)
	require.Len(t, queue, 50)
	assert.Equal(t, 1, queue[0].Rank)
	for i := 1; i < len(queue); i++ {
		assert.GreaterOrEqual(t, queue[i-1].RiskScore, queue[i].RiskScore)
	}
}

func TestHighRisk(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/high-risk")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []model.RiskAssessment
	decodeJSON(t, rec, &out)
	require.NotEmpty(t, out, "seeded fraud profiles should score high")
	assert.LessOrEqual(t, len(out), defaultHighRiskLimit)
	for _, a := range out {
		assert.True(t, a.RiskLevel.AtLeast(model.RiskHigh), "taxpayer %s level %s", a.TaxpayerID, a.RiskLevel)
	}
}

func TestHighRisk_Limit(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/high-risk?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []model.RiskAssessment
	decodeJSON(t, rec, &out)
	assert.LessOrEqual(t, len(out), 2)

	rec = doRequest(srv.Router(), http.MethodGet, "/api/v1/high-risk?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnomalies(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(router, http.MethodGet, "/api/v1/anomalies")
	require.Equal(t, http.StatusOK, rec.Code)

	var flagged []model.AnomalyScore
	decodeJSON(t, rec, &flagged)
	require.NotEmpty(t, flagged)
	for i, a := range flagged {
		assert.True(t, a.Anomalous)
		if i > 0 {
			assert.GreaterOrEqual(t, flagged[i-1].Score, a.Score)
		}
	}

	// Count agrees with the summary's flagged total.
	rec = doRequest(router, http.MethodGet, "/api/v1/summary")
	var summary report.Summary
	decodeJSON(t, rec, &summary)
	assert.Equal(t, summary.AnomaliesFlagged, len(flagged))
}

func TestQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(router, http.MethodGet, "/api/v1/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	var queue []model.QueueEntry
	decodeJSON(t, rec, &queue)
	require.Len(t, queue, defaultQueueLimit)
	assert.Equal(t, 1, queue[0].Rank)
	assert.Equal(t, defaultQueueLimit, queue[len(queue)-1].Rank)

	rec = doRequest(router, http.MethodGet, "/api/v1/queue?limit=3")
	queue = nil
	decodeJSON(t, rec, &queue)
	assert.Len(t, queue, 3)

	rec = doRequest(router, http.MethodGet, "/api/v1/queue?limit=500")
	queue = nil
	decodeJSON(t, rec, &queue)
	assert.Len(t, queue, 50)

	rec = doRequest(router, http.MethodGet, "/api/v1/queue?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndustryStats(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/industry-stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int
	decodeJSON(t, rec, &stats)
	total := 0
	for _, n := range stats {
		total += n
	}
	assert.Equal(t, 50, total)
}

func TestComplianceStats(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/compliance-stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int
	decodeJSON(t, rec, &stats)
	assert.Equal(t, 24, stats["Compliant"])
	assert.Equal(t, 6, stats["Non-Compliant"])
}

func TestModelInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv.Router(), http.MethodGet, "/api/v1/model")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Info          model.ModelInfo        `json:"info"`
		Thresholds    config.ThresholdConfig `json:"thresholds"`
		AnomalyCutoff float64                `json:"anomaly_cutoff"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 30, resp.Info.LabeledTaxpayers)
	assert.Equal(t, 6, resp.Info.PositiveLabels)
	assert.Len(t, resp.Info.FeatureImportance, len(model.RiskFeatureNames))
	assert.Equal(t, 0.70, resp.Thresholds.Critical)
	assert.Greater(t, resp.AnomalyCutoff, 0.0)
}

func TestRetrain(t *testing.T) {
	srv, eng := newTestServer(t)
	previous := eng.Result().RunID

	rec := doRequest(srv.Router(), http.MethodPost, "/api/v1/retrain")
	require.Equal(t, http.StatusOK, rec.Code)

	var info model.ModelInfo
	decodeJSON(t, rec, &info)
	assert.NotEqual(t, previous, info.RunID)
	assert.Equal(t, info.RunID, eng.Result().RunID)
}

func TestRetrain_NotEnabled(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, newFittedEngine(t), nil, nil)
	rec := doRequest(srv.Router(), http.MethodPost, "/api/v1/retrain")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRetrain_InsufficientLabels(t *testing.T) {
	eng := newFittedEngine(t)
	previous := eng.Result().RunID

	load := func(ctx context.Context) (*model.Dataset, error) {
		ds := seed.Generate(42)
		for i := range ds.Audits {
			ds.Audits[i].Finding = model.FindingCompliant
			ds.Audits[i].TaxRecovery = 0
			ds.Audits[i].ReasonCode = ""
		}
		return ds, nil
	}
	srv := NewServer(config.ServerConfig{}, eng, nil, load)

	rec := doRequest(srv.Router(), http.MethodPost, "/api/v1/retrain")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, model.CodeInsufficientLabels, resp.Code)
	assert.Equal(t, previous, eng.Result().RunID, "failed retrain must keep serving the old run")
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, errorStatus(engine.ErrRetrainInFlight))
	assert.Equal(t, http.StatusNotFound, errorStatus(model.Errorf(model.CodeUnknownTaxpayer, "x")))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(model.Errorf(model.CodeInsufficientData, "x")))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(model.Errorf(model.CodeInsufficientLabels, "x")))
	assert.Equal(t, http.StatusBadRequest, errorStatus(model.Errorf(model.CodeConfiguration, "x")))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(assert.AnError))
}

func TestRateLimit(t *testing.T) {
	eng := newFittedEngine(t)
	srv := NewServer(config.ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2}, eng, nil, nil)
	router := srv.Router()

	// httptest requests share a RemoteAddr, so they drain one bucket.
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/v1/summary").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/v1/summary").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, http.MethodGet, "/api/v1/summary").Code)

	// Health stays reachable for probes.
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/healthz").Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/summary", nil)
	req.Header.Set("Origin", "https://dashboard.example.gov")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	eng := newFittedEngine(t)
	srv := NewServer(config.ServerConfig{}, eng, monitoring.NewMetrics(), nil)
	router := srv.Router()

	doRequest(router, http.MethodGet, "/api/v1/summary")
	rec := doRequest(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taxrisk_http_requests_total")

	// Without metrics wired the endpoint does not exist.
	bare := NewServer(config.ServerConfig{}, eng, nil, nil)
	assert.Equal(t, http.StatusNotFound, doRequest(bare.Router(), http.MethodGet, "/metrics").Code)
}
