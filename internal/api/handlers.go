package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/report"
)

const (
	defaultHighRiskLimit = 15
	defaultQueueLimit    = 20
)

type errorResponse struct {
	Error string     `json:"error"`
	Code  model.Code `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: model.CodeOf(err)})
}

// errorStatus maps pipeline errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrRetrainInFlight):
		return http.StatusConflict
	case model.IsCode(err, model.CodeUnknownTaxpayer):
		return http.StatusNotFound
	case model.IsCode(err, model.CodeInsufficientData),
		model.IsCode(err, model.CodeInsufficientLabels):
		return http.StatusUnprocessableEntity
	case model.IsCode(err, model.CodeConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// snapshot fetches the current snapshot, answering 503 when nothing has been
// fitted yet. Handlers read all state from the one snapshot they are handed
// so a concurrent retrain can never mix two runs in one response.
func (s *Server) snapshot(w http.ResponseWriter) *engine.Snapshot {
	snap := s.engine.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable,
			model.Errorf(model.CodeInsufficientData, "api: no model fitted yet"))
	}
	return snap
}

// queryLimit parses the limit parameter, returning def when absent and -1
// when malformed.
func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"model_fitted": s.engine.Result() != nil,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, report.BuildSummary(snap.Dataset, snap.Result))
}

// taxpayerDetail is the full per-taxpayer view: raw records plus everything
// the current run derived from them.
type taxpayerDetail struct {
	Taxpayer   model.TaxpayerRecord `json:"taxpayer"`
	Returns    []model.ReturnRecord `json:"returns"`
	Audits     []model.AuditRecord  `json:"audits"`
	Features   model.FeatureVector  `json:"features"`
	Anomaly    model.AnomalyScore   `json:"anomaly"`
	Assessment model.RiskAssessment `json:"assessment"`
}

func (s *Server) handleTaxpayer(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}

	id := chi.URLParam(r, "id")
	assessment, ok := snap.Result.Assessments[id]
	if !ok {
		writeError(w, http.StatusNotFound,
			model.Errorf(model.CodeUnknownTaxpayer, "api: taxpayer %s not in current population", id))
		return
	}

	detail := taxpayerDetail{
		Returns:    []model.ReturnRecord{},
		Audits:     []model.AuditRecord{},
		Features:   snap.Result.Features[id],
		Anomaly:    snap.Result.Anomalies[id],
		Assessment: assessment,
	}
	for _, tp := range snap.Dataset.Taxpayers {
		if tp.ID == id {
			detail.Taxpayer = tp
			break
		}
	}
	for _, ret := range snap.Dataset.Returns {
		if ret.TaxpayerID == id {
			detail.Returns = append(detail.Returns, ret)
		}
	}
	for _, audit := range snap.Dataset.Audits {
		if audit.TaxpayerID == id {
			detail.Audits = append(detail.Audits, audit)
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRiskScores(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, snap.Result.Queue)
}

func (s *Server) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	limit := queryLimit(r, defaultHighRiskLimit)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, errors.New("api: limit must be a non-negative integer"))
		return
	}

	out := make([]model.RiskAssessment, 0, limit)
	for _, entry := range snap.Result.Queue {
		if len(out) == limit {
			break
		}
		if entry.RiskLevel.AtLeast(model.RiskHigh) {
			out = append(out, snap.Result.Assessments[entry.TaxpayerID])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}

	flagged := make([]model.AnomalyScore, 0)
	for _, a := range snap.Result.Anomalies {
		if a.Anomalous {
			flagged = append(flagged, a)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		if flagged[i].Score != flagged[j].Score {
			return flagged[i].Score > flagged[j].Score
		}
		return flagged[i].TaxpayerID < flagged[j].TaxpayerID
	})
	writeJSON(w, http.StatusOK, flagged)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	limit := queryLimit(r, defaultQueueLimit)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, errors.New("api: limit must be a non-negative integer"))
		return
	}
	if limit > len(snap.Result.Queue) {
		limit = len(snap.Result.Queue)
	}
	writeJSON(w, http.StatusOK, snap.Result.Queue[:limit])
}

func (s *Server) handleIndustryStats(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, report.IndustryStats(snap.Dataset))
}

func (s *Server) handleComplianceStats(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, report.ComplianceStats(snap.Dataset))
}

type modelResponse struct {
	Info          model.ModelInfo        `json:"info"`
	Thresholds    config.ThresholdConfig `json:"thresholds"`
	AnomalyCutoff float64                `json:"anomaly_cutoff"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Info:          snap.Result.Info,
		Thresholds:    snap.Thresholds,
		AnomalyCutoff: snap.Anomaly.Cutoff(),
	})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	if s.load == nil {
		writeError(w, http.StatusNotImplemented, errors.New("api: retraining is not enabled"))
		return
	}

	ds, err := s.load(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	res, err := s.engine.TryRetrain(r.Context(), ds)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res.Info)
}
