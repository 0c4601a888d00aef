package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/store"
)

// submitScan accepts a ScanRequest, assigns it a correlation id if the
// caller omitted one, and runs the Orchestrator in the background, returning
// immediately so long scans never block the HTTP request.
func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req models.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "input_invalid", err.Error())
		return
	}

	go s.executor.run(context.Background(), req)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"correlation_id": req.CorrelationID,
		"status":         "RUNNING",
	})
}

// getScanStatus reports a previously submitted scan's lifecycle status.
func (s *Server) getScanStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")

	rec, err := s.history.GetScanRecord(r.Context(), correlationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "failed to look up scan record")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "not_found", "no scan found for this correlation id")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": rec.CorrelationID,
		"status":         rec.Status,
		"report_status":  rec.ReportStatus,
		"score":          rec.Score,
		"findings_count": rec.FindingsCount,
		"error":          rec.Error,
		"created_at":     rec.CreatedAt,
		"updated_at":     rec.UpdatedAt,
	})
}

// getScanReport fetches a finished scan's persisted Report.
func (s *Server) getScanReport(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")

	rec, err := s.history.GetScanRecord(r.Context(), correlationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "failed to look up scan record")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "not_found", "no scan found for this correlation id")
		return
	}
	if rec.Status == store.ScanStatusRunning {
		respondError(w, http.StatusConflict, "scan_running", "scan has not finished yet")
		return
	}
	if rec.Status == store.ScanStatusFailed {
		respondError(w, http.StatusUnprocessableEntity, "scan_failed", rec.Error)
		return
	}
	if len(rec.ReportJSON) == 0 {
		respondError(w, http.StatusNotFound, "report_missing", "no report archived for this scan")
		return
	}

	var report interface{}
	if err := json.Unmarshal(rec.ReportJSON, &report); err != nil {
		respondError(w, http.StatusInternalServerError, "decode_failed", "failed to decode archived report")
		return
	}

	respondJSON(w, http.StatusOK, report)
}
