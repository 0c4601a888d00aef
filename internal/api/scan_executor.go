package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/pipeline"
	"github.com/qualys/dspm/internal/store"
)

// scanExecutor runs a ScanRequest through the Orchestrator and archives the
// result in the Scan History Store, shared by the HTTP submit-scan handler
// (which runs it in the background) and the Scheduler (which runs it
// synchronously on a timer).
type scanExecutor struct {
	orchestrator *pipeline.Orchestrator
	history      *store.Store
	logger       *slog.Logger
}

func newScanExecutor(orchestrator *pipeline.Orchestrator, history *store.Store, logger *slog.Logger) *scanExecutor {
	return &scanExecutor{orchestrator: orchestrator, history: history, logger: logger}
}

// run executes req in the background, recording the scan's lifecycle in the
// history store. It never returns an error to the caller directly; failures
// are recorded against the correlation id.
func (e *scanExecutor) run(ctx context.Context, req models.ScanRequest) {
	if err := e.history.CreateRunning(ctx, req.CorrelationID, req.ProjectPath); err != nil {
		e.logger.Warn("failed to record scan start", "correlation_id", req.CorrelationID, "error", err)
	}

	// Run returns a nil error for every pipeline-domain failure (each is
	// folded into the Report); a non-nil error means the Orchestrator's
	// contract changed, and is archived as a failed scan rather than
	// silently dropped.
	report, err := e.orchestrator.Run(ctx, req)
	if err != nil {
		if ferr := e.history.FailWithError(ctx, req.CorrelationID, err); ferr != nil {
			e.logger.Warn("failed to record scan failure", "correlation_id", req.CorrelationID, "error", ferr)
		}
		return
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		e.logger.Warn("failed to marshal report for archival", "correlation_id", req.CorrelationID, "error", err)
		return
	}

	if err := e.history.CompleteWithReport(ctx, req.CorrelationID, report.Status(), report.ComplianceAnalysis, len(report.DetailedFindings), reportJSON); err != nil {
		e.logger.Warn("failed to archive finished report", "correlation_id", req.CorrelationID, "error", err)
	}
}

// runSync drives one scan of projectPath to completion and returns its
// correlation id, satisfying scheduler.ScanHandler's callback shape.
func (e *scanExecutor) runSync(ctx context.Context, projectPath string) (string, error) {
	req := models.ScanRequest{ProjectPath: projectPath, Options: models.DefaultOptions()}
	// Same contract as run: a non-nil error only if Run's fold-into-Report
	// behavior ever changes, surfaced as a failed job execution.
	report, err := e.orchestrator.Run(ctx, req)
	if err != nil {
		return "", err
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return report.CorrelationID(), err
	}

	if err := e.history.CreateRunning(ctx, report.CorrelationID(), projectPath); err != nil {
		e.logger.Warn("failed to record scan start", "correlation_id", report.CorrelationID(), "error", err)
	}
	if err := e.history.CompleteWithReport(ctx, report.CorrelationID(), report.Status(), report.ComplianceAnalysis, len(report.DetailedFindings), reportJSON); err != nil {
		e.logger.Warn("failed to archive finished report", "correlation_id", report.CorrelationID(), "error", err)
	}

	return report.CorrelationID(), nil
}
