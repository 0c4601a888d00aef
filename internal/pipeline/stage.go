// Package pipeline implements the Agent Stage Framework (C6), the five
// stage agents that compose it (C7: Scan, AI-Enhance, Compliance,
// Fix-Suggest, Report), and the Orchestrator that sequences them (C8).
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/qualys/dspm/internal/models"
)

// Stage is one step of the pipeline: validate its input, compute a result,
// optionally enrich it via the AI collaborator (falling back deterministically
// on failure), persist the result, and emit metrics. Every concrete agent
// implements this by composition, not inheritance.
type Stage interface {
	ID() string
	Run(ctx context.Context, in StageInput) (models.StageResult, error)
}

// StageInput is what every stage receives: the original request, the
// correlation id threading logging/metrics/persistence, and the prior
// stage's output (nil for S1).
type StageInput struct {
	Request       models.ScanRequest
	CorrelationID string
	Previous      interface{}
	Files         []ScannedFile
}

// ScannedFile is the pipeline-local carrier for file content between S1 and
// S2; it is never part of a persisted StageResult, only passed in-process by
// the Orchestrator, since AI-discovery needs raw content, not just findings.
type ScannedFile struct {
	Path     string
	Language models.Language
	Content  string
}

// ResultStore is the narrow persistence surface every stage needs (satisfied
// by *resultstore.Store); defined here to keep pipeline free of a direct
// dependency on the Redis/S3 client types.
type ResultStore interface {
	PutStageResult(ctx context.Context, correlationID, stageID string, result interface{}) error
}

// MetricsSink receives one observation per stage run. The Orchestrator wires
// a slog-backed sink by default; tests can substitute a recording one.
type MetricsSink interface {
	ObserveStage(stageID string, elapsed time.Duration, err error)
}

// slogMetricsSink logs stage timing and outcome through the shared logger,
// matching the teacher's correlation-id-tagged structured logging style.
type slogMetricsSink struct {
	logger *slog.Logger
}

func NewSlogMetricsSink(logger *slog.Logger) MetricsSink {
	return &slogMetricsSink{logger: logger}
}

func (m *slogMetricsSink) ObserveStage(stageID string, elapsed time.Duration, err error) {
	if err != nil {
		m.logger.Warn("stage completed with error", "stage_id", stageID, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return
	}
	m.logger.Info("stage completed", "stage_id", stageID, "elapsed_ms", elapsed.Milliseconds())
}

// baseStage provides the validate/compute/persist/metrics skeleton shared by
// every concrete agent; each agent supplies its own compute function and,
// optionally, an input-shape check. A failed check is recorded in the
// result's errors but never stops compute: the stage still produces the
// best pass-through output it can.
type baseStage struct {
	id       string
	logger   *slog.Logger
	store    ResultStore
	metrics  MetricsSink
	validate func(in StageInput) *models.StageError
	compute  func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError)
}

func (b *baseStage) ID() string { return b.id }

func (b *baseStage) Run(ctx context.Context, in StageInput) (models.StageResult, error) {
	start := time.Now()

	result := models.StageResult{
		CorrelationID: in.CorrelationID,
		StageID:       b.id,
		ProducedAt:    time.Now(),
	}

	if b.validate != nil {
		if verr := b.validate(in); verr != nil {
			b.logger.Warn("stage input failed validation", "stage_id", b.id, "correlation_id", in.CorrelationID, "error", verr.Message)
			result.Errors = append(result.Errors, *verr)
		}
	}

	output, ai, stageErrs := b.compute(ctx, in)
	result.Output = output
	result.AI = ai
	result.Errors = append(result.Errors, stageErrs...)
	result.InputSummary = summarizeInput(in)

	elapsed := time.Since(start)

	var reportErr error
	if len(result.Errors) > 0 {
		reportErr = errorsFromStage(result.Errors)
	}
	if b.metrics != nil {
		b.metrics.ObserveStage(b.id, elapsed, reportErr)
	}

	if b.store != nil {
		if err := b.store.PutStageResult(ctx, in.CorrelationID, b.id, result); err != nil {
			b.logger.Warn("failed to persist stage result", "stage_id", b.id, "correlation_id", in.CorrelationID, "error", err)
			result.Errors = append(result.Errors, models.StageError{
				Category: models.ErrCatIOTransient,
				Message:  "failed to persist stage result",
				Detail:   err.Error(),
			})
		}
	}

	return result, nil
}

// validatePrevious builds the input-shape check most stages share: the
// prior stage's output must have the expected type. A nil Previous is left
// to the compute func, which treats it as an empty input.
func validatePrevious[T any](stageID string) func(in StageInput) *models.StageError {
	return func(in StageInput) *models.StageError {
		if in.Previous == nil {
			return nil
		}
		if _, ok := in.Previous.(T); !ok {
			return &models.StageError{
				Category: models.ErrCatInputInvalid,
				Message:  "unexpected input shape for " + stageID,
			}
		}
		return nil
	}
}

func summarizeInput(in StageInput) string {
	if in.Request.ProjectPath != "" {
		return "project_path=" + in.Request.ProjectPath
	}
	if in.Request.InlineSource != nil {
		return "inline_source file_type=" + in.Request.InlineSource.FileType
	}
	return "unknown"
}

func errorsFromStage(errs []models.StageError) error {
	if len(errs) == 0 {
		return nil
	}
	return &stageErrorSet{errs: errs}
}

type stageErrorSet struct {
	errs []models.StageError
}

func (s *stageErrorSet) Error() string {
	if len(s.errs) == 0 {
		return "stage error"
	}
	return string(s.errs[0].Category) + ": " + s.errs[0].Message
}
