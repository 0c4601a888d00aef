package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/remotearchive"
	"github.com/qualys/dspm/internal/reports"
	"github.com/qualys/dspm/internal/scanner"
)

// Orchestrator sequences S1..S5 (C8). It derives a correlation id when the
// request omits one, enforces a global deadline, and never retries a stage —
// retries happen only inside the AI Collaborator Adapter.
type Orchestrator struct {
	logger         *slog.Logger
	scanner        *scanner.Scanner
	collab         AICollaborator
	store          ReportStore
	metrics        MetricsSink
	globalDeadline time.Duration
}

type Config struct {
	GlobalDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{GlobalDeadline: 15 * time.Minute}
}

func New(logger *slog.Logger, sc *scanner.Scanner, collab AICollaborator, store ReportStore, metrics MetricsSink, cfg Config) *Orchestrator {
	deadline := cfg.GlobalDeadline
	if deadline <= 0 {
		deadline = 15 * time.Minute
	}
	return &Orchestrator{
		logger:         logger,
		scanner:        sc,
		collab:         collab,
		store:          store,
		metrics:        metrics,
		globalDeadline: deadline,
	}
}

// Run executes the full S1..S5 pipeline for one ScanRequest and returns the
// final Report. A deadline trip degrades the status to PARTIAL rather than
// failing the call.
func (o *Orchestrator) Run(ctx context.Context, req models.ScanRequest) (reports.Report, error) {
	if err := req.Validate(); err != nil {
		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		return o.invalidRequestReport(correlationID, err), nil
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	if isZeroOptions(req.Options) {
		req.Options = models.DefaultOptions()
	}

	ctx, cancel := context.WithTimeout(ctx, o.globalDeadline)
	defer cancel()

	logger := o.logger.With("correlation_id", correlationID)

	started := time.Now()
	stopHeartbeat := startHeartbeat(ctx, logger)
	defer stopHeartbeat()
	defer func() {
		logger.Info("scan run finished", "total_ms", time.Since(started).Milliseconds())
	}()

	files, cleanup := o.collectFiles(ctx, req, logger)
	defer cleanup()

	scanStage := NewScanStage(logger, o.store, o.metrics, o.scanner)
	enhanceStage := NewEnhanceStage(logger, o.store, o.metrics, o.collab)
	complianceStage := NewComplianceStage(logger, o.store, o.metrics)
	fixStage := NewFixSuggestStage(logger, o.store, o.metrics, o.collab)

	filesScannedCount := len(files)
	reportStage := NewReportStage(logger, o.store, o.metrics, func() int { return filesScannedCount })

	in := StageInput{Request: req, CorrelationID: correlationID, Files: files}

	// Every stage built in this package fails open and returns a nil error
	// (failures land in StageResult.Errors). The err checks below guard the
	// Stage interface's error return: a stage implementation from outside
	// this package that does error still degrades to a report here instead
	// of escaping to the caller.
	scanResult, err := scanStage.Run(ctx, in)
	if err != nil {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult}, err), nil
	}
	if ctx.Err() != nil {
		return o.deadlineReport(correlationID, filesScannedCount, []models.StageResult{scanResult}), nil
	}

	in.Previous = scanResult.Output
	enhanceResult, err := enhanceStage.Run(ctx, in)
	if err != nil {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult}, err), nil
	}
	if ctx.Err() != nil {
		return o.deadlineReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult}), nil
	}

	in.Previous = enhanceResult.Output
	complianceResult, err := complianceStage.Run(ctx, in)
	if err != nil {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult}, err), nil
	}
	if ctx.Err() != nil {
		return o.deadlineReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult}), nil
	}

	in.Previous = complianceResult.Output
	fixResult, err := fixStage.Run(ctx, in)
	if err != nil {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult, fixResult}, err), nil
	}
	if ctx.Err() != nil {
		return o.deadlineReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult, fixResult}), nil
	}

	in.Previous = fixResult.Output
	reportResult, err := reportStage.Run(ctx, in)
	if err != nil {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult, fixResult, reportResult}, err), nil
	}

	report, ok := reportResult.Output.(reports.Report)
	if !ok {
		return o.stageFailureReport(correlationID, filesScannedCount, []models.StageResult{scanResult, enhanceResult, complianceResult, fixResult, reportResult}, nil), nil
	}

	stageResults := []models.StageResult{scanResult, enhanceResult, complianceResult, fixResult, reportResult}
	report.BedrockEnhanced = report.BedrockEnhanced || anyAIUsed(stageResults)
	report.Metadata.AIEnhanced = report.BedrockEnhanced
	report.Metadata.DegradedReasons = degradedReasons(stageResults)

	return report, nil
}

// startHeartbeat logs a liveness record every 30s until the returned stop
// func runs or ctx is cancelled, so long runs stay observable.
func startHeartbeat(ctx context.Context, logger *slog.Logger) func() {
	done := make(chan struct{})
	started := time.Now()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("scan heartbeat", "elapsed_ms", time.Since(started).Milliseconds())
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// anyAIUsed reports whether any stage in the run actually invoked the AI
// collaborator successfully.
func anyAIUsed(results []models.StageResult) bool {
	for _, r := range results {
		if r.AI.Used {
			return true
		}
	}
	return false
}

// degradedReasons collects the distinct error categories recorded across
// every stage, in first-seen order, for the report's metadata.degraded_reasons.
func degradedReasons(results []models.StageResult) []string {
	seen := map[models.ErrorCategory]bool{}
	var out []string
	for _, r := range results {
		for _, e := range r.Errors {
			if seen[e.Category] {
				continue
			}
			seen[e.Category] = true
			out = append(out, string(e.Category))
		}
	}
	return out
}

// collectFiles runs discovery once up front so both S1 and S2 can share the
// same file set without re-walking the tree.
func (o *Orchestrator) collectFiles(ctx context.Context, req models.ScanRequest, logger *slog.Logger) ([]ScannedFile, func()) {
	if req.InlineSource != nil {
		files, discoverErrs := o.scanner.ScanInline(ctx, *req.InlineSource, req.Options)
		for _, de := range discoverErrs {
			logger.Warn("skipped inline source", "path", de.Path, "error", de.Err)
		}
		return toScannedFiles(files), func() {}
	}

	root, cleanup, err := remotearchive.Resolve(ctx, req.ProjectPath)
	if err != nil {
		logger.Warn("failed to resolve project_path ahead of scan", "error", err)
		return nil, func() {}
	}

	files, discoverErrs := o.scanner.ScanPath(ctx, root, req.Options)
	for _, de := range discoverErrs {
		logger.Warn("skipped file", "path", de.Path, "error", de.Err)
	}
	return toScannedFiles(files), cleanup
}

// isZeroOptions reports whether the caller left Options entirely unset, so
// DefaultOptions should fill in (Options embeds maps and is not comparable
// with ==, so this checks the scalar fields a caller would plausibly set).
func isZeroOptions(o models.Options) bool {
	return !o.AIEnabled && o.MaxBytesPerFile == 0 && o.SeverityFloor == "" &&
		len(o.RuleFilter) == 0 && len(o.LanguageFilter) == 0
}

func toScannedFiles(files []scanner.File) []ScannedFile {
	out := make([]ScannedFile, 0, len(files))
	for _, f := range files {
		out = append(out, ScannedFile{Path: f.Path, Language: f.Language, Content: f.Content})
	}
	return out
}

// degradedReport produces a best-effort Report carrying whatever findings the
// completed stages produced, with status and message supplied by the caller
// and reason appended to metadata.degraded_reasons if not already present.
// No error class causes Run to raise an error to the caller (spec §7): every
// stage or validation failure is folded into one of these instead.
func (o *Orchestrator) degradedReport(correlationID string, filesScanned int, completed []models.StageResult, status models.Status, message string, reason models.ErrorCategory) reports.Report {
	var findings []models.Finding
	var agentsUsed []string
	for _, r := range completed {
		agentsUsed = append(agentsUsed, r.StageID)
		if fs := extractFindings(r.Output); fs != nil {
			findings = fs
		}
	}

	// Suppressed and positive findings are carried in detailed_findings but
	// never counted as violations, same as the S5 report path.
	totalViolations := 0
	for _, f := range findings {
		if f.Suppressed || f.IsPositive {
			continue
		}
		totalViolations++
	}

	reasons := degradedReasons(completed)
	hasReason := false
	for _, r := range reasons {
		if r == string(reason) {
			hasReason = true
		}
	}
	if !hasReason {
		reasons = append(reasons, string(reason))
	}

	return reports.Report{
		Metadata: reports.Metadata{
			GeneratedAt:     time.Now(),
			CorrelationID:   correlationID,
			TotalViolations: totalViolations,
			AgentsUsed:      agentsUsed,
			AIEnhanced:      anyAIUsed(completed),
			DegradedReasons: reasons,
		},
		ExecutiveSummary: reports.ExecutiveSummary{
			Status:          status,
			Message:         message,
			TotalViolations: totalViolations,
		},
		DetailedFindings: findings,
		BedrockEnhanced:  anyAIUsed(completed),
		FilesScanned:     filesScanned,
	}
}

// deadlineReport degrades the status to PARTIAL after the global deadline trips.
func (o *Orchestrator) deadlineReport(correlationID string, filesScanned int, completed []models.StageResult) reports.Report {
	return o.degradedReport(correlationID, filesScanned, completed, models.StatusPartial,
		"Scan did not complete within the global deadline; results are partial.", models.ErrCatDeadlineExceeded)
}

// stageFailureReport folds an unexpected stage error into a NON_COMPLIANT
// report rather than raising it to the caller (spec §7: "No error class
// causes the pipeline to raise to the caller").
func (o *Orchestrator) stageFailureReport(correlationID string, filesScanned int, completed []models.StageResult, err error) reports.Report {
	msg := "Scan stage failed unexpectedly; results may be incomplete."
	if err != nil {
		msg = fmt.Sprintf("Scan stage failed unexpectedly: %v", err)
	}
	return o.degradedReport(correlationID, filesScanned, completed, models.StatusNonCompliant, msg, models.ErrCatStagePartial)
}

// invalidRequestReport satisfies spec §7's INPUT_INVALID handling: the
// caller always receives a well-formed Report, never a raised error, with
// zero findings and status forced to NON_COMPLIANT "to avoid falsely
// reporting success."
func (o *Orchestrator) invalidRequestReport(correlationID string, err error) reports.Report {
	return reports.Report{
		Metadata: reports.Metadata{
			GeneratedAt:     time.Now(),
			CorrelationID:   correlationID,
			DegradedReasons: []string{string(models.ErrCatInputInvalid)},
		},
		ExecutiveSummary: reports.ExecutiveSummary{
			Status:  models.StatusNonCompliant,
			Message: fmt.Sprintf("Invalid scan request: %v", err),
		},
	}
}

func extractFindings(output interface{}) []models.Finding {
	switch v := output.(type) {
	case ScanOutput:
		return v.Findings
	case EnhanceOutput:
		return v.Findings
	case ComplianceOutput:
		return v.Findings
	case FixSuggestOutput:
		return v.Findings
	default:
		return nil
	}
}
