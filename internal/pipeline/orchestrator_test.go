package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/scanner"
)

// fakeStore is an in-memory ReportStore for tests that never touches Redis/S3.
type fakeStore struct {
	stageResults map[string]interface{}
	reports      map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{stageResults: map[string]interface{}{}, reports: map[string]interface{}{}}
}

func (f *fakeStore) PutStageResult(ctx context.Context, correlationID, stageID string, result interface{}) error {
	f.stageResults[correlationID+"|"+stageID] = result
	return nil
}

func (f *fakeStore) PutReport(ctx context.Context, correlationID string, report interface{}) (string, error) {
	f.reports[correlationID] = report
	return "mem://" + correlationID, nil
}

// fakeCollaborator is an AICollaborator stub that never actually talks to a
// model; tests can toggle whether Analyze reports availability.
type fakeCollaborator struct {
	available bool
	response  string
}

func (f *fakeCollaborator) Analyze(ctx context.Context, promptText, context string) (string, bool) {
	if !f.available {
		return "", false
	}
	return f.response, true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTempProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := "const user_email = \"jane.doe@example.com\";\n"
	if err := os.WriteFile(dir+"/app.js", []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	return dir
}

func TestOrchestrator_Run_EndToEnd_NoAI(t *testing.T) {
	dir := writeTempProject(t)
	store := newFakeStore()
	sc := scanner.New(scanner.DefaultConfig())
	orch := New(testLogger(), sc, &fakeCollaborator{available: false}, store, NewSlogMetricsSink(testLogger()), DefaultConfig())

	req := models.ScanRequest{ProjectPath: dir, Options: models.DefaultOptions()}
	report, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.CorrelationID() == "" {
		t.Fatal("expected a derived correlation id")
	}
	if report.FilesScanned != 1 {
		t.Fatalf("expected 1 file scanned, got %d", report.FilesScanned)
	}
	if len(report.DetailedFindings) == 0 {
		t.Fatal("expected at least one finding from the embedded email address")
	}
	for _, f := range report.DetailedFindings {
		if f.FixHint == "" {
			t.Errorf("finding %s missing fix hint", f.FindingID)
		}
	}
	if _, ok := store.reports[report.CorrelationID()]; !ok {
		t.Fatal("expected the final report to be persisted")
	}
}

func TestOrchestrator_Run_WithAI(t *testing.T) {
	dir := writeTempProject(t)
	store := newFakeStore()
	sc := scanner.New(scanner.DefaultConfig())
	collab := &fakeCollaborator{available: true, response: `[]`}
	orch := New(testLogger(), sc, collab, store, NewSlogMetricsSink(testLogger()), DefaultConfig())

	req := models.ScanRequest{ProjectPath: dir, Options: models.DefaultOptions()}
	report, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for _, f := range report.DetailedFindings {
		if f.AIConfidence <= 0 {
			t.Errorf("expected a non-zero AI confidence estimate for finding %s", f.FindingID)
		}
	}
}

func TestOrchestrator_Run_InvalidRequest(t *testing.T) {
	store := newFakeStore()
	sc := scanner.New(scanner.DefaultConfig())
	orch := New(testLogger(), sc, &fakeCollaborator{}, store, NewSlogMetricsSink(testLogger()), DefaultConfig())

	report, err := orch.Run(context.Background(), models.ScanRequest{})
	if err != nil {
		t.Fatalf("expected Run to never raise an error to the caller, got %v", err)
	}
	if report.Status() != models.StatusNonCompliant {
		t.Fatalf("expected NON_COMPLIANT status for an invalid request, got %s", report.Status())
	}
	if len(report.DetailedFindings) != 0 {
		t.Fatalf("expected zero findings for an invalid request, got %d", len(report.DetailedFindings))
	}
	found := false
	for _, r := range report.Metadata.DegradedReasons {
		if r == string(models.ErrCatInputInvalid) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded_reasons to contain INPUT_INVALID, got %v", report.Metadata.DegradedReasons)
	}
}

func TestOrchestrator_Run_InlineSource(t *testing.T) {
	store := newFakeStore()
	sc := scanner.New(scanner.DefaultConfig())
	orch := New(testLogger(), sc, &fakeCollaborator{}, store, NewSlogMetricsSink(testLogger()), DefaultConfig())

	req := models.ScanRequest{
		InlineSource: &models.InlineSource{Content: "ssn = \"123-45-6789\"", FileType: "py"},
		Options:      models.DefaultOptions(),
	}
	report, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.FilesScanned != 1 {
		t.Fatalf("expected 1 inline file scanned, got %d", report.FilesScanned)
	}
}

func TestOrchestrator_Run_DeadlineExceededDegradesToPartial(t *testing.T) {
	dir := writeTempProject(t)
	store := newFakeStore()
	sc := scanner.New(scanner.DefaultConfig())
	orch := New(testLogger(), sc, &fakeCollaborator{}, store, NewSlogMetricsSink(testLogger()), Config{GlobalDeadline: time.Nanosecond})

	req := models.ScanRequest{ProjectPath: dir, Options: models.DefaultOptions()}
	report, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Status() != models.StatusPartial {
		t.Fatalf("expected PARTIAL status on deadline trip, got %s", report.Status())
	}
	if len(report.Metadata.DegradedReasons) == 0 {
		t.Fatal("expected degraded_reasons to be populated on a deadline trip")
	}
}

func TestIsZeroOptions(t *testing.T) {
	if !isZeroOptions(models.Options{}) {
		t.Fatal("expected zero-value Options to be detected as zero")
	}
	if isZeroOptions(models.DefaultOptions()) {
		t.Fatal("expected DefaultOptions to not be treated as zero")
	}
}

func TestToScannedFiles(t *testing.T) {
	files := []scanner.File{{Path: "a.go", Language: models.LangGo, Content: "package a"}}
	out := toScannedFiles(files)
	if len(out) != 1 || out[0].Path != "a.go" || !strings.Contains(out[0].Content, "package") {
		t.Fatalf("unexpected conversion result: %+v", out)
	}
}
