package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
)

// getTestDSN returns the test database DSN from environment.
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=dspm password=dspm_password dbname=dspm_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available.
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

func TestStore_CreateRunningAndGet(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}

	ctx := context.Background()
	correlationID := uuid.New().String()

	if err := store.CreateRunning(ctx, correlationID, "/repos/example"); err != nil {
		t.Fatalf("CreateRunning failed: %v", err)
	}

	rec, err := store.GetScanRecord(ctx, correlationID)
	if err != nil {
		t.Fatalf("GetScanRecord failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a scan record, got nil")
	}
	if rec.Status != ScanStatusRunning {
		t.Errorf("expected status RUNNING, got %s", rec.Status)
	}
	if rec.ProjectPath != "/repos/example" {
		t.Errorf("expected project_path /repos/example, got %s", rec.ProjectPath)
	}
}

func TestStore_CompleteWithReport(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}

	ctx := context.Background()
	correlationID := uuid.New().String()

	if err := store.CreateRunning(ctx, correlationID, "/repos/example"); err != nil {
		t.Fatalf("CreateRunning failed: %v", err)
	}

	report := map[string]string{"correlation_id": correlationID}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}

	score := compliance.Result{Score: 87}
	if err := store.CompleteWithReport(ctx, correlationID, models.StatusCompliant, score, 3, reportJSON); err != nil {
		t.Fatalf("CompleteWithReport failed: %v", err)
	}

	rec, err := store.GetScanRecord(ctx, correlationID)
	if err != nil {
		t.Fatalf("GetScanRecord failed: %v", err)
	}
	if rec.Status != ScanStatusCompleted {
		t.Errorf("expected status COMPLETED, got %s", rec.Status)
	}
	if rec.Score != 87 {
		t.Errorf("expected score 87, got %d", rec.Score)
	}
	if rec.FindingsCount != 3 {
		t.Errorf("expected findings_count 3, got %d", rec.FindingsCount)
	}

	var decoded map[string]string
	if err := rec.DecodeReport(&decoded); err != nil {
		t.Fatalf("DecodeReport failed: %v", err)
	}
	if decoded["correlation_id"] != correlationID {
		t.Errorf("decoded report does not roundtrip correlation_id")
	}
}

func TestStore_FailWithError(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}

	ctx := context.Background()
	correlationID := uuid.New().String()

	if err := store.CreateRunning(ctx, correlationID, "/repos/broken"); err != nil {
		t.Fatalf("CreateRunning failed: %v", err)
	}
	if err := store.FailWithError(ctx, correlationID, context.DeadlineExceeded); err != nil {
		t.Fatalf("FailWithError failed: %v", err)
	}

	rec, err := store.GetScanRecord(ctx, correlationID)
	if err != nil {
		t.Fatalf("GetScanRecord failed: %v", err)
	}
	if rec.Status != ScanStatusFailed {
		t.Errorf("expected status FAILED, got %s", rec.Status)
	}
	if rec.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestStore_GetScanRecord_NotFound(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}

	rec, err := store.GetScanRecord(context.Background(), uuid.New().String())
	if err != nil {
		t.Fatalf("expected nil error for missing record, got %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for unknown correlation_id")
	}
}

func TestStore_ListScans(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		correlationID := uuid.New().String()
		if err := store.CreateRunning(ctx, correlationID, "/repos/list-example"); err != nil {
			t.Fatalf("CreateRunning failed: %v", err)
		}
		if err := store.CompleteWithReport(ctx, correlationID, models.StatusCompliant, compliance.Result{Score: 90}, 0, []byte(`{}`)); err != nil {
			t.Fatalf("CompleteWithReport failed: %v", err)
		}
	}

	recs, total, err := store.ListScans(ctx, ListScanFilters{Status: models.StatusCompliant, Limit: 2})
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if total < 3 {
		t.Errorf("expected total >= 3, got %d", total)
	}
	if len(recs) > 2 {
		t.Errorf("expected at most 2 records (limit), got %d", len(recs))
	}
}

func TestScanRecord_DecodeReport_Empty(t *testing.T) {
	rec := &ScanRecord{CorrelationID: "abc"}
	if err := rec.DecodeReport(&struct{}{}); err == nil {
		t.Fatal("expected an error decoding an empty report")
	}
}
