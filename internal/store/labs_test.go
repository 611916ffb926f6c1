// ABOUTME: Integration tests for store/labs.go — lab report row lifecycle.
package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/testutil"
)

func TestLabReportLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	report, err := s.CreateLabReport(ctx, uuid.New(), "reports/abc.txt", "deadbeef")
	if err != nil {
		t.Fatalf("CreateLabReport: %v", err)
	}
	if report.Status != "uploaded" {
		t.Errorf("new report Status = %q, want uploaded", report.Status)
	}
	if report.Encrypted {
		t.Error("new report Encrypted = true, want false")
	}

	meas := json.RawMessage(`[{"name":"Glucose","value":5.2,"unit":"mmol/L"}]`)
	if err := s.SetLabReportResults(ctx, report.ID, meas); err != nil {
		t.Fatalf("SetLabReportResults: %v", err)
	}

	got, err := s.GetLabReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetLabReport: %v", err)
	}
	if got.Status != "processed" {
		t.Errorf("Status = %q, want processed", got.Status)
	}
	if !got.Encrypted {
		t.Error("Encrypted = false after processing, want true")
	}

	missing, err := s.GetLabReport(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetLabReport(missing): %v", err)
	}
	if missing != nil {
		t.Error("GetLabReport(missing) should return nil")
	}
}

func TestFailLabReport(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	report, _ := s.CreateLabReport(ctx, uuid.New(), "reports/bad.txt", "cafe")
	if err := s.FailLabReport(ctx, report.ID, "artifact hash mismatch"); err != nil {
		t.Fatalf("FailLabReport: %v", err)
	}

	got, _ := s.GetLabReport(ctx, report.ID)
	if got.Status != "failed" {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "artifact hash mismatch" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}
