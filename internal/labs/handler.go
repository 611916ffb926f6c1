// ABOUTME: Lab-report ingestion handler: fetch artifact, verify content hash,
// ABOUTME: extract measurements, re-encrypt at rest, link results to the report.
package labs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/worker"
)

// Queue is the queue name serviced by the lab ingestion handler.
const Queue = "lab_ingest"

// ErrIntegrity marks a content-hash mismatch: the artifact is not the one
// the uploader hashed, so parsing it would process unknown data. Integrity
// failures short-circuit before any parsing and are not retryable.
var ErrIntegrity = errors.New("artifact integrity check failed")

// DefaultPolicy is the lab queue's retry descriptor.
func DefaultPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts: 2,
		MinBackoff:  time.Minute,
		MaxBackoff:  15 * time.Minute,
	}
}

// Payload is the business payload of one ingestion task.
type Payload struct {
	ReportID uuid.UUID `json:"report_id"`
}

// ObjectStore is the artifact storage collaborator.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Handler services the lab ingestion queue.
type Handler struct {
	store   *store.Store
	objects ObjectStore
	cipher  *Cipher
	assist  Extractor // optional AI-assisted extraction fallback
}

// NewHandler returns a lab ingestion Handler. assist may be nil.
func NewHandler(s *store.Store, objects ObjectStore, cipher *Cipher, assist Extractor) *Handler {
	return &Handler{store: s, objects: objects, cipher: cipher, assist: assist}
}

// Handle implements worker.Handler for the lab queue.
func (h *Handler) Handle(ctx context.Context, tsk *store.TaskRecord) worker.Result {
	env, err := task.ParseEnvelope(tsk.Payload)
	if err != nil {
		return worker.Failf("parse task envelope: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ReportID == uuid.Nil {
		return worker.Failf("task %s carries no report id", tsk.Name)
	}

	report, err := h.store.GetLabReport(ctx, p.ReportID)
	if err != nil {
		return worker.Fail(err)
	}
	if report == nil {
		return worker.Failf("lab report %s not found", p.ReportID)
	}
	if report.Status == "processed" {
		// Re-dispatch after a crash between processing and settling.
		if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
			return worker.Fail(err)
		}
		return worker.Done()
	}

	raw, err := h.objects.Get(ctx, report.ArtifactKey)
	if err != nil {
		return worker.Failf("fetch artifact %s: %v", report.ArtifactKey, err)
	}

	// A crash after Put but before the report settles leaves the sealed
	// blob under the original key; a re-dispatch must recognize its own
	// encryption rather than fail the report on the hash mismatch.
	alreadySealed := false
	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != report.ContentSHA256 {
		if plain, openErr := h.cipher.Open(raw); openErr == nil {
			psum := sha256.Sum256(plain)
			if hex.EncodeToString(psum[:]) == report.ContentSHA256 {
				raw, alreadySealed = plain, true
			}
		}
		if !alreadySealed {
			msg := fmt.Sprintf("%v: want %s, got %s", ErrIntegrity, report.ContentSHA256, got)
			return h.settleFailed(ctx, tsk, report.ID, msg)
		}
	}

	measurements := ParseMeasurements(string(raw))
	if len(measurements) == 0 {
		measurements = extractWithAssist(ctx, h.assist, string(raw))
	}
	if len(measurements) == 0 {
		return h.settleFailed(ctx, tsk, report.ID, "no measurements extracted from artifact")
	}

	if !alreadySealed {
		sealed, err := h.cipher.Seal(raw)
		if err != nil {
			return worker.Fail(err)
		}
		if err := h.objects.Put(ctx, report.ArtifactKey, sealed); err != nil {
			return worker.Failf("store encrypted artifact %s: %v", report.ArtifactKey, err)
		}
	}

	resultJSON, err := json.Marshal(measurements)
	if err != nil {
		return worker.Fail(err)
	}
	if err := h.store.SetLabReportResults(ctx, report.ID, resultJSON); err != nil {
		return worker.Fail(err)
	}
	if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
		return worker.Fail(err)
	}
	slog.Info("lab report ingested",
		"report_id", report.ID, "measurements", len(measurements))
	return worker.Done()
}

// settleFailed records a non-retryable business failure on both the report
// and the task, then returns a clean handled result.
func (h *Handler) settleFailed(ctx context.Context, tsk *store.TaskRecord, reportID uuid.UUID, msg string) worker.Result {
	if err := h.store.FailLabReport(ctx, reportID, msg); err != nil {
		return worker.Fail(err)
	}
	if err := h.store.FailTask(ctx, tsk.Name, msg); err != nil {
		return worker.Fail(err)
	}
	return worker.Done()
}
