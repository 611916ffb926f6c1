// ABOUTME: Store methods for lab_reports rows owned by the ingestion handler.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LabReport is an uploaded lab artifact awaiting or past ingestion.
type LabReport struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ArtifactKey   string
	ContentSHA256 string
	Status        string
	Measurements  json.RawMessage
	Encrypted     bool
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const labReportColumns = `id, user_id, artifact_key, content_sha256, status, measurements,
	encrypted, COALESCE(error_message, ''), created_at, updated_at`

// CreateLabReport inserts an uploaded report row. Called by the upload
// producer before enqueueing the ingestion task.
func (s *Store) CreateLabReport(ctx context.Context, userID uuid.UUID, artifactKey, sha256 string) (*LabReport, error) {
	var r LabReport
	err := s.pool.QueryRow(ctx, `
		INSERT INTO lab_reports (user_id, artifact_key, content_sha256)
		VALUES ($1, $2, $3)
		RETURNING `+labReportColumns, userID, artifactKey, sha256,
	).Scan(&r.ID, &r.UserID, &r.ArtifactKey, &r.ContentSHA256, &r.Status, &r.Measurements,
		&r.Encrypted, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create lab report: %w", err)
	}
	return &r, nil
}

// GetLabReport returns the report with the given ID, or (nil, nil) if absent.
func (s *Store) GetLabReport(ctx context.Context, id uuid.UUID) (*LabReport, error) {
	var r LabReport
	err := s.pool.QueryRow(ctx,
		`SELECT `+labReportColumns+` FROM lab_reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.ArtifactKey, &r.ContentSHA256, &r.Status, &r.Measurements,
		&r.Encrypted, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lab report %s: %w", id, err)
	}
	return &r, nil
}

// SetLabReportResults records extracted measurements and marks the artifact
// re-encrypted at rest.
func (s *Store) SetLabReportResults(ctx context.Context, id uuid.UUID, measurements json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lab_reports SET
			status = 'processed',
			measurements = $2,
			encrypted = true,
			error_message = NULL,
			updated_at = now()
		WHERE id = $1`, id, measurements)
	if err != nil {
		return fmt.Errorf("set lab report results %s: %w", id, err)
	}
	return nil
}

// FailLabReport records an ingestion failure.
func (s *Store) FailLabReport(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lab_reports SET
			status = 'failed',
			error_message = $2,
			updated_at = now()
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail lab report %s: %w", id, err)
	}
	return nil
}
