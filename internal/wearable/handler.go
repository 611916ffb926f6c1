// ABOUTME: Wearable sync queue handler: resolves the sync payload and runs the
// ABOUTME: token refresh/pull side effect through the injected Syncer.
package wearable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/worker"
)

// Queue is the queue name serviced by the wearable sync handler.
const Queue = "wearable_sync"

// DefaultPolicy is the wearable queue's retry descriptor: fail loud, single
// attempt, and let the periodic sweep pick the user up again.
func DefaultPolicy() task.RetryPolicy {
	return task.RetryPolicy{MaxAttempts: 1, MinBackoff: time.Minute, MaxBackoff: time.Minute}
}

// Payload is the business payload of one wearable sync task.
type Payload struct {
	UserID         uuid.UUID `json:"user_id"`
	ExternalUserID string    `json:"external_user_id"`
	Reason         string    `json:"reason"`
}

// Syncer performs the actual token refresh and data pull. The wearable
// vendor's OAuth wire protocol lives behind this interface.
type Syncer interface {
	Sync(ctx context.Context, userID uuid.UUID, externalUserID, reason string) error
}

// Handler services the wearable sync queue.
type Handler struct {
	store  *store.Store
	syncer Syncer
}

// NewHandler returns a wearable sync Handler.
func NewHandler(s *store.Store, syncer Syncer) *Handler {
	return &Handler{store: s, syncer: syncer}
}

// Handle implements worker.Handler. A malformed payload is logged and the
// task still resolves successfully: garbage cannot improve on retry, and
// the sweep will re-enqueue the user with a fresh payload anyway.
func (h *Handler) Handle(ctx context.Context, tsk *store.TaskRecord) worker.Result {
	p, err := parsePayload(tsk.Payload)
	if err != nil {
		slog.Error("wearable sync: unusable payload, resolving without sync",
			"task", tsk.Name, "error", err)
		if cerr := h.store.CompleteTask(ctx, tsk.Name); cerr != nil {
			return worker.Fail(cerr)
		}
		return worker.Done()
	}

	if err := h.syncer.Sync(ctx, p.UserID, p.ExternalUserID, p.Reason); err != nil {
		return worker.Failf("sync user %s: %v", p.UserID, err)
	}

	if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
		return worker.Fail(err)
	}
	slog.Info("wearable sync complete", "user_id", p.UserID, "reason", p.Reason)
	return worker.Done()
}

func parsePayload(raw []byte) (Payload, error) {
	env, err := task.ParseEnvelope(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("parse envelope: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.UserID == uuid.Nil || p.ExternalUserID == "" {
		return Payload{}, fmt.Errorf("payload missing user identifiers")
	}
	return p, nil
}
