// ABOUTME: Notification dispatch handler: validates payloads, sends via email or
// ABOUTME: webhook, retries through successor tasks, and dead-letters once exhausted.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/worker"
)

// Queue is the queue name serviced by the notification handler.
const Queue = "notification_send"

// DefaultPolicy is the notification queue's retry descriptor.
func DefaultPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts: 4,
		MinBackoff:  15 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// Payload is the business payload of one notification task.
type Payload struct {
	Recipient string          `json:"recipient"`
	Channel   string          `json:"channel"` // "email" or "webhook"
	Template  string          `json:"template"`
	Data      json.RawMessage `json:"data"`
	// Webhook is set only for channel "webhook".
	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// EmailSender sends a rendered email. The SMTP implementation is
// SMTPSender; tests inject fakes.
type EmailSender interface {
	SendEmail(ctx context.Context, recipients []string, subject, htmlBody, textBody string) error
}

// Handler delivers notification tasks. Send failures are retried by
// enqueueing a successor task per the payload's retry descriptor; when the
// attempt budget is exhausted the dead-letter alerter fires exactly once.
type Handler struct {
	store   *store.Store
	email   EmailSender
	client  *http.Client // webhook delivery; safeurl-wrapped in production
	alerter Alerter
}

// NewHandler returns a notification Handler.
func NewHandler(s *store.Store, email EmailSender, client *http.Client, alerter Alerter) *Handler {
	return &Handler{store: s, email: email, client: client, alerter: alerter}
}

// Handle implements worker.Handler for the notification queue.
func (h *Handler) Handle(ctx context.Context, tsk *store.TaskRecord) worker.Result {
	env, err := task.ParseEnvelope(tsk.Payload)
	if err != nil {
		return worker.Failf("parse task envelope: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return worker.Failf("malformed notification payload: %v", err)
	}
	if err := p.validate(); err != nil {
		// Validation failures are not retried: the payload cannot improve
		// between dispatches.
		return worker.Fail(err)
	}

	if sendErr := h.send(ctx, p); sendErr != nil {
		return h.settleFailure(ctx, tsk, env, sendErr)
	}

	if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
		return worker.Fail(err)
	}
	return worker.Done()
}

func (p Payload) validate() error {
	if p.Recipient == "" {
		return fmt.Errorf("notification payload missing recipient")
	}
	switch p.Channel {
	case "email":
	case "webhook":
		if p.Webhook == nil || p.Webhook.URL == "" {
			return fmt.Errorf("webhook notification missing webhook config")
		}
	default:
		return fmt.Errorf("unknown notification channel %q", p.Channel)
	}
	if !KnownTemplate(p.Template) {
		return fmt.Errorf("unknown notification template %q", p.Template)
	}
	return nil
}

func (h *Handler) send(ctx context.Context, p Payload) error {
	switch p.Channel {
	case "email":
		subject, html, text, err := Render(p.Template, p.Data)
		if err != nil {
			return err
		}
		return h.email.SendEmail(ctx, []string{p.Recipient}, subject, html, text)
	case "webhook":
		body, err := json.Marshal(map[string]json.RawMessage{
			"template": json.RawMessage(fmt.Sprintf("%q", p.Template)),
			"data":     p.Data,
		})
		if err != nil {
			return fmt.Errorf("marshal webhook body: %w", err)
		}
		return Send(ctx, h.client, *p.Webhook, body)
	}
	return fmt.Errorf("unknown notification channel %q", p.Channel)
}

// settleFailure records the failed attempt and either enqueues the successor
// task (attempts remain) or escalates to the dead-letter alerter
// (budget exhausted). Escalation happens once per task chain, on the final
// attempt only.
func (h *Handler) settleFailure(ctx context.Context, tsk *store.TaskRecord, env task.Envelope, sendErr error) worker.Result {
	attempt := tsk.AttemptCount + 1 // this dispatch, 1-based across the chain

	if env.Retry.Exhausted(attempt) {
		if err := h.store.FailTask(ctx, tsk.Name, sendErr.Error()); err != nil {
			return worker.Fail(err)
		}
		slog.Error("notification exhausted retry budget",
			"task", tsk.Name, "attempts", attempt, "error", sendErr)
		h.alerter.Alert(ctx, DeadLetter{
			TaskName:  tsk.Name,
			Queue:     tsk.Queue,
			Attempts:  attempt,
			LastError: sendErr.Error(),
		})
		return worker.Done()
	}

	successor := task.InsertParams{
		Queue:       tsk.Queue,
		Name:        fmt.Sprintf("%s.r%d", tsk.Name, attempt),
		Payload:     tsk.Payload,
		JobID:       tsk.JobID,
		AttemptSeed: attempt,
	}
	at := time.Now().Add(env.Retry.Backoff(attempt))
	successor.ScheduleTime = &at

	if err := h.store.FailTaskAndEnqueueRetry(ctx, tsk.Name, sendErr.Error(), successor); err != nil {
		return worker.Fail(err)
	}
	slog.Warn("notification send failed, retry scheduled",
		"task", tsk.Name, "attempt", attempt, "next", successor.Name,
		"at", at, "error", sendErr)
	return worker.Done()
}
