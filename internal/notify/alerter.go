// ABOUTME: Dead-letter alerting hook: invoked once when a task exhausts its
// ABOUTME: retry budget. Log-only and ops-mailbox implementations.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// DeadLetter describes a task chain that exhausted its retry budget.
type DeadLetter struct {
	TaskName  string `json:"task_name"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Alerter surfaces unrecoverable task failures to operators. Alert must not
// return an error: a broken alerting path must never change task outcomes.
type Alerter interface {
	Alert(ctx context.Context, dl DeadLetter)
}

// LogAlerter records dead letters in the process log only.
type LogAlerter struct{}

// Alert implements Alerter.
func (LogAlerter) Alert(_ context.Context, dl DeadLetter) {
	slog.Error("dead letter",
		"task", dl.TaskName, "queue", dl.Queue,
		"attempts", dl.Attempts, "error", dl.LastError)
}

// EmailAlerter emails the operator mailbox in addition to logging.
type EmailAlerter struct {
	sender  EmailSender
	mailbox string
}

// NewEmailAlerter returns an EmailAlerter delivering to mailbox.
func NewEmailAlerter(sender EmailSender, mailbox string) *EmailAlerter {
	return &EmailAlerter{sender: sender, mailbox: mailbox}
}

// Alert implements Alerter.
func (a *EmailAlerter) Alert(ctx context.Context, dl DeadLetter) {
	LogAlerter{}.Alert(ctx, dl)

	data, err := json.Marshal(dl)
	if err != nil {
		slog.Error("dead letter alert: marshal", "error", err)
		return
	}
	subject, html, text, err := Render("dead_letter", data)
	if err != nil {
		slog.Error("dead letter alert: render", "error", err)
		return
	}
	if err := a.sender.SendEmail(ctx, []string{a.mailbox}, subject, html, text); err != nil {
		slog.Error("dead letter alert: send", "mailbox", a.mailbox, "error", err)
	}
}
