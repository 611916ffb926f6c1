package notify

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestKnownTemplate(t *testing.T) {
	t.Parallel()
	if !KnownTemplate("insight_ready") || !KnownTemplate("dead_letter") {
		t.Error("registered templates not recognized")
	}
	if KnownTemplate("marketing_blast") {
		t.Error("unknown template recognized")
	}
}

func TestRender_InsightReady(t *testing.T) {
	t.Parallel()
	data := json.RawMessage(`{"title":"Recovery on track","summary":"Strain and rest are balanced."}`)

	subject, html, text, err := Render("insight_ready", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if subject != "Your new wellness insight is ready" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(html, "Recovery on track") || !strings.Contains(text, "Recovery on track") {
		t.Error("title missing from rendered bodies")
	}
	if !strings.Contains(html, "<html>") {
		t.Error("html body not HTML")
	}
	if strings.Contains(text, "<html>") {
		t.Error("text body contains HTML")
	}
}

func TestRender_HTMLEscaping(t *testing.T) {
	t.Parallel()
	data := json.RawMessage(`{"title":"<script>alert(1)</script>","summary":"s"}`)

	_, html, _, err := Render("insight_ready", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("html body did not escape template data")
	}
}

func TestRender_DeadLetterSubject(t *testing.T) {
	t.Parallel()
	data := json.RawMessage(`{"task_name":"welcome.r3","queue":"notification_send","attempts":4,"last_error":"smtp down"}`)

	subject, _, text, err := Render("dead_letter", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(subject, "welcome.r3") {
		t.Errorf("subject = %q, want task name", subject)
	}
	if !strings.Contains(text, "smtp down") {
		t.Errorf("text = %q, want error detail", text)
	}
}

func TestRender_Unknown(t *testing.T) {
	t.Parallel()
	if _, _, _, err := Render("nope", nil); err == nil {
		t.Error("Render accepted unknown template")
	}
}
