package insight

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	r := Request{
		Goal:          "  Sleep BETTER! (email: a@b.com) ",
		FocusAreas:    []string{"Sleep", "sleep", "STRESS", "astrology", " recovery "},
		TimeRangeDays: 3,
	}
	got := r.Sanitize()

	// Unsafe characters dropped, case folded.
	if strings.ContainsAny(got.Goal, "!@.()") {
		t.Errorf("Goal = %q, unsafe characters survived", got.Goal)
	}
	if got.Goal != strings.ToLower(got.Goal) {
		t.Errorf("Goal = %q, not lowercased", got.Goal)
	}

	// Unknown areas dropped, duplicates collapsed, result sorted.
	want := []string{"recovery", "sleep", "stress"}
	if len(got.FocusAreas) != len(want) {
		t.Fatalf("FocusAreas = %v, want %v", got.FocusAreas, want)
	}
	for i, a := range want {
		if got.FocusAreas[i] != a {
			t.Errorf("FocusAreas[%d] = %q, want %q", i, got.FocusAreas[i], a)
		}
	}

	if got.TimeRangeDays != 7 {
		t.Errorf("TimeRangeDays = %d, want clamped to 7", got.TimeRangeDays)
	}
	if clamped := (Request{TimeRangeDays: 365}).Sanitize(); clamped.TimeRangeDays != 90 {
		t.Errorf("TimeRangeDays = %d, want clamped to 90", clamped.TimeRangeDays)
	}
}

func TestSanitize_GoalLengthCap(t *testing.T) {
	t.Parallel()
	r := Request{Goal: strings.Repeat("a", 500)}
	if got := r.Sanitize(); len(got.Goal) != 120 {
		t.Errorf("len(Goal) = %d, want 120", len(got.Goal))
	}
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	t.Parallel()
	r := Request{Goal: "run a marathon", FocusAreas: []string{"activity", "recovery"}, TimeRangeDays: 30}.Sanitize()

	a, b := BuildPrompt(r), BuildPrompt(r)
	if a != b {
		t.Error("same request produced different prompts")
	}
	if !strings.Contains(a, "run a marathon") {
		t.Errorf("prompt missing goal: %q", a)
	}
	if !strings.Contains(a, "activity, recovery") {
		t.Errorf("prompt missing focus areas: %q", a)
	}
	if !strings.Contains(a, "last 30 days") {
		t.Errorf("prompt missing time range: %q", a)
	}
}

func TestBuildPrompt_Defaults(t *testing.T) {
	t.Parallel()
	p := BuildPrompt(Request{}.Sanitize())
	if !strings.Contains(p, "improve overall wellness") {
		t.Errorf("empty goal not defaulted: %q", p)
	}
	if !strings.Contains(p, "general wellness") {
		t.Errorf("empty focus areas not defaulted: %q", p)
	}
}
