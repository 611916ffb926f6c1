package insight

import (
	"fmt"
	"sort"
	"strings"
)

// Request holds the sanitized generation parameters a user submits. Only
// these fields ever reach a provider prompt; personal identifiers (names,
// emails, device IDs) are never interpolated.
type Request struct {
	Goal          string   `json:"goal"`
	FocusAreas    []string `json:"focus_areas"`
	TimeRangeDays int      `json:"time_range_days"`
}

// allowed focus areas; anything else is dropped during sanitization.
var allowedFocusAreas = map[string]bool{
	"sleep":     true,
	"activity":  true,
	"nutrition": true,
	"stress":    true,
	"recovery":  true,
	"heart":     true,
}

// Sanitize normalizes the request into the closed vocabulary the prompt
// builder accepts: known focus areas only, goal reduced to safe characters
// and capped in length, time range clamped to [7, 90] days.
func (r Request) Sanitize() Request {
	out := Request{TimeRangeDays: r.TimeRangeDays}

	var goal strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(r.Goal)) {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == ' ' || c == '-' {
			goal.WriteRune(c)
		}
	}
	out.Goal = goal.String()
	if len(out.Goal) > 120 {
		out.Goal = out.Goal[:120]
	}

	seen := map[string]bool{}
	for _, a := range r.FocusAreas {
		a = strings.ToLower(strings.TrimSpace(a))
		if allowedFocusAreas[a] && !seen[a] {
			seen[a] = true
			out.FocusAreas = append(out.FocusAreas, a)
		}
	}
	sort.Strings(out.FocusAreas)

	if out.TimeRangeDays < 7 {
		out.TimeRangeDays = 7
	}
	if out.TimeRangeDays > 90 {
		out.TimeRangeDays = 90
	}
	return out
}

// BuildPrompt renders the fixed provider prompt for a sanitized request.
// The same request always yields the same prompt.
func BuildPrompt(r Request) string {
	areas := "general wellness"
	if len(r.FocusAreas) > 0 {
		areas = strings.Join(r.FocusAreas, ", ")
	}
	goal := r.Goal
	if goal == "" {
		goal = "improve overall wellness"
	}
	return fmt.Sprintf(
		"Generate a personalized wellness insight.\n"+
			"Member goal: %s.\n"+
			"Focus areas: %s.\n"+
			"Review window: the last %d days of tracked data.\n"+
			"Return JSON with fields: title (short headline), summary (2-3 sentences), "+
			"body (object with highlights: array of strings, and recommendations: "+
			"array of {area, action} objects).",
		goal, areas, r.TimeRangeDays)
}
