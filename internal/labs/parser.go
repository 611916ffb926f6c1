// ABOUTME: Heuristic extraction of structured measurements from lab report text.
package labs

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Measurement is one extracted analyte reading.
type Measurement struct {
	Name     string   `json:"name"`
	Value    float64  `json:"value"`
	Unit     string   `json:"unit,omitempty"`
	RefLow   *float64 `json:"ref_low,omitempty"`
	RefHigh  *float64 `json:"ref_high,omitempty"`
	Verbatim string   `json:"verbatim"`
}

// measurementLine matches the common "Analyte: 12.3 unit (low-high)" report
// line shape and its "=" and bare-value variants.
var measurementLine = regexp.MustCompile(
	`^\s*([A-Za-z][A-Za-z0-9 /()%-]{1,60}?)\s*[:=]\s*` + // analyte name
		`(-?\d+(?:\.\d+)?)` + // value
		`\s*([A-Za-zµ%][A-Za-zµ%/0-9^]*)?` + // unit
		`(?:\s*\(\s*(\d+(?:\.\d+)?)\s*[-–]\s*(\d+(?:\.\d+)?)\s*\))?`) // reference range

// ParseMeasurements extracts measurements line by line. Lines that don't
// match the heuristic are skipped; a fully unparseable report returns an
// empty slice, not an error.
func ParseMeasurements(text string) []Measurement {
	var out []Measurement
	for _, line := range strings.Split(text, "\n") {
		m := measurementLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		meas := Measurement{
			Name:     strings.TrimSpace(m[1]),
			Value:    value,
			Unit:     m[3],
			Verbatim: strings.TrimSpace(line),
		}
		if m[4] != "" && m[5] != "" {
			if low, err := strconv.ParseFloat(m[4], 64); err == nil {
				meas.RefLow = &low
			}
			if high, err := strconv.ParseFloat(m[5], 64); err == nil {
				meas.RefHigh = &high
			}
		}
		out = append(out, meas)
	}
	return out
}

// Extractor is the AI-assisted fallback for reports the line heuristic
// cannot read. Satisfied by any insight provider.
type Extractor interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

const extractPrompt = "Extract laboratory measurements from the following report text. " +
	"Respond with a JSON array of objects with fields: name, value (number), " +
	"unit, ref_low, ref_high. Output only the JSON array.\n\n"

// extractWithAssist asks the fallback extractor for measurements. Any
// failure returns nil: the assist is best-effort on top of the heuristic.
func extractWithAssist(ctx context.Context, assist Extractor, text string) []Measurement {
	if assist == nil {
		return nil
	}
	raw, err := assist.Generate(ctx, extractPrompt+text)
	if err != nil {
		return nil
	}
	var out []Measurement
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
