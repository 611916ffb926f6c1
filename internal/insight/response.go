package insight

import (
	"bytes"
	"encoding/json"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed insight_body.schema.json
var bodySchemaJSON []byte

// bodySchema is compiled once at startup; the pipeline's expected body
// shape is fixed.
var bodySchema = mustCompileBodySchema()

func mustCompileBodySchema() *jsonschema.Schema {
	// jsonschema.UnmarshalJSON preserves json.Number, which the validator
	// requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(bodySchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("insight: unmarshal body schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("insight_body.schema.json", doc); err != nil {
		panic(fmt.Sprintf("insight: add body schema resource: %v", err))
	}
	sch, err := c.Compile("insight_body.schema.json")
	if err != nil {
		panic(fmt.Sprintf("insight: compile body schema: %v", err))
	}
	return sch
}

// Generation is a validated provider response.
type Generation struct {
	Title   string          `json:"title"`
	Summary string          `json:"summary"`
	Body    json.RawMessage `json:"body"`
}

// parseGeneration decodes and validates a raw provider response: title and
// summary must be non-empty and the body must satisfy the pipeline's schema.
func parseGeneration(raw []byte) (*Generation, error) {
	var gen Generation
	if err := json.Unmarshal(raw, &gen); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if gen.Title == "" {
		return nil, fmt.Errorf("response missing title")
	}
	if gen.Summary == "" {
		return nil, fmt.Errorf("response missing summary")
	}
	if len(gen.Body) == 0 {
		return nil, fmt.Errorf("response missing body")
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(gen.Body))
	if err != nil {
		return nil, fmt.Errorf("malformed body: %w", err)
	}
	if err := bodySchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("body schema violation: %w", err)
	}
	return &gen, nil
}
