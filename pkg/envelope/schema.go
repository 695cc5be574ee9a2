package envelope

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "https://meshforge.schemas.local/envelope.schema.json"

var envelopeSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
		panic(fmt.Sprintf("envelope schema load failed: %v", err))
	}
	return c.MustCompile(envelopeSchemaURL)
}

// ValidateJSON checks raw wire bytes against the envelope JSON Schema
// before any decoding happens. The gateway calls this on ingest so that
// malformed producers are rejected at the edge.
func ValidateJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if err := envelopeSchema.Validate(v); err != nil {
		return fmt.Errorf("envelope schema validation failed: %w", err)
	}
	return nil
}
