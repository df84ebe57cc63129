package llm

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analysisOutputSchema constrains every batch response: a JSON array with
// one object per input signature, each carrying the service verdict and
// the eight-dimension taxonomy assignment.
const analysisOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["service_name", "usage_type", "risk_level", "category", "confidence", "rationale_short"],
    "additionalProperties": true,
    "properties": {
      "service_name": {"type": "string", "minLength": 1},
      "usage_type": {"type": "string", "enum": ["business", "genai", "devtools", "storage", "social", "unknown"]},
      "risk_level": {"type": "string", "enum": ["low", "medium", "high"]},
      "category": {"type": "string"},
      "confidence": {"type": "number", "minimum": 0, "maximum": 1},
      "rationale_short": {"type": "string", "maxLength": 400},
      "fs_code": {"type": "string"},
      "im_code": {"type": "string"},
      "uc_codes": {"type": "array", "items": {"type": "string"}},
      "dt_codes": {"type": "array", "items": {"type": "string"}},
      "ch_codes": {"type": "array", "items": {"type": "string"}},
      "rs_codes": {"type": "array", "items": {"type": "string"}},
      "ev_codes": {"type": "array", "items": {"type": "string"}},
      "ob_codes": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

var outputSchema = jsonschema.MustCompileString("analysis_output.schema.json", analysisOutputSchema)

// validateOutput checks a decoded response document against the schema.
func validateOutput(doc any) error {
	return outputSchema.Validate(doc)
}

// schemaForPrompt is the compact schema rendition included in prompts.
func schemaForPrompt() string {
	return strings.TrimSpace(`{
  "service_name": "string (required)",
  "usage_type": "business|genai|devtools|storage|social|unknown (required)",
  "risk_level": "low|medium|high (required)",
  "category": "string (required)",
  "confidence": "number 0.0-1.0 (required)",
  "rationale_short": "string max 400 chars (required)",
  "fs_code": "taxonomy code, exactly one",
  "im_code": "taxonomy code, exactly one",
  "uc_codes": ["taxonomy codes, at least one"],
  "dt_codes": ["taxonomy codes, at least one"],
  "ch_codes": ["taxonomy codes, at least one"],
  "rs_codes": ["taxonomy codes, at least one"],
  "ev_codes": ["taxonomy codes, at least one"],
  "ob_codes": ["taxonomy codes, zero or more"]
}`)
}
