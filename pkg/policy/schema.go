package policy

// rulesSchemaJSON is the shape contract for the rules document. Schema
// validation runs before typed decoding so errors point at the document
// rather than at Go field names.
const rulesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://handoff.schemas.local/policy/rules.schema.json",
  "type": "object",
  "required": ["version", "rules"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "const": 1},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["actor_id", "subject_audience", "target_audience", "max_scopes"],
        "additionalProperties": false,
        "properties": {
          "actor_id": {"type": "string", "minLength": 1},
          "subject_audience": {"type": "string", "minLength": 1},
          "target_audience": {"type": "string", "minLength": 1},
          "max_scopes": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "condition": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`
