// Package agentcard fetches and validates agent discovery documents:
// the JSON card an agent publishes at a well-known path describing what
// it is, where it lives, and whether it can stream. The dispatch layer
// reads the card before choosing a communication pattern.
package agentcard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// WellKnownPath is where agents publish their card.
const WellKnownPath = "/.well-known/agent.json"

var (
	// ErrInvalidCard means the document failed schema or version
	// validation. The agent is misconfigured; retrying will not help.
	ErrInvalidCard = errors.New("invalid agent card")
	// ErrUnreachable means the card could not be fetched. Retryable.
	ErrUnreachable = errors.New("agent card unreachable")
)

// Card is an agent's discovery document.
type Card struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []Skill      `json:"skills"`
}

// Capabilities flags what the agent's transport supports.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// Skill is one advertised capability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// SupportsStreaming reports whether a streaming dispatch is worth
// attempting against this agent.
func (c *Card) SupportsStreaming() bool {
	return c.Capabilities.Streaming
}

// Skill returns the advertised skill with the given id.
func (c *Card) Skill(id string) (Skill, bool) {
	for _, s := range c.Skills {
		if s.ID == id {
			return s, true
		}
	}
	return Skill{}, false
}

// Parse validates raw card JSON against the embedded schema, checks the
// version is a semantic version, and decodes it.
func Parse(raw []byte) (*Card, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if err := cardSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}

	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if _, err := semver.NewVersion(card.Version); err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidCard, card.Version, err)
	}
	return &card, nil
}

const cardSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "url", "version", "capabilities", "skills"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "capabilities": {
      "type": "object",
      "properties": {
        "streaming": {"type": "boolean"}
      }
    },
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "tags": {"type": "array", "items": {"type": "string"}},
          "examples": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var cardSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://handoff.schemas.local/agentcard/card.schema.json"
	if err := c.AddResource(url, bytes.NewReader([]byte(cardSchemaJSON))); err != nil {
		panic(fmt.Sprintf("agent card schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("agent card schema compile: %v", err))
	}
	return s
}
