// Package a2a implements the agent message protocol: JSON-RPC 2.0
// envelopes carrying role-tagged messages composed of typed content
// parts, plus the client used to deliver them with an exchanged token
// as the bearer credential. Part kinds form a closed variant set with
// an explicit unknown fallback, so documents from newer peers survive
// a round trip without loss.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part kinds on the wire.
const (
	PartKindText = "text"
	PartKindData = "data"
)

// Part is one typed unit of message content. The set of concrete
// variants is closed: TextPart, DataPart, and UnknownPart for kinds
// this build does not understand.
type Part interface {
	partKind() string
}

// TextPart carries plain text.
type TextPart struct {
	Text string
}

func (TextPart) partKind() string { return PartKindText }

func (p TextPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	}{Kind: PartKindText, Text: p.Text})
}

// DataPart carries structured JSON payload.
type DataPart struct {
	Data json.RawMessage
}

func (DataPart) partKind() string { return PartKindData }

func (p DataPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: PartKindData, Data: p.Data})
}

// UnknownPart preserves a part of an unrecognized kind verbatim, so
// re-serializing a message never drops content a newer peer sent.
type UnknownPart struct {
	Kind string
	Raw  json.RawMessage
}

func (p UnknownPart) partKind() string { return p.Kind }

func (p UnknownPart) MarshalJSON() ([]byte, error) {
	return append(json.RawMessage(nil), p.Raw...), nil
}

func decodePart(raw json.RawMessage) (Part, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("part: %w", err)
	}
	switch probe.Kind {
	case PartKindText:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("text part: %w", err)
		}
		return TextPart{Text: p.Text}, nil
	case PartKindData:
		var p struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("data part: %w", err)
		}
		return DataPart{Data: p.Data}, nil
	default:
		return UnknownPart{Kind: probe.Kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// Message is one protocol message: an author role, a unique ID, and an
// ordered sequence of content parts. TaskID and ContextID correlate
// the message with a remote task when one exists.
type Message struct {
	Role      Role   `json:"role"`
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	Parts     []Part `json:"parts"`
}

// NewTextMessage builds a message with a fresh ID and a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		MessageID: uuid.New().String(),
		Parts:     []Part{TextPart{Text: text}},
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role      Role              `json:"role"`
		MessageID string            `json:"messageId"`
		TaskID    string            `json:"taskId"`
		ContextID string            `json:"contextId"`
		Parts     []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parts := make([]Part, 0, len(wire.Parts))
	for i, raw := range wire.Parts {
		p, err := decodePart(raw)
		if err != nil {
			return fmt.Errorf("parts[%d]: %w", i, err)
		}
		parts = append(parts, p)
	}
	m.Role = wire.Role
	m.MessageID = wire.MessageID
	m.TaskID = wire.TaskID
	m.ContextID = wire.ContextID
	m.Parts = parts
	return nil
}

// Text concatenates the message's text parts, newline-joined. Non-text
// parts are skipped.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, "\n")
}
