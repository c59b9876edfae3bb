// Package actorchain models the nested `act` claim of a delegated token:
// the ordered chain of actors a request has passed through, most recent
// first. Chains are immutable; Append returns a new chain sharing the
// tail. RFC 8693 permits repeated actor IDs (A -> B -> A), so the only
// structural limit is depth.
package actorchain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxDepth bounds delegation chains when no explicit limit is
// configured. Ten hops is far beyond any sane delegation topology.
const DefaultMaxDepth = 10

// maxWireDepth is the hard parse-time cap. Chains deeper than this are
// rejected while decoding, before the remaining nesting is even read.
const maxWireDepth = 64

var (
	ErrDepthExceeded = errors.New("actor chain depth exceeded")
	ErrEmptyActor    = errors.New("actor id must not be empty")
)

// Chain is one link of a delegation chain. The head holds the most
// recent actor; Parent points toward the first delegation. A nil *Chain
// is the empty chain (no delegation yet).
type Chain struct {
	actor  string
	parent *Chain
}

// New starts a chain with a single actor.
func New(actor string) (*Chain, error) {
	return Append(nil, actor, 0)
}

// Append returns a new chain with actor at the head. maxDepth <= 0
// applies DefaultMaxDepth. The bound is enforced here, at construction,
// so an over-deep chain can never exist as a value.
func Append(c *Chain, actor string, maxDepth int) (*Chain, error) {
	if actor == "" {
		return nil, ErrEmptyActor
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if c.Depth()+1 > maxDepth {
		return nil, fmt.Errorf("%w: depth %d, max %d", ErrDepthExceeded, c.Depth()+1, maxDepth)
	}
	return &Chain{actor: actor, parent: c}, nil
}

// Actor returns the actor ID at the head of the chain.
func (c *Chain) Actor() string {
	if c == nil {
		return ""
	}
	return c.actor
}

// Parent returns the chain before the head actor was appended.
func (c *Chain) Parent() *Chain {
	if c == nil {
		return nil
	}
	return c.parent
}

// Depth counts the actors in the chain. The empty chain has depth 0.
func (c *Chain) Depth() int {
	n := 0
	for link := c; link != nil; link = link.parent {
		n++
	}
	return n
}

// Flatten returns the actor IDs most recent first. The empty chain
// yields nil.
func (c *Chain) Flatten() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, c.Depth())
	for link := c; link != nil; link = link.parent {
		out = append(out, link.actor)
	}
	return out
}

// wireActor is the nested claim shape. Act stays raw so inner levels are
// only decoded after the depth check passes.
type wireActor struct {
	Sub string          `json:"sub"`
	Act json.RawMessage `json:"act,omitempty"`
}

// MarshalJSON renders the nested claim object, head actor outermost:
// {"sub": "hr-agent", "act": {"sub": "orchestrator"}}.
func (c *Chain) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	actors := c.Flatten()
	var inner json.RawMessage
	for i := len(actors) - 1; i >= 0; i-- {
		b, err := json.Marshal(wireActor{Sub: actors[i], Act: inner})
		if err != nil {
			return nil, err
		}
		inner = b
	}
	return inner, nil
}

// UnmarshalJSON decodes the nested claim object level by level. Each
// level's inner `act` is kept raw until the depth bound is checked, so
// an oversized chain is rejected without parsing its tail.
func (c *Chain) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	if parsed == nil {
		return errors.New("act claim must not be null")
	}
	*c = *parsed
	return nil
}

// Parse decodes a nested claim object into a chain. A JSON null yields
// the empty chain.
func Parse(data []byte) (*Chain, error) {
	actors := make([]string, 0, 4)
	rest := json.RawMessage(data)
	for len(rest) > 0 {
		if len(actors) >= maxWireDepth {
			return nil, fmt.Errorf("%w: more than %d nested actors", ErrDepthExceeded, maxWireDepth)
		}
		var w wireActor
		if err := json.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("malformed act claim: %w", err)
		}
		if w.Sub == "" && w.Act == nil {
			// JSON null or empty object at this level
			break
		}
		if w.Sub == "" {
			return nil, fmt.Errorf("malformed act claim: %w", ErrEmptyActor)
		}
		actors = append(actors, w.Sub)
		rest = w.Act
	}

	// Rebuild oldest first so the head ends up at the outermost actor.
	var chain *Chain
	for i := len(actors) - 1; i >= 0; i-- {
		chain = &Chain{actor: actors[i], parent: chain}
	}
	return chain, nil
}
