package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Bundle is the export form of a finished session: the session header,
// every record in chain order, and the verifier's verdict at export
// time. Bundles are what auditors get; the live store forgets the
// session once the bundle is out.
type Bundle struct {
	Session    Session   `json:"session"`
	Records    []*Record `json:"records"`
	ChainOK    bool      `json:"chain_ok"`
	ExportedAt time.Time `json:"exported_at"`
}

// Archiver receives the bundle when a session ends.
type Archiver interface {
	Archive(ctx context.Context, b *Bundle) error
}

// EncodeBundle renders a bundle as canonical JSON (RFC 8785), so the
// same bundle always produces the same bytes and the same content
// digest.
func EncodeBundle(b *Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	return canonical, nil
}

// DecodeBundle parses a bundle previously produced by EncodeBundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// BlobSink is the part of a blob store the archiver needs.
type BlobSink interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// BlobArchiver writes bundles to content-addressed blob storage. The
// digest of the stored blob is reported through OnStored when set.
type BlobArchiver struct {
	Sink BlobSink
	// OnStored, when non-nil, is called with the session ID and blob
	// digest after a successful store.
	OnStored func(sessionID, digest string)
}

func (a *BlobArchiver) Archive(ctx context.Context, b *Bundle) error {
	data, err := EncodeBundle(b)
	if err != nil {
		return err
	}
	digest, err := a.Sink.Store(ctx, data)
	if err != nil {
		return fmt.Errorf("store bundle for session %s: %w", b.Session.ID, err)
	}
	if a.OnStored != nil {
		a.OnStored(b.Session.ID, digest)
	}
	return nil
}

// MultiArchiver fans one bundle out to several archivers and stops at
// the first failure.
type MultiArchiver []Archiver

func (m MultiArchiver) Archive(ctx context.Context, b *Bundle) error {
	for _, a := range m {
		if err := a.Archive(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
