package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// genesisHash anchors a session's record chain.
const genesisHash = "genesis"

// entryHash digests a record in RFC 8785 canonical form. EntryHash is
// cleared first so the digest covers everything else, PrevHash included.
func entryHash(r *Record) (string, error) {
	clone := *r
	clone.EntryHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyRecords walks a session's records and re-derives the chain.
func verifyRecords(records []*Record) error {
	prev := genesisHash
	for i, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("%w: record %d prev hash mismatch", ErrChainBroken, i)
		}
		want, err := entryHash(r)
		if err != nil {
			return err
		}
		if r.EntryHash != want {
			return fmt.Errorf("%w: record %d entry hash mismatch", ErrChainBroken, i)
		}
		prev = r.EntryHash
	}
	return nil
}
