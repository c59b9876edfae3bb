package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresArchive keeps finished session bundles in PostgreSQL, for
// deployments where several engines share one audit trail. Rows upsert
// on conflict so a retried End stays idempotent.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// Migrate creates the archive tables. Callers that manage schema
// elsewhere can skip it.
func (a *PostgresArchive) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS archived_sessions (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		exported_at TIMESTAMPTZ NOT NULL,
		chain_ok BOOLEAN NOT NULL
	);
	CREATE TABLE IF NOT EXISTS archived_records (
		session_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		jti TEXT NOT NULL,
		subject TEXT NOT NULL,
		actor TEXT,
		audience TEXT NOT NULL,
		scopes JSONB NOT NULL,
		chain JSONB,
		decision_hash TEXT,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		replayed BOOLEAN NOT NULL DEFAULT FALSE,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);`
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Archive(ctx context.Context, b *Bundle) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archived_sessions (id, principal, started_at, last_seen, exported_at, chain_ok)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			exported_at = EXCLUDED.exported_at,
			chain_ok = EXCLUDED.chain_ok`,
		b.Session.ID, b.Session.Principal,
		b.Session.StartedAt.UTC(), b.Session.LastSeen.UTC(),
		b.ExportedAt.UTC(), b.ChainOK,
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", b.Session.ID, err)
	}

	for _, r := range b.Records {
		scopes, _ := json.Marshal(r.Scopes)
		chain, _ := json.Marshal(r.Chain)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO archived_records
				(session_id, sequence, jti, subject, actor, audience, scopes, chain,
				 decision_hash, issued_at, expires_at, recorded_at, replayed, prev_hash, entry_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (session_id, sequence) DO NOTHING`,
			r.SessionID, r.Sequence, r.JTI, r.Subject, r.Actor, r.Audience,
			string(scopes), string(chain), r.DecisionHash,
			r.IssuedAt.UTC(), r.ExpiresAt.UTC(), r.RecordedAt.UTC(),
			r.Replayed, r.PrevHash, r.EntryHash,
		)
		if err != nil {
			return fmt.Errorf("archive record %s/%d: %w", r.SessionID, r.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// Load rebuilds a bundle from archived rows.
func (a *PostgresArchive) Load(ctx context.Context, sessionID string) (*Bundle, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, principal, started_at, last_seen, exported_at, chain_ok
		FROM archived_sessions WHERE id = $1`, sessionID)

	var b Bundle
	err := row.Scan(&b.Session.ID, &b.Session.Principal,
		&b.Session.StartedAt, &b.Session.LastSeen, &b.ExportedAt, &b.ChainOK)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT session_id, sequence, jti, subject, actor, audience, scopes, chain,
		       decision_hash, issued_at, expires_at, recorded_at, replayed, prev_hash, entry_hash
		FROM archived_records WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rr recordRow
		rec := &Record{}
		err := rows.Scan(&rr.SessionID, &rr.Sequence, &rr.JTI, &rr.Subject, &rr.Actor, &rr.Audience,
			&rr.Scopes, &rr.Chain, &rr.DecisionHash,
			&rec.IssuedAt, &rec.ExpiresAt, &rec.RecordedAt, &rec.Replayed, &rr.PrevHash, &rr.EntryHash)
		if err != nil {
			return nil, err
		}
		full := rr.toRecord()
		full.IssuedAt = rec.IssuedAt
		full.ExpiresAt = rec.ExpiresAt
		full.RecordedAt = rec.RecordedAt
		full.Replayed = rec.Replayed
		b.Records = append(b.Records, full)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &b, nil
}
