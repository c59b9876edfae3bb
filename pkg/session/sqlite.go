package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArchive keeps finished session bundles in a SQLite database.
// It is the single-node default; Archive is idempotent so a retried
// End never duplicates rows.
type SQLiteArchive struct {
	db *sql.DB
}

func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS archived_sessions (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		started_at TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		exported_at TEXT NOT NULL,
		chain_ok INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS archived_records (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		jti TEXT NOT NULL,
		subject TEXT NOT NULL,
		actor TEXT,
		audience TEXT NOT NULL,
		scopes TEXT NOT NULL,
		chain TEXT,
		decision_hash TEXT,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		replayed INTEGER NOT NULL DEFAULT 0,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

func (a *SQLiteArchive) Archive(ctx context.Context, b *Bundle) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archived_sessions
			(id, principal, started_at, last_seen, exported_at, chain_ok)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.Session.ID,
		b.Session.Principal,
		sqliteTime(b.Session.StartedAt),
		sqliteTime(b.Session.LastSeen),
		sqliteTime(b.ExportedAt),
		boolToInt(b.ChainOK),
	)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", b.Session.ID, err)
	}

	for _, r := range b.Records {
		scopes, _ := json.Marshal(r.Scopes)
		chain, _ := json.Marshal(r.Chain)
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO archived_records
				(session_id, sequence, jti, subject, actor, audience, scopes, chain,
				 decision_hash, issued_at, expires_at, recorded_at, replayed, prev_hash, entry_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SessionID, r.Sequence, r.JTI, r.Subject, r.Actor, r.Audience,
			string(scopes), string(chain), r.DecisionHash,
			sqliteTime(r.IssuedAt), sqliteTime(r.ExpiresAt), sqliteTime(r.RecordedAt),
			boolToInt(r.Replayed), r.PrevHash, r.EntryHash,
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
func (a *SQLiteArchive) Load(ctx context.Context, sessionID string) (*Bundle, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, principal, started_at, last_seen, exported_at, chain_ok
		FROM archived_sessions WHERE id = ?`, sessionID)

	var (
		b                               Bundle
		startedAt, lastSeen, exportedAt string
		chainOK                         int
	)
	err := row.Scan(&b.Session.ID, &b.Session.Principal, &startedAt, &lastSeen, &exportedAt, &chainOK)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Session.StartedAt = parseSqliteTime(startedAt)
	b.Session.LastSeen = parseSqliteTime(lastSeen)
	b.ExportedAt = parseSqliteTime(exportedAt)
	b.ChainOK = chainOK != 0

	rows, err := a.db.QueryContext(ctx, `
		SELECT session_id, sequence, jti, subject, actor, audience, scopes, chain,
		       decision_hash, issued_at, expires_at, recorded_at, replayed, prev_hash, entry_hash
		FROM archived_records WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		r, err := scanArchivedRecord(rows)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanArchivedRecord(rows *sql.Rows) (*Record, error) {
	var (
		r                               recordRow
		issuedAt, expiresAt, recordedAt string
		replayed                        int
	)
	err := rows.Scan(&r.SessionID, &r.Sequence, &r.JTI, &r.Subject, &r.Actor, &r.Audience,
		&r.Scopes, &r.Chain, &r.DecisionHash,
		&issuedAt, &expiresAt, &recordedAt, &replayed, &r.PrevHash, &r.EntryHash)
	if err != nil {
		return nil, err
	}
	rec := r.toRecord()
	rec.IssuedAt = parseSqliteTime(issuedAt)
	rec.ExpiresAt = parseSqliteTime(expiresAt)
	rec.RecordedAt = parseSqliteTime(recordedAt)
	rec.Replayed = replayed != 0
	return rec, nil
}

// recordRow holds the nullable string columns shared by both SQL
// archives; times and booleans differ per driver and are scanned
// separately.
type recordRow struct {
	SessionID    string
	Sequence     uint64
	JTI          string
	Subject      string
	Actor        sql.NullString
	Audience     string
	Scopes       string
	Chain        sql.NullString
	DecisionHash sql.NullString
	PrevHash     string
	EntryHash    string
}

func (r *recordRow) toRecord() *Record {
	rec := &Record{
		SessionID:    r.SessionID,
		Sequence:     r.Sequence,
		JTI:          r.JTI,
		Subject:      r.Subject,
		Actor:        r.Actor.String,
		Audience:     r.Audience,
		DecisionHash: r.DecisionHash.String,
		PrevHash:     r.PrevHash,
		EntryHash:    r.EntryHash,
	}
	_ = json.Unmarshal([]byte(r.Scopes), &rec.Scopes)
	if r.Chain.Valid && r.Chain.String != "" {
		_ = json.Unmarshal([]byte(r.Chain.String), &rec.Chain)
	}
	return rec
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSqliteTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
