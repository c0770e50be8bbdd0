package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends decision changes to the decision_audit table. Session
// ids are stored hashed: the trail must show that a decision changed
// for some browser, not which browser.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

// Entry is one audited decision change.
type Entry struct {
	SessionIDHash string
	Domain        string
	Decision      string
	Action        string
	CreatedAt     time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS decision_audit (
	id BIGSERIAL PRIMARY KEY,
	session_id_hash TEXT NOT NULL,
	domain TEXT NOT NULL,
	decision TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS decision_audit_session_idx ON decision_audit (session_id_hash, created_at);
`

// Record implements the redirect workflow's Recorder.
func (w *Writer) Record(ctx context.Context, sessionID, domain string, d decision.Decision, action string) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_audit (session_id_hash, domain, decision, action, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, w.hash(sessionID), domain, string(d), action, time.Now().UTC())
	return err
}

// Recent returns the newest entries for one session, newest first.
func (w *Writer) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT session_id_hash, domain, decision, action, created_at
		FROM decision_audit WHERE session_id_hash=$1
		ORDER BY created_at DESC LIMIT $2
	`, w.hash(sessionID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionIDHash, &e.Domain, &e.Decision, &e.Action, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (w *Writer) hash(sessionID string) string {
	h := sha256.New()
	h.Write(w.HashSalt)
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}
