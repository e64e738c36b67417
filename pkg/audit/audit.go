// Package audit persists one row per Decision to Postgres, with optional
// SHA-256 redaction of the request context attributes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one Record per decision. Redact, when true, hashes the
// actor/subject/environment attribute bags before they're persisted —
// useful when the audit store has a wider read-access boundary than the
// decision path itself.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is a single audited decision, mirroring pdp.Decision: Code is 0
// for an allowed decision, a stable non-zero value otherwise, and Message
// carries the deny policy's message when one produced the verdict.
type Record struct {
	DecisionID    string
	Action        string
	Verdict       string
	MatchedPolicy string
	Code          int
	Message       string
	ContextRaw    json.RawMessage // actor/subjects/environment, JSON-encoded
	CreatedAt     time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, action, verdict, matched_policy, code, message, context_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.DecisionID, rec.Action, rec.Verdict, rec.MatchedPolicy, rec.Code, rec.Message, rec.ContextRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, action, verdict, matched_policy, code, message, context_raw, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.Action, &rec.Verdict, &rec.MatchedPolicy, &rec.Code, &rec.Message, &rec.ContextRaw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
