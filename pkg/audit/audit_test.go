package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	ctxRaw := json.RawMessage(`{"actor":{"id":"u1"},"subjects":[{"ownerId":"u1"}],"environment":{}}`)
	db := &fakeAuditDB{
		rowValues: []any{"d-1", "edit", "permit", "edit-own", 0, "", ctxRaw, now},
	}
	w := &Writer{DB: db}

	rec := Record{
		DecisionID:    "d-1",
		Action:        "edit",
		Verdict:       "permit",
		MatchedPolicy: "edit-own",
		ContextRaw:    ctxRaw,
		CreatedAt:     now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("expected 8 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[6]); got != string(ctxRaw) {
		t.Fatalf("unexpected context arg: %s", got)
	}

	got, err := w.Get(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DecisionID != "d-1" || got.Verdict != "permit" {
		t.Fatalf("unexpected get record: %+v", got)
	}
}

func TestWriterRedactionAndErrors(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{
		DB:       db,
		HashSalt: []byte("salt-1"),
		Redact:   true,
	}
	rec := Record{
		DecisionID: "d-1",
		ContextRaw: json.RawMessage(`{"actor":{"id":"u1","ssn":"111-22-3333"},"subjects":[],"environment":{}}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append redacted: %v", err)
	}

	stored := rawArgString(db.execArgs[6])
	if strings.Contains(stored, "111-22-3333") {
		t.Fatalf("PII leaked into audit record: %s", stored)
	}
	if !strings.Contains(stored, "actor_hash") {
		t.Fatalf("expected redacted context payload: %s", stored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Append(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}

	db.rowErr = errors.New("not found")
	if _, err := w.Get(context.Background(), "d-1"); err == nil {
		t.Fatal("expected get error")
	}
}

func TestRedactContextInvalidPayload(t *testing.T) {
	redacted := redactContext(json.RawMessage(`{"actor":`), []byte("salt"))
	if !strings.Contains(string(redacted), "redaction_error") {
		t.Fatalf("expected redaction_error payload, got %s", string(redacted))
	}
	if got := redactContext(nil, []byte("salt")); got != nil {
		t.Fatalf("expected nil passthrough for empty input, got %v", got)
	}
}
