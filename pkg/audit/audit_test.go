package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
)

type fakeAuditDB struct {
	execErr  error
	execSQL  string
	execArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestRecordHashesSessionID(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt")}

	err := w.Record(context.Background(), "session-1", "tracker.test", decision.Pass, "persist")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(db.execArgs) != 5 {
		t.Fatalf("expected 5 insert args, got %d", len(db.execArgs))
	}
	hashed, ok := db.execArgs[0].(string)
	if !ok || hashed == "session-1" || len(hashed) != 64 {
		t.Fatalf("session id must be stored hashed, got %v", db.execArgs[0])
	}
	if db.execArgs[1] != "tracker.test" || db.execArgs[2] != "PASS" || db.execArgs[3] != "persist" {
		t.Fatalf("unexpected insert args: %v", db.execArgs)
	}
	if _, ok := db.execArgs[4].(time.Time); !ok {
		t.Fatalf("expected timestamp arg, got %T", db.execArgs[4])
	}
}

func TestRecordHashDependsOnSalt(t *testing.T) {
	a := &Writer{HashSalt: []byte("salt-a")}
	b := &Writer{HashSalt: []byte("salt-b")}
	if a.hash("session-1") == b.hash("session-1") {
		t.Fatal("different salts must produce different hashes")
	}
	if a.hash("session-1") != a.hash("session-1") {
		t.Fatal("hash must be deterministic")
	}
}

func TestRecordPropagatesDBError(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("connection lost")}
	w := &Writer{DB: db}

	if err := w.Record(context.Background(), "s", "d.test", decision.Ask, "reset"); err == nil {
		t.Fatal("expected db error to propagate")
	}
}
