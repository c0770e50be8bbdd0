package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *bool:
			v, ok := r.values[i].(bool)
			if !ok {
				return errors.New("expected bool")
			}
			*d = v
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func TestRunMigrationsAppliesPendingSteps(t *testing.T) {
	t.Parallel()

	var applied []string
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			applied = append(applied, sql)
			return pgconn.NewCommandTag("EXEC 1"), nil
		},
	}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	steps := []migration{{name: "001_decision_audit", sql: "CREATE TABLE decision_audit ()"}}

	if err := runMigrations(context.Background(), db, steps, func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected schema exec plus bookkeeping insert, got %d", len(applied))
	}
	if !strings.Contains(applied[0], "decision_audit") {
		t.Fatalf("first exec must be the migration sql, got %q", applied[0])
	}
	if !strings.Contains(applied[1], "schema_migrations") {
		t.Fatalf("second exec must record the migration, got %q", applied[1])
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	db := &fakeMigratorDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{true}}
		},
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			t.Fatal("Begin must not be called for an applied migration")
			return nil, nil
		},
	}
	if err := runMigrations(context.Background(), db, migrations, func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("syntax error")
		},
	}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	err := runMigrations(context.Background(), db, migrations, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("expected one rollback, got %d", tx.rollbackCalls)
	}
}

func TestRunMigrationsErrors(t *testing.T) {
	t.Parallel()

	if err := runMigrations(context.Background(), nil, migrations, nil); err == nil {
		t.Fatal("nil db must error")
	}

	db := &fakeMigratorDB{
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("no connection")
		},
	}
	err := runMigrations(context.Background(), db, migrations, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("expected bookkeeping table error, got %v", err)
	}

	db = &fakeMigratorDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{err: errors.New("lookup boom")}
		},
	}
	err = runMigrations(context.Background(), db, migrations, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "migration lookup") {
		t.Fatalf("expected lookup error, got %v", err)
	}

	commitFail := &fakeMigratorTx{commitErr: errors.New("commit boom")}
	db = &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return commitFail, nil },
	}
	err = runMigrations(context.Background(), db, migrations, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "commit migration") {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestMainReportsDBErrorViaFatal(t *testing.T) {
	origFatal := logFatalf
	origOpen := openDBFn
	var fatalMsg string
	logFatalf = func(format string, v ...any) { fatalMsg = format }
	openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
		return nil, errors.New("db down")
	}
	defer func() {
		logFatalf = origFatal
		openDBFn = origOpen
	}()

	main()
	if fatalMsg != "db: %v" {
		t.Fatalf("expected db failure report, got %q", fatalMsg)
	}
}
