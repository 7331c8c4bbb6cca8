package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// scanValues builds a rowStub.scan that copies the given values into dest.
func scanValues(vals ...any) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != len(vals) {
			return fmt.Errorf("scan arity mismatch: %d dest, %d vals", len(dest), len(vals))
		}
		for i := range dest {
			if err := assign(dest[i], vals[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest).Elem()
	if val == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	v := reflect.ValueOf(val)
	if !v.Type().AssignableTo(dv.Type()) {
		if !v.Type().ConvertibleTo(dv.Type()) {
			return fmt.Errorf("cannot assign %T to %s", val, dv.Type())
		}
		v = v.Convert(dv.Type())
	}
	dv.Set(v)
	return nil
}

// rowsStub implements pgx.Rows over a fixed value grid.
type rowsStub struct {
	grid [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.idx >= len(r.grid) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error {
	vals := r.grid[r.idx-1]
	if len(dest) != len(vals) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d vals", len(dest), len(vals))
	}
	for i := range dest {
		if err := assign(dest[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// txStub implements pgx.Tx, recording Exec calls.
type txStub struct {
	execSQL    []string
	execArgs   [][]any
	execErrs   []error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *txStub) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	call := len(t.execSQL)
	t.execSQL = append(t.execSQL, sql)
	t.execArgs = append(t.execArgs, args)
	if call < len(t.execErrs) && t.execErrs[call] != nil {
		return pgconn.CommandTag{}, t.execErrs[call]
	}
	return pgconn.CommandTag{}, nil
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row {
	return rowStub{scan: func(...any) error { return errors.New("no row configured") }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// poolStub implements postgres.PgxPool for tests.
// Defined in a shared helper so multiple *_test.go files can reuse it.
type poolStub struct {
	execErr  error
	execTags []pgconn.CommandTag // consumed in order; empty tag when exhausted
	execSQL  []string
	execArgs [][]any

	row      rowStub
	rows     *rowsStub
	queryErr error

	tx       *txStub
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	call := len(p.execSQL)
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	if call < len(p.execTags) {
		return p.execTags[call], nil
	}
	return pgconn.CommandTag{}, nil
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
