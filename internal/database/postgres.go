package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/ids"
)

// Postgres error codes inspected for retry/conflict mapping.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// Postgres is the production Store over database/sql + lib/pq. The zero
// value is unusable; construct with OpenPostgres. All methods run against
// either the pooled *sql.DB or, inside Tx, one *sql.Tx.
type Postgres struct {
	db    *sql.DB
	q     querier
	clock ids.Clock
	inTx  bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenPostgres connects, applies pool settings, and pings.
func OpenPostgres(ctx context.Context, dsn string, clock ids.Clock) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: pinging postgres: %w", err)
	}
	return &Postgres{db: db, q: db, clock: clock}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB, clock ids.Clock) *Postgres {
	return &Postgres{db: db, q: db, clock: clock}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the raw handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Tx runs fn inside one transaction. Nested calls reuse the ambient
// transaction so services can compose locked sections.
func (p *Postgres) Tx(ctx context.Context, fn func(tx Store) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: beginning transaction: %w", err)
	}
	txStore := &Postgres{db: p.db, q: tx, clock: p.clock, inTx: true}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: committing transaction: %w", mapPQError(err))
	}
	return nil
}

// LockCase takes the per-case advisory lock for the rest of the transaction.
func (p *Postgres) LockCase(ctx context.Context, caseID string) error {
	return p.advisoryLock(ctx, "case:"+caseID)
}

// LockChain takes the single-writer lock of the document hash chain.
func (p *Postgres) LockChain(ctx context.Context) error {
	return p.advisoryLock(ctx, "chain:documents")
}

func (p *Postgres) advisoryLock(ctx context.Context, name string) error {
	if !p.inTx {
		return fmt.Errorf("database: advisory lock %q outside transaction", name)
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	if _, err := p.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(h.Sum64())); err != nil {
		return fmt.Errorf("database: acquiring lock %q: %w", name, err)
	}
	return nil
}

// Retryable reports whether err is a transient conflict worth retrying
// (serialization failure, deadlock, or a unique-key race).
func Retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case pqSerializationFailure, pqDeadlockDetected, pqUniqueViolation:
		return true
	}
	return false
}

// mapPQError converts driver errors to the platform taxonomy. Unique
// violations become Conflict; everything else stays wrapped.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return apperr.Wrap(err, apperr.Conflict, "resource already exists")
	}
	return err
}

func (p *Postgres) now() time.Time { return p.clock.Now() }

// jsonText marshals a map for a JSONB column; nil becomes {}.
func jsonText(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

// jsonList marshals a string slice for a JSONB column; nil becomes [].
func jsonList(s []string) ([]byte, error) {
	if s == nil {
		s = []string{}
	}
	return json.Marshal(s)
}

func scanJSONMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		*dst = nil
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if len(m) == 0 {
		*dst = nil
		return nil
	}
	*dst = m
	return nil
}

func scanJSONList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		*dst = nil
		return nil
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if len(s) == 0 {
		*dst = nil
		return nil
	}
	*dst = s
	return nil
}

// notFound translates sql.ErrNoRows into the shared sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

func pageWindow(page, limit int) (offset, lim int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit, limit
}
