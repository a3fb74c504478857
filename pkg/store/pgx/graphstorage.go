package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	BeginTx(ctx context.Context, txOptions pgxv5.TxOptions) (pgxv5.Tx, error)
}

type closer interface {
	Close()
}

// GraphDBStorage implements store.GraphStore on PostgreSQL with pgvector.
// Writers run serializable transactions guarded by transaction scoped
// advisory locks; readers use read-only repeatable-read snapshots.
type GraphDBStorage struct {
	conn        pgxIConn
	lockTimeout time.Duration
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithLockTimeout sets the per-transaction lock_timeout. A lock wait that
// exceeds it fails with SQLSTATE 55P03 and the writer retries.
func WithLockTimeout(d time.Duration) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.lockTimeout = d
	}
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage on an existing
// connection or pool. The pool must have the pgvector types registered.
func NewGraphDBStorageWithConnection(
	conn pgxIConn,
	opts ...GraphDBStorageOption,
) *GraphDBStorage {
	s := &GraphDBStorage{
		conn:        conn,
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// BeginWrite opens a serializable transaction with the configured lock timeout.
func (s *GraphDBStorage) BeginWrite(ctx context.Context) (store.WriteTx, error) {
	tx, err := s.conn.BeginTx(ctx, pgxv5.TxOptions{IsoLevel: pgxv5.Serializable})
	if err != nil {
		return nil, mapErr(err)
	}
	if s.lockTimeout > 0 {
		// SET does not accept bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, mapErr(err)
		}
	}
	return &writeTx{tx: tx}, nil
}

// View runs fn inside a read-only repeatable-read transaction.
func (s *GraphDBStorage) View(ctx context.Context, fn func(store.Reader) error) error {
	tx, err := s.conn.BeginTx(ctx, pgxv5.TxOptions{
		IsoLevel:   pgxv5.RepeatableRead,
		AccessMode: pgxv5.ReadOnly,
	})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&reader{q: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}

// Close closes the underlying pool when it supports closing.
func (s *GraphDBStorage) Close() {
	if c, ok := s.conn.(closer); ok {
		c.Close()
	}
}
