package pgx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapErr translates Postgres failures into the store sentinels so the writer
// can decide whether to retry.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001":
			return fmt.Errorf("%w: %w", store.ErrSerialization, err)
		case "40P01":
			return fmt.Errorf("%w: %w", store.ErrDeadlock, err)
		case "55P03":
			return fmt.Errorf("%w: %w", store.ErrLockTimeout, err)
		case "23503":
			return fmt.Errorf("%w: %w", store.ErrDanglingEdge, err)
		}
	}
	return err
}
