package store

import (
	"errors"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrLockTimeout   = errors.New("store: lock timeout")
	ErrDeadlock      = errors.New("store: deadlock detected")
	ErrSerialization = errors.New("store: serialization failure")
	ErrTxDone        = errors.New("store: transaction already finished")
	ErrDanglingEdge  = errors.New("store: relationship endpoint does not exist")
)

// IsRetryable reports whether err is a transient concurrency failure after
// which the whole transaction can be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrSerialization)
}
