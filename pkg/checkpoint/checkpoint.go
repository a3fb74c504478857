package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/storage"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
)

// Snapshot is the restorable state of a curator: everything that would be
// lost on restart otherwise.
type Snapshot struct {
	Pending           []common.PendingState `json:"pending"`
	Counters          common.Counters       `json:"counters"`
	LastExtraction    time.Time             `json:"last_extraction"`
	DeferredConflicts []common.ConflictSet  `json:"deferred_conflicts,omitempty"`
	TakenAt           time.Time             `json:"taken_at"`
}

// Store persists a single Snapshot.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	// Load returns the last saved snapshot. ok is false if none exists.
	Load(ctx context.Context) (s Snapshot, ok bool, err error)
	Close() error
}

// Encode serializes a snapshot.
func Encode(s Snapshot) ([]byte, error) {
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return raw, nil
}

// Decode parses a snapshot written by Encode.
func Decode(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return s, nil
}

// Nop discards snapshots. It is used when checkpointing is disabled.
type Nop struct{}

func (Nop) Save(context.Context, Snapshot) error         { return nil }
func (Nop) Load(context.Context) (Snapshot, bool, error) { return Snapshot{}, false, nil }
func (Nop) Close() error                                 { return nil }

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown checkpoint backend")

// OpenParams selects and configures a checkpoint backend.
type OpenParams struct {
	Backend string
	Dir     string
	Key     string
	Bucket  string
	S3      storage.ObjectAPI
}

// Open returns the store for p.Backend: "badger", "s3" or "none".
func Open(p OpenParams) (Store, error) {
	switch p.Backend {
	case "", "none":
		return Nop{}, nil
	case "badger":
		return NewBadgerStore(BadgerParams{Dir: p.Dir, Key: p.Key})
	case "s3":
		if p.S3 == nil || p.Bucket == "" {
			return nil, errors.New("s3 checkpoint needs a client and a bucket")
		}
		return NewS3Store(p.S3, p.Bucket, p.Key), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, p.Backend)
}

// ErrNotOwner is returned by a leased store whose lease is gone.
var ErrNotOwner = errors.New("checkpoint lease not held")

// Holder reports whether the caller still owns the checkpoint.
type Holder interface {
	Held() bool
}

type leased struct {
	Store
	h Holder
}

// Leased wraps s so that Save fails once h no longer holds the lease. A
// replica that lost ownership must not overwrite its successor's snapshot.
func Leased(s Store, h Holder) Store {
	return &leased{Store: s, h: h}
}

func (l *leased) Save(ctx context.Context, s Snapshot) error {
	if !l.h.Held() {
		return ErrNotOwner
	}
	return l.Store.Save(ctx, s)
}
