package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps the snapshot in a local badger database.
type BadgerStore struct {
	db  *badger.DB
	key []byte
}

// BadgerParams configures a BadgerStore. An empty Dir opens an in-memory
// database.
type BadgerParams struct {
	Dir string
	Key string
}

// NewBadgerStore opens (or creates) the database in p.Dir.
func NewBadgerStore(p BadgerParams) (*BadgerStore, error) {
	opts := badger.DefaultOptions(p.Dir).WithLogger(nil)
	if p.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", p.Dir, err)
	}
	if p.Key == "" {
		p.Key = "curator/checkpoint"
	}
	return &BadgerStore{db: db, key: []byte(p.Key)}, nil
}

func (b *BadgerStore) Save(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := Encode(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key, raw)
	})
}

func (b *BadgerStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	s, err := Decode(raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
