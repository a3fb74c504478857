package checkpoint

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/kiwi/curator/internal/storage"
)

// S3Store keeps the snapshot as a single JSON object in a bucket.
type S3Store struct {
	client storage.ObjectAPI
	bucket string
	key    string
}

// NewS3Store creates a store writing to bucket/key.
func NewS3Store(client storage.ObjectAPI, bucket, key string) *S3Store {
	if key == "" {
		key = "curator/checkpoint.json"
	}
	return &S3Store{client: client, bucket: bucket, key: key}
}

func (s *S3Store) Save(ctx context.Context, snap Snapshot) error {
	raw, err := Encode(snap)
	if err != nil {
		return err
	}
	return storage.PutFile(ctx, s.client, s.bucket, s.key, raw, "application/json")
}

func (s *S3Store) Load(ctx context.Context) (Snapshot, bool, error) {
	raw, err := storage.GetFile(ctx, s.client, s.bucket, s.key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := Decode(raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *S3Store) Close() error { return nil }
