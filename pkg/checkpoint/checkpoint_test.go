package checkpoint

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Snapshot {
	return Snapshot{
		Pending: []common.PendingState{
			{State: common.ConsolidatedState{AgentID: "a1", Summary: "s1", ProducedAt: time.Unix(10, 0).UTC()}, Attempts: 1},
		},
		Counters:       common.Counters{Processed: 5, Persisted: 3, Conflicts: 1},
		LastExtraction: time.Unix(20, 0).UTC(),
		DeferredConflicts: []common.ConflictSet{
			{Subject: "w", Predicate: "HAS_PRICE", Attempts: 1, Facts: []common.Fact{{Triple: common.Triple{Object: "10"}, Agents: []string{"a1"}}}},
		},
		TakenAt: time.Unix(30, 0).UTC(),
	}
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, sample()))
	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample(), got)

	next := sample()
	next.Counters.Processed = 9
	require.NoError(t, s.Save(ctx, next))
	got, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Counters.Processed)

	require.NoError(t, s.Close())
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(BadgerParams{})
	require.NoError(t, err)
	testStore(t, s)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(BadgerParams{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sample()))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerParams{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Pending, 1)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = raw
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	testStore(t, NewS3Store(fake, "bucket", ""))
	_, ok := fake.objects["bucket/curator/checkpoint.json"]
	assert.True(t, ok)
}

func TestOpen(t *testing.T) {
	s, err := Open(OpenParams{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)

	_, err = Open(OpenParams{Backend: "s3"})
	assert.Error(t, err)

	_, err = Open(OpenParams{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	s, err = Open(OpenParams{Backend: "s3", Bucket: "b", S3: &fakeS3{objects: map[string][]byte{}}})
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, s)
}

type holder bool

func (h *holder) Held() bool { return bool(*h) }

func TestLeasedStore(t *testing.T) {
	ctx := context.Background()
	inner, err := NewBadgerStore(BadgerParams{})
	require.NoError(t, err)

	h := holder(true)
	s := Leased(inner, &h)
	require.NoError(t, s.Save(ctx, sample()))

	h = false
	next := sample()
	next.Counters.Processed = 42
	assert.ErrorIs(t, s.Save(ctx, next), ErrNotOwner)

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Counters.Processed)
	require.NoError(t, s.Close())
}
