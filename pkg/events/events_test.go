package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collectSink struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
	err    error
}

func (s *collectSink) Name() string { return "collect" }

func (s *collectSink) Handle(_ context.Context, e Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return s.err
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestEmitterDeliversInOrder(t *testing.T) {
	a := &collectSink{}
	b := &collectSink{err: errors.New("sink down")}
	e := NewEmitter(16, a, b)

	for _, typ := range []Type{BatchProcessed, KnowledgePersisted, ConflictResolved} {
		require.True(t, e.Emit(Event{Type: typ, BatchID: "b1"}))
	}
	e.Close()

	got := a.all()
	require.Len(t, got, 3)
	assert.Equal(t, BatchProcessed, got[0].Type)
	assert.Equal(t, ConflictResolved, got[2].Type)
	assert.False(t, got[0].At.IsZero())
	assert.Len(t, b.all(), 3, "a failing sink still sees every event")
}

func TestEmitterDropsWhenFull(t *testing.T) {
	slow := &collectSink{gate: make(chan struct{})}
	e := NewEmitter(2, slow)

	accepted := 0
	for range 10 {
		if e.Emit(Event{Type: BatchProcessed}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 3, "buffer plus the event held by the dispatcher")
	assert.Equal(t, uint64(10-accepted), e.Dropped())

	close(slow.gate)
	e.Close()
	assert.Len(t, slow.all(), accepted)

	assert.False(t, e.Emit(Event{Type: BatchProcessed}))
	e.Close()
}

func TestLogSink(t *testing.T) {
	for _, typ := range []Type{BatchProcessed, KnowledgePersisted, ConflictResolved, ExtractionError, BatchFailed, StatesFailed} {
		assert.NoError(t, LogSink{}.Handle(context.Background(), Event{Type: typ}))
	}
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink("curator", reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, Event{Type: BatchProcessed, BatchSize: 5, Duration: time.Second, TriplesExtracted: 7}))
	require.NoError(t, s.Handle(ctx, Event{Type: KnowledgePersisted, EntityCount: 2, TripleCount: 3, CausalCount: 1}))
	require.NoError(t, s.Handle(ctx, Event{Type: ConflictResolved, Strategy: "semantic_vote"}))
	require.NoError(t, s.Handle(ctx, Event{Type: StatesFailed, States: 4}))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.events.WithLabelValues("batch_processed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(s.extracted))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.persisted.WithLabelValues("triple")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.conflicts.WithLabelValues("semantic_vote")))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.failedStates))

	_, err = NewPrometheusSink("curator", reg)
	assert.Error(t, err, "duplicate registration is reported")
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message any) *goredis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	return goredis.NewIntResult(1, p.err)
}

func TestRedisSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewRedisSink(pub, "")
	require.NoError(t, s.Handle(context.Background(), Event{Type: ConflictResolved, Winner: "12 USD", LoserAgents: []string{"a3"}}))
	assert.Equal(t, "curator.events", pub.channel)

	var e Event
	require.NoError(t, json.Unmarshal(pub.payload, &e))
	assert.Equal(t, ConflictResolved, e.Type)
	assert.Equal(t, []string{"a3"}, e.LoserAgents)

	pub.err = errors.New("connection refused")
	assert.Error(t, s.Handle(context.Background(), Event{Type: BatchFailed}))
}
