package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/events"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ingest"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	if requeue {
		f.requeued++
	}
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

type enqueuerFunc func(common.ConsolidatedState) ingest.Ack

func (f enqueuerFunc) Enqueue(s common.ConsolidatedState) ingest.Ack { return f(s) }

func delivery(t *testing.T, body []byte, headers amqp091.Table) (amqp091.Delivery, *fakeAck) {
	t.Helper()
	ack := &fakeAck{}
	return amqp091.Delivery{Acknowledger: ack, Body: body, Headers: headers}, ack
}

func newTestConsumer(t *testing.T, pub Publisher, target Enqueuer) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerParams{Publisher: pub, Target: target, MaxRetries: 2})
	require.NoError(t, err)
	return c
}

func TestHandleAcceptsState(t *testing.T) {
	var got []common.ConsolidatedState
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, enqueuerFunc(func(s common.ConsolidatedState) ingest.Ack {
		got = append(got, s)
		return ingest.Ack{Accepted: true}
	}))

	body, _ := json.Marshal(common.ConsolidatedState{AgentID: "a1", Summary: "Widget costs 10"})
	msg, ack := delivery(t, body, nil)
	c.Handle(context.Background(), msg)

	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AgentID)
	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.msgs)
}

func TestHandleDeadLettersBadMessages(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, enqueuerFunc(func(common.ConsolidatedState) ingest.Ack {
		return ingest.Ack{Reason: "agent_id is required"}
	}))

	msg, ack := delivery(t, []byte("{not json"), nil)
	c.Handle(context.Background(), msg)
	msg2, ack2 := delivery(t, []byte(`{"summary": "no agent"}`), nil)
	c.Handle(context.Background(), msg2)

	require.Len(t, pub.msgs, 2)
	for _, p := range pub.msgs {
		assert.Equal(t, StatesQueue+"_dlq", p.key)
		assert.Empty(t, p.exchange)
	}
	assert.Contains(t, pub.msgs[0].msg.Headers["x-reject-reason"], "malformed")
	assert.Equal(t, "agent_id is required", pub.msgs[1].msg.Headers["x-reject-reason"])
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, ack2.acked)
}

func TestHandleRetriesWhileClosed(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestConsumer(t, pub, enqueuerFunc(func(common.ConsolidatedState) ingest.Ack {
		return ingest.Ack{Reason: ingest.ErrClosed.Error()}
	}))
	body, _ := json.Marshal(common.ConsolidatedState{AgentID: "a1", Summary: "s"})

	msg, _ := delivery(t, body, nil)
	c.Handle(context.Background(), msg)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, StatesQueue+"_retry", pub.msgs[0].key)
	assert.Equal(t, int32(1), pub.msgs[0].msg.Headers[retriesHeader])

	msg, _ = delivery(t, body, amqp091.Table{retriesHeader: int32(2)})
	c.Handle(context.Background(), msg)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, StatesQueue+"_dlq", pub.msgs[1].key)
}

func TestHandleNacksWhenPublishFails(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	c := newTestConsumer(t, pub, enqueuerFunc(func(common.ConsolidatedState) ingest.Ack {
		return ingest.Ack{Reason: "invalid"}
	}))

	msg, ack := delivery(t, []byte("{}"), nil)
	c.Handle(context.Background(), msg)
	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.requeued)
}

func TestTopicSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewTopicSink(pub, "")
	require.NoError(t, s.Handle(context.Background(), events.Event{Type: events.BatchFailed, BatchID: "b1"}))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, EventsExchange, pub.msgs[0].exchange)
	assert.Equal(t, "curator.events.batch_failed", pub.msgs[0].key)
	var e events.Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].msg.Body, &e))
	assert.Equal(t, "b1", e.BatchID)
}

func TestPublishFIFO(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, PublishFIFO(context.Background(), pub, StatesQueue, []byte("{}")))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, amqp091.Persistent, pub.msgs[0].msg.DeliveryMode)
	assert.Equal(t, StatesQueue, pub.msgs[0].key)
}

func TestRepublish(t *testing.T) {
	pending := []common.PendingState{
		{State: common.ConsolidatedState{AgentID: "a1", Summary: "one"}, Attempts: 2},
		{State: common.ConsolidatedState{AgentID: "a2", Summary: "two"}},
	}

	pub := &fakePublisher{}
	n, err := Republish(context.Background(), pub, StatesQueue, pending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	var got common.ConsolidatedState
	require.NoError(t, json.Unmarshal(pub.msgs[1].msg.Body, &got))
	assert.Equal(t, "a2", got.AgentID)

	n, err = Republish(context.Background(), &fakePublisher{err: errors.New("closed")}, StatesQueue, pending)
	assert.Error(t, err)
	assert.Zero(t, n)
}
