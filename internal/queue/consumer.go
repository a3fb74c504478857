package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// StatesQueue is the queue agents publish consolidated states to.
const StatesQueue = "consolidated_states"

const retriesHeader = "x-retries"

// Enqueuer accepts consolidated states.
type Enqueuer interface {
	Enqueue(state common.ConsolidatedState) ingest.Ack
}

// Consumer moves consolidated states from the broker into the curator.
// Malformed or invalid messages go straight to the dead-letter queue. States
// the curator cannot take right now are parked in the retry queue, up to
// MaxRetries times.
//
// A Consumer should be created using NewConsumer.
type Consumer struct {
	ch         *amqp091.Channel
	pub        Publisher
	queue      string
	target     Enqueuer
	maxRetries int
}

// ConsumerParams configures a Consumer. Publisher defaults to Channel.
type ConsumerParams struct {
	Channel    *amqp091.Channel
	Publisher  Publisher
	Queue      string
	Target     Enqueuer
	MaxRetries int
	Prefetch   int
}

// NewConsumer creates a Consumer and applies the prefetch limit.
func NewConsumer(p ConsumerParams) (*Consumer, error) {
	if p.Queue == "" {
		p.Queue = StatesQueue
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 10
	}
	if p.Prefetch <= 0 {
		p.Prefetch = 32
	}
	if p.Publisher == nil {
		p.Publisher = p.Channel
	}
	if p.Channel != nil {
		if err := p.Channel.Qos(p.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return &Consumer{
		ch:         p.Channel,
		pub:        p.Publisher,
		queue:      p.Queue,
		target:     p.Target,
		maxRetries: p.MaxRetries,
	}, nil
}

// Run consumes until ctx ends or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.ConsumeWithContext(
		ctx,
		c.queue,
		c.queue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	logger.Info("[Queue] consuming", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] stopping consumer", "queue", c.queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle decodes one delivery, hands it to the target and settles it.
func (c *Consumer) Handle(ctx context.Context, msg amqp091.Delivery) {
	var state common.ConsolidatedState
	if err := json.Unmarshal(msg.Body, &state); err != nil {
		logger.Warn("[Queue] malformed message", "queue", c.queue, "err", err)
		c.deadLetter(ctx, msg, "malformed: "+err.Error())
		return
	}

	ack := c.target.Enqueue(state)
	switch {
	case ack.Accepted:
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] failed to ack message", "err", err)
		}
	case ack.Reason == ingest.ErrClosed.Error():
		c.retry(ctx, msg)
	default:
		logger.Warn("[Queue] rejected state", "agent", state.AgentID, "reason", ack.Reason)
		c.deadLetter(ctx, msg, ack.Reason)
	}
}

func retries(msg amqp091.Delivery) int {
	switch v := msg.Headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (c *Consumer) retry(ctx context.Context, msg amqp091.Delivery) {
	n := retries(msg)
	if n >= c.maxRetries {
		c.deadLetter(ctx, msg, fmt.Sprintf("gave up after %d retries", n))
		return
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(n + 1)

	retryName := c.queue + "_retry"
	if err := publish(ctx, c.pub, "", retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func (c *Consumer) deadLetter(ctx context.Context, msg amqp091.Delivery, reason string) {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-reject-reason"] = reason

	dlqName := c.queue + "_dlq"
	logger.Info("[Queue] sending message to DLQ", "dlq", dlqName, "reason", reason)
	if err := publish(ctx, c.pub, "", dlqName, msg.Body, headers); err != nil {
		logger.Error("[Queue] failed to publish to DLQ", "dlq", dlqName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// Republish puts pending states back on queueName, e.g. when a stopping
// worker has nowhere to checkpoint them. It returns how many were published
// before the first failure.
func Republish(ctx context.Context, pub Publisher, queueName string, pending []common.PendingState) (int, error) {
	for i, p := range pending {
		raw, err := json.Marshal(p.State)
		if err != nil {
			return i, fmt.Errorf("encode state: %w", err)
		}
		if err := PublishFIFO(ctx, pub, queueName, raw); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}
