package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/util"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// EventsExchange is the topic exchange lifecycle events are published to.
const EventsExchange = "curator_events"

// Publisher is the publishing half of an AMQP channel.
type Publisher interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp091.Publishing,
	) error
}

// URLFromEnv builds the broker URL from the RABBITMQ_* variables.
func URLFromEnv() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnvString("RABBITMQ_USER", "guest"),
		util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
		util.GetEnvString("RABBITMQ_HOST", "localhost"),
		util.GetEnvString("RABBITMQ_PORT", "5672"),
	)
}

// Init connects to the broker.
func Init(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// SetupQueues declares every queue in names together with its dead-letter
// queue (<name>_dlq) and its retry queue (<name>_retry). Messages in the
// retry queue expire back into the main queue after retryDelay. The events
// exchange is declared as well.
func SetupQueues(ch *amqp091.Channel, names []string, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}

	err := ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", EventsExchange, err)
	}

	for _, name := range names {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelay.Milliseconds()),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", retryName, err)
		}
		logger.Debug("[Queue] declared queue", "queue", name, "retry_delay", retryDelay)
	}

	return nil
}

// PublishFIFO publishes data as a persistent message to the named queue via
// the default exchange.
func PublishFIFO(ctx context.Context, ch Publisher, queueName string, data []byte) error {
	return publish(ctx, ch, "", queueName, data, nil)
}

// PublishTopic publishes data to the events exchange under topic.
func PublishTopic(ctx context.Context, ch Publisher, topic string, data []byte) error {
	return publish(ctx, ch, EventsExchange, topic, data, nil)
}

func publish(ctx context.Context, ch Publisher, exchange, key string, data []byte, headers amqp091.Table) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %q/%q: %w", exchange, key, err)
	}
	return nil
}
