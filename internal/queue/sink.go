package queue

import (
	"context"
	"encoding/json"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/events"
)

// TopicSink publishes lifecycle events to the events exchange. The routing
// key is <prefix>.<event type>.
type TopicSink struct {
	pub    Publisher
	prefix string
}

// NewTopicSink creates a TopicSink. An empty prefix uses "curator.events".
func NewTopicSink(pub Publisher, prefix string) *TopicSink {
	if prefix == "" {
		prefix = "curator.events"
	}
	return &TopicSink{pub: pub, prefix: prefix}
}

func (s *TopicSink) Name() string { return "amqp" }

func (s *TopicSink) Handle(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return PublishTopic(ctx, s.pub, s.prefix+"."+string(e.Type), data)
}
