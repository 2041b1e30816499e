package insights

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Topic carries one message per persisted insight.
const Topic = "rebuttal.insights"

// Notifier publishes and consumes insight notifications over watermill.
type Notifier struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
}

var _ InsightPublisher = &Notifier{}

func NewNotifier(publisher message.Publisher, subscriber message.Subscriber) *Notifier {
	return &Notifier{publisher: publisher, subscriber: subscriber, topic: Topic}
}

func (n *Notifier) Publish(_ context.Context, ins sessionstore.Insight) error {
	if n == nil || n.publisher == nil {
		return errors.New("insight notifier: no publisher")
	}
	payload, err := json.Marshal(ins)
	if err != nil {
		return errors.Wrap(err, "insight notifier: encode")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", ins.SessionID)
	msg.Metadata.Set("trigger_turn_id", ins.TriggerTurnID)
	if err := n.publisher.Publish(n.topic, msg); err != nil {
		return errors.Wrap(err, "insight notifier: publish")
	}
	return nil
}

// Subscribe delivers decoded insights until ctx is cancelled. Messages are acked
// once handed over; undecodable ones are logged and acked.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan sessionstore.Insight, error) {
	if n == nil || n.subscriber == nil {
		return nil, errors.New("insight notifier: no subscriber")
	}
	msgs, err := n.subscriber.Subscribe(ctx, n.topic)
	if err != nil {
		return nil, errors.Wrap(err, "insight notifier: subscribe")
	}
	out := make(chan sessionstore.Insight)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ins sessionstore.Insight
			if err := json.Unmarshal(msg.Payload, &ins); err != nil {
				log.Warn().Err(err).Str("component", "insights").Str("message_id", msg.UUID).Msg("dropping undecodable insight notification")
				msg.Ack()
				continue
			}
			select {
			case out <- ins:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}
