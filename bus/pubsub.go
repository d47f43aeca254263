package bus

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
)

// PubSub is the production Bus, backed by a single Cloud Pub/Sub topic
// and subscription. One topic carries all three event kinds as a typed
// envelope rather than one topic per kind, because the worker must
// remain a single logical consumer per spec.
type PubSub struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// envelope is the wire shape of an Event plus its dedup ID.
type envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewPubSub wires an existing topic/subscription pair into a Bus. The
// topic and subscription are expected to already exist (provisioned out
// of band); this matches the teacher's convention of treating external
// infrastructure as configured, not self-provisioned, at startup.
func NewPubSub(topic *pubsub.Topic, sub *pubsub.Subscription) *PubSub {
	return &PubSub{topic: topic, sub: sub}
}

func (b *PubSub) Publish(ctx context.Context, event Event) error {
	env := envelope{ID: newDeliveryID(), Kind: event.Kind, Payload: event.Payload}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal event envelope")
	}
	result := b.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return &ErrUnavailable{Err: err}
	}
	return nil
}

func (b *PubSub) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				// Malformed message: ack so it never blocks the subscription,
				// there is no retry path that would fix a parse error.
				msg.Ack()
				return
			}
			d := Delivery{
				ID:    env.ID,
				Event: Event{Kind: env.Kind, Payload: env.Payload},
				Ack:   msg.Ack,
				Nack:  msg.Nack,
			}
			select {
			case out <- d:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			// Receive returned due to a transport error, not cancellation;
			// nothing more to deliver on this channel.
			return
		}
	}()
	return out, nil
}

var _ Bus = (*PubSub)(nil)
