package eventbus

import "context"

// TopicDef pins a Topic string to its payload type at compile time so
// publishers and subscribers cannot disagree on what a topic carries.
type TopicDef[T any] struct{ topic Topic }

func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish sends a typed payload on the bus. A nil bus is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.publish(ctx, Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// SubscribeTo creates a typed subscription whose payload type is taken
// from the topic descriptor.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
