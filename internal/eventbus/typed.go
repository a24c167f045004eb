package eventbus

import (
	"sync"
	"time"
)

// TypedEnvelope mirrors Envelope with the payload already asserted to T.
type TypedEnvelope[T any] struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       T
}

// TypedSubscription filters a raw Subscription down to payloads of type
// T. Envelopes whose payload is some other type are skipped.
type TypedSubscription[T any] struct {
	raw       *Subscription
	ch        chan TypedEnvelope[T]
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

// Subscribe creates a typed subscription on the given bus and topic. A
// forwarding goroutine asserts each raw payload to T and passes matches
// on. The typed channel is unbuffered; backpressure falls on the raw
// subscription's buffer.
//
// A nil bus yields a subscription whose channel is already closed,
// mirroring Publish's nil-bus handling.
func Subscribe[T any](bus *Bus, topic Topic, opts ...SubscriptionOption) *TypedSubscription[T] {
	ts := &TypedSubscription[T]{
		ch:   make(chan TypedEnvelope[T]),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}

	if bus == nil {
		close(ts.ch)
		close(ts.done)
		return ts
	}

	ts.raw = bus.Subscribe(topic, opts...)
	go ts.forward()
	return ts
}

// C returns the typed event channel.
func (ts *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return ts.ch
}

// Close stops the forwarding goroutine and closes the underlying
// subscription. Safe to call more than once.
func (ts *TypedSubscription[T]) Close() {
	ts.closeOnce.Do(func() {
		close(ts.quit)
		if ts.raw != nil {
			ts.raw.Close()
		}
		<-ts.done
	})
}

func (ts *TypedSubscription[T]) forward() {
	defer close(ts.done)
	defer close(ts.ch)

	for env := range ts.raw.C() {
		payload, ok := env.Payload.(T)
		if !ok {
			continue
		}
		select {
		case ts.ch <- TypedEnvelope[T]{
			Topic:         env.Topic,
			Timestamp:     env.Timestamp,
			Source:        env.Source,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		}:
		case <-ts.quit:
			return
		}
	}
}
