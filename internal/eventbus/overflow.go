package eventbus

import (
	"context"
	"sync"
)

// overflowBuffer absorbs bursts on critical topics. Envelopes that do not
// fit in a subscriber's channel land here and a drain goroutine feeds them
// back in arrival order.
type overflowBuffer struct {
	mu     sync.Mutex
	ring   []Envelope
	oldest int
	count  int
	notify chan struct{} // signalled on push so the drain goroutine wakes up
	done   chan struct{} // closed when drainLoop exits
}

func newOverflowBuffer(maxSize int) *overflowBuffer {
	if maxSize <= 0 {
		maxSize = defaultMaxOverflow
	}
	return &overflowBuffer{
		ring:   make([]Envelope, maxSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push stores an envelope, reporting false when the ring is full.
func (o *overflowBuffer) push(env Envelope) bool {
	o.mu.Lock()
	if o.count == len(o.ring) {
		o.mu.Unlock()
		return false
	}
	o.ring[(o.oldest+o.count)%len(o.ring)] = env
	o.count++
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest envelope, reporting false when the ring is empty.
func (o *overflowBuffer) pop() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return Envelope{}, false
	}
	env := o.ring[o.oldest]
	o.ring[o.oldest] = Envelope{} // release the payload
	o.oldest = (o.oldest + 1) % len(o.ring)
	o.count--
	return env, true
}

func (o *overflowBuffer) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// drainLoop forwards buffered envelopes into ch until ctx is cancelled,
// parking on notify between sweeps instead of spinning.
func (o *overflowBuffer) drainLoop(ctx context.Context, ch chan<- Envelope) {
	defer close(o.done)
	for {
		for {
			env, ok := o.pop()
			if !ok {
				break
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}
	}
}
