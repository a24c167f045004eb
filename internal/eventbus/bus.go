package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffers sizes the per-subscription channel for topics with a
// known traffic shape. Anything absent gets a buffer of one.
var defaultBuffers = map[Topic]int{
	TopicTerminalOutput:           1024,
	TopicTerminalCommandCompleted: 128,
	TopicTokenExpired:             64,
	TopicToolUpdateStarted:        64,
	TopicToolUpdateCompleted:      64,
	TopicUpdateDownloadProgress:   64,
	TopicModalOpened:              64,
	TopicModalClosed:              64,
	TopicModalMessage:             256,
	TopicDeviceCodeShow:           16,
	TopicDeviceCodeClose:          16,
	TopicAuthErrorShow:            16,
	TopicWindowOpened:             128,
	TopicWindowClosed:             128,
	TopicWindowActivated:          128,
	TopicToolbox:                  256,
}

// Bus fans published envelopes out to topic subscribers.
type Bus struct {
	mu       sync.RWMutex
	byTopic  map[Topic]map[uint64]*Subscription
	policies map[Topic]DeliveryPolicy
	buffers  map[Topic]int
	lastID   uint64
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithTopicPolicy overrides the delivery policy for one topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		b.policies[topic] = policy
	}
}

func New(opts ...BusOption) *Bus {
	b := &Bus{
		byTopic:  make(map[Topic]map[uint64]*Subscription),
		policies: make(map[Topic]DeliveryPolicy),
		buffers:  defaultBuffers,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// publish delivers env to every subscriber of its topic. Envelopes with
// an empty topic are discarded.
func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	for _, sub := range b.byTopic[env.Topic] {
		sub.deliver(ctx, env)
	}
	b.mu.RUnlock()
}

// Subscribe registers a consumer for topic. On a nil bus the returned
// subscription is already closed.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		return closedSubscription()
	}

	cfg := subscriptionConfig{bufferSize: b.buffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		topic:  topic,
		id:     atomic.AddUint64(&b.lastID, 1),
		name:   cfg.name,
		ch:     make(chan Envelope, cfg.bufferSize),
		done:   make(chan struct{}),
		bus:    b,
		policy: policyFor(topic, b.policies),
	}

	if sub.policy.Strategy == StrategyOverflow {
		capacity := sub.policy.MaxOverflow
		if capacity <= 0 {
			capacity = defaultMaxOverflow
		}
		sub.ovf = newOverflowBuffer(capacity)
		drainCtx, cancel := context.WithCancel(context.Background())
		sub.ovfCancel = cancel
		go sub.ovf.drainLoop(drainCtx, sub.ch)
	}

	b.mu.Lock()
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[uint64]*Subscription)
	}
	b.byTopic[topic][sub.id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub
}

func closedSubscription() *Subscription {
	ch := make(chan Envelope)
	close(ch)
	done := make(chan struct{})
	close(done)
	sub := &Subscription{ch: ch, done: done}
	sub.closed.Store(true)
	return sub
}

// Shutdown closes every subscription and empties the routing tables.
// A nil bus is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.byTopic {
		for id, sub := range subs {
			sub.closeLocked()
			delete(subs, id)
		}
		delete(b.byTopic, topic)
	}
}

// SubscriptionOption customises one subscription.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer size.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName labels the subscription in drop warnings.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext closes the subscription when ctx is cancelled. A nil
// context is ignored.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription is one consumer's view of a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope
	done  chan struct{} // closed when the subscription is closed

	bus       *Bus
	closed    atomic.Bool
	dropped   atomic.Uint64
	policy    DeliveryPolicy
	ovf       *overflowBuffer
	ovfCancel context.CancelFunc
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close removes the subscription from the bus and closes the channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.stopOverflow()
	close(s.done)

	if s.bus == nil {
		close(s.ch)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.byTopic[s.topic]; ok {
		delete(subs, s.id)
	}
	close(s.ch)
}

// closeLocked is Close for callers already holding the bus mutex.
func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopOverflow()
	close(s.done)
	close(s.ch)
}

// stopOverflow cancels the drain goroutine and waits for it to exit.
func (s *Subscription) stopOverflow() {
	if s.ovfCancel != nil {
		s.ovfCancel()
	}
	if s.ovf != nil {
		<-s.ovf.done
	}
}

func (s *Subscription) deliver(ctx context.Context, env Envelope) {
	if s.closed.Load() {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	// Overflow subscriptions always route through the ring. A direct
	// channel send would race the drain goroutine and reorder events.
	if s.policy.Strategy == StrategyOverflow && s.ovf != nil {
		if s.ovf.push(env) {
			return
		}
		// Ring full, degrade to drop-oldest on the channel.
		s.dropOldestAndEnqueue(env)
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	// Channel full, apply the topic policy.
	if s.policy.Strategy == StrategyDropNewest {
		s.recordDrop("drop-newest")
		return
	}
	s.dropOldestAndEnqueue(env)
}

func (s *Subscription) dropOldestAndEnqueue(env Envelope) {
	select {
	case <-s.ch:
		s.recordDrop("drop-oldest")
	default:
	}

	select {
	case s.ch <- env:
	default:
		s.recordDrop("drop-current")
	}
}

func (s *Subscription) recordDrop(reason string) {
	count := s.dropped.Add(1)
	name := s.name
	if name == "" {
		name = "subscription"
	}
	log.Printf("[EventBus] dropped event #%d for %s on topic %s (%s)", count, name, s.topic, reason)
}
