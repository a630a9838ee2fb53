package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
)

// Handler consumes one envelope. Errors are caught by the bus, logged,
// counted and reported to the failure hook; they never propagate to the
// publisher.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// asyncQueueDepth bounds each async subscriber's delivery queue; a full
// queue backpressures the publisher instead of reordering.
const asyncQueueDepth = 256

type delivery struct {
	ctx context.Context
	env *envelope.Envelope
}

type subscriber struct {
	fn    Handler
	async bool
	queue chan delivery
}

// Bus is the in-process topic-keyed fan-out dispatcher. Sync handlers
// run inline on the publisher's goroutine in subscription order; async
// handlers are scheduled on their own goroutines. Delivery to local
// subscribers never blocks on the broker bridge.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	closed bool

	maxWire   int
	bridge    *brokerBridge
	onFailure func(topic string, err error)

	wg sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxWireBytes caps the serialised envelope size accepted at
// publish time.
func WithMaxWireBytes(n int) Option {
	return func(b *Bus) { b.maxWire = n }
}

// WithBroker enables the external broker bridge. Envelopes are
// additionally forwarded, best-effort, to the broker at url.
func WithBroker(url string) Option {
	return func(b *Bus) { b.bridge = newBrokerBridge(url) }
}

// WithFailureHook registers the handler-failure callback consumed by
// the supervisor's health accounting.
func WithFailureHook(fn func(topic string, err error)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]subscriber),
		maxWire: envelope.DefaultMaxWireBytes,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the broker forwarder when a bridge is configured.
func (b *Bus) Start(ctx context.Context) {
	if b.bridge != nil {
		b.bridge.start(ctx)
	}
}

// Subscribe appends a synchronous handler to topic's ordered list.
func (b *Bus) Subscribe(topic string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscriber{fn: fn})
}

// SubscribeAsync appends an asynchronous handler to topic's ordered
// list. Each async subscriber gets its own ordered queue drained by a
// single goroutine, so envelopes of one (publisher, topic) pair are
// observed in publish order: enqueueing happens under the publish path,
// delivery runs off it.
func (b *Bus) SubscribeAsync(topic string, fn Handler) {
	sub := subscriber{fn: fn, async: true, queue: make(chan delivery, asyncQueueDepth)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range sub.queue {
			b.invoke(d.ctx, topic, sub.fn, d.env)
		}
	}()
}

// Publish validates env and dispatches it to every handler subscribed
// to topic at the moment of publish. The envelope recipient must be
// non-empty; non-JSON payloads and oversized wire forms fail with
// ErrInvalidPayload before any delivery.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if env.Recipient == "" {
		return errdefs.ErrEmptyRecipient
	}
	wire, err := env.MarshalWire(b.maxWire)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // closed bus: validated but not delivered
	}
	handlers := make([]subscriber, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	// Async envelopes are enqueued under the lock so concurrent
	// publishers cannot interleave one publisher's stream; the drain
	// goroutines never take the lock, so a full queue still empties.
	for _, sub := range handlers {
		if sub.async {
			sub.queue <- delivery{ctx: ctx, env: env}
		}
	}
	b.mu.Unlock()

	metrics.BusPublishTotal.WithLabelValues(topic).Inc()

	if b.bridge != nil {
		b.bridge.enqueue(topic, wire)
	}

	for _, sub := range handlers {
		if !sub.async {
			b.invoke(ctx, topic, sub.fn, env)
		}
	}
	return nil
}

// invoke runs one handler, converting panics and errors into counted,
// logged handler failures.
func (b *Bus) invoke(ctx context.Context, topic string, h Handler, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(topic, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := h(ctx, env); err != nil {
		b.reportFailure(topic, err)
	}
}

func (b *Bus) reportFailure(topic string, err error) {
	metrics.BusHandlerFailures.WithLabelValues(topic).Inc()
	log.WithComponent("bus").Error().Err(err).Str("topic", topic).Msg("handler failed")
	if b.onFailure != nil {
		b.onFailure(topic, err)
	}
}

// Close stops accepting publishes, drains every async queue and stops
// the broker forwarder. Publishes after Close are validated but
// dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.async {
				close(sub.queue)
			}
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	if b.bridge != nil {
		b.bridge.stop()
	}
}
