// Package bus fans order status changes out to live subscribers (SSE
// streams) keyed by (address, chain).
package bus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StatusEvent is one order status transition delivered to subscribers.
type StatusEvent struct {
	OrderID          string    `json:"orderId"`
	PaymentReference string    `json:"paymentReference"`
	OldStatus        string    `json:"oldStatus"`
	NewStatus        string    `json:"newStatus"`
	ChangedAt        time.Time `json:"changedAt"`
}

// Bus defaults.
const (
	DefaultSubscriberCapacity = 1
	DefaultMaxPerKey          = 2
)

type subscriberKey struct {
	address string
	chainID int64
}

type subscriber struct {
	ch     chan StatusEvent
	cancel func()
}

// Option adjusts bus behaviour.
type Option func(*Bus)

// WithSubscriberCapacity sets the per-subscriber channel buffer.
func WithSubscriberCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithMaxPerKey bounds concurrent subscriptions per (address, chain).
func WithMaxPerKey(max int) Option {
	return func(b *Bus) {
		if max > 0 {
			b.maxPerKey = max
		}
	}
}

// Bus is a non-blocking in-process fanout. Publish never waits: a full
// subscriber buffer drops its oldest event to make room for the new one, so
// slow consumers lose history, never liveness.
type Bus struct {
	name      string
	capacity  int
	maxPerKey int

	mu          sync.Mutex
	subscribers map[subscriberKey][]*subscriber
	metrics     *busMetrics
}

// New constructs a bus. The name tags its metrics.
func New(name string, opts ...Option) *Bus {
	b := &Bus{
		name:        name,
		capacity:    DefaultSubscriberCapacity,
		maxPerKey:   DefaultMaxPerKey,
		subscribers: make(map[subscriberKey][]*subscriber),
		metrics:     sharedBusMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener for a key. The channel closes when the
// context is cancelled. When the key is already at its limit the new
// subscriber is rejected with a closed empty channel.
func (b *Bus) Subscribe(ctx context.Context, address string, chainID int64) <-chan StatusEvent {
	key := subscriberKey{address: address, chainID: chainID}
	ch := make(chan StatusEvent, b.capacity)

	b.mu.Lock()
	existing := b.subscribers[key]
	if len(existing) >= b.maxPerKey {
		b.mu.Unlock()
		close(ch)
		b.metrics.recordRejected(b.name)
		return ch
	}
	sub := &subscriber{ch: ch}
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	b.subscribers[key] = append(existing, sub)
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		b.remove(key, sub)
	}()
	return ch
}

func (b *Bus) remove(key subscriberKey, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[key]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
}

// Publish delivers an event to every subscriber of the key without blocking.
// Sends happen under the bus lock: remove closes channels under the same
// lock, so a send can never race a close.
func (b *Bus) Publish(address string, chainID int64, event StatusEvent) {
	key := subscriberKey{address: address, chainID: chainID}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[key] {
		for {
			select {
			case sub.ch <- event:
			default:
				// Drop the oldest buffered event and retry once. If a
				// concurrent reader drained the channel the send succeeds.
				select {
				case <-sub.ch:
					b.metrics.recordDropped(b.name)
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports live subscriptions for a key. Test helper.
func (b *Bus) SubscriberCount(address string, chainID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[subscriberKey{address: address, chainID: chainID}])
}

var (
	busMetricsOnce sync.Once
	busMetricsInst *busMetrics
)

type busMetrics struct {
	dropped  metric.Int64Counter
	rejected metric.Int64Counter
}

func sharedBusMetrics() *busMetrics {
	busMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("circlesmarket/bus")
		dropped, err := meter.Int64Counter("market.bus.events.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("circlesmarket/bus")
			dropped, _ = fallback.Int64Counter("market.bus.events.dropped")
		}
		rejected, err := meter.Int64Counter("market.bus.subscriptions.rejected")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("circlesmarket/bus")
			rejected, _ = fallback.Int64Counter("market.bus.subscriptions.rejected")
		}
		busMetricsInst = &busMetrics{dropped: dropped, rejected: rejected}
	})
	return busMetricsInst
}

func (m *busMetrics) recordDropped(bus string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("bus", bus)))
}

func (m *busMetrics) recordRejected(bus string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("bus", bus)))
}
