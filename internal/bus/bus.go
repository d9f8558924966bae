// Package bus implements the typed publish/subscribe primitive every other
// component communicates through. Delivery is synchronous and ordered; handler
// failures are isolated at the bus boundary so one subscriber can never
// prevent delivery to the rest or corrupt the history.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcastano/stepgate/pkg/schema"
)

// DefaultHistorySize is the bound on the replay ring when none is configured.
const DefaultHistorySize = 1000

// slowHandlerThreshold is the per-invocation duration above which a handler
// is logged as slow. Handlers run synchronously, so a slow one delays the
// publisher; the bus cannot preempt it, but it can make it visible.
const slowHandlerThreshold = 100 * time.Millisecond

// Handler receives a published event. Handlers must not retain the event's
// payload past the call if they mutate it.
type Handler func(event schema.Event)

// subscriber is a single registered handler with its dispatch bookkeeping.
type subscriber struct {
	id        uint64
	eventType string
	handler   Handler
	once      bool
	fired     atomic.Bool // set when a once-subscriber has delivered
}

// Bus is an in-process typed event bus with bounded replay history.
// All methods are safe for concurrent use; publishes from different
// workflows never block each other beyond handler execution time.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	order   []uint64 // subscription order, for deterministic delivery
	history []schema.Event
	histMax int
	nextID  uint64
	seq     atomic.Int64
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize bounds the replay ring. Values <= 0 keep the default.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histMax = n
		}
	}
}

// WithLogger sets the logger used for handler failures and slow handlers.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bus. The bus is an explicitly constructed, passed-in
// dependency; there is no package-level singleton.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[uint64]*subscriber),
		histMax: DefaultHistorySize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event synchronously: first to subscribers of the exact
// event type, then to wildcard subscribers, each group in subscription order.
// The event is recorded in the history ring regardless of subscriber presence.
// A handler panic is recovered and logged; it never aborts delivery to other
// subscribers.
func (b *Bus) Publish(event schema.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = b.seq.Add(1)

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.histMax {
		b.history = b.history[len(b.history)-b.histMax:]
	}
	// Snapshot matching subscribers under the lock; run handlers outside it
	// so a handler may publish or (un)subscribe without deadlocking.
	exact := make([]*subscriber, 0, 4)
	wild := make([]*subscriber, 0, 4)
	for _, id := range b.order {
		sub := b.subs[id]
		if sub == nil {
			continue
		}
		switch sub.eventType {
		case event.Type:
			exact = append(exact, sub)
		case schema.WildcardType:
			wild = append(wild, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range exact {
		b.dispatch(sub, event)
	}
	for _, sub := range wild {
		b.dispatch(sub, event)
	}
}

// dispatch invokes one handler with panic isolation and slow-handler logging.
func (b *Bus) dispatch(sub *subscriber, event schema.Event) {
	if sub.once {
		// First delivery wins; racing publishes deliver at most once.
		if !sub.fired.CompareAndSwap(false, true) {
			return
		}
		b.Unsubscribe(sub.id)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", event.Type),
				slog.Uint64("subscription_id", sub.id),
				slog.Any("panic", r),
			)
		}
		if elapsed := time.Since(start); elapsed > slowHandlerThreshold {
			b.logger.Warn("slow event handler",
				slog.String("event_type", event.Type),
				slog.Uint64("subscription_id", sub.id),
				slog.Duration("elapsed", elapsed),
			)
		}
	}()

	sub.handler(event)
}

// Subscribe registers a handler for an event type. Use schema.WildcardType to
// receive every event. Returns the subscription id for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) uint64 {
	return b.subscribe(eventType, handler, false)
}

// Once registers a handler that is automatically unsubscribed after its first
// delivery.
func (b *Bus) Once(eventType string, handler Handler) uint64 {
	return b.subscribe(eventType, handler, true)
}

func (b *Bus) subscribe(eventType string, handler Handler, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{
		id:        id,
		eventType: eventType,
		handler:   handler,
		once:      once,
	}
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscription. Unsubscribing an unknown or already
// removed id is a no-op.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WaitFor blocks until an event of the given type matching the predicate is
// published, the timeout elapses, or ctx is cancelled. A nil predicate
// matches any event of the type. Only the calling goroutine suspends; the
// bus itself never blocks on a waiter. Abandoning the wait (ctx cancel)
// leaves the timeout authoritative: it fires exactly once internally and the
// subscription is always released.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration, predicate func(schema.Event) bool) (schema.Event, error) {
	matched := make(chan schema.Event, 1)
	var deliver sync.Once

	id := b.Subscribe(eventType, func(event schema.Event) {
		if predicate != nil && !predicate(event) {
			return
		}
		deliver.Do(func() { matched <- event })
	})
	defer b.Unsubscribe(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-matched:
		return event, nil
	case <-timer.C:
		return schema.Event{}, schema.NewErrorf(schema.ErrCodeTimeout,
			"no %q event within %s", eventType, timeout)
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	}
}

// HistoryFilter selects events from the replay ring.
type HistoryFilter struct {
	Type  string    // exact event type; empty matches all
	Since time.Time // zero matches all
	Limit int       // 0 = no limit; otherwise the most recent N matches
}

// History returns recorded events matching the filter, oldest first.
func (b *Bus) History(filter HistoryFilter) []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matches := make([]schema.Event, 0, len(b.history))
	for _, event := range b.history {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
			continue
		}
		matches = append(matches, event)
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[len(matches)-filter.Limit:]
	}
	return matches
}
