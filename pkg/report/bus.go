package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/engine"
)

// Subscriber is a function that handles events.
type Subscriber func(event engine.Event)

// Filter determines whether an event should be delivered.
type Filter func(event engine.Event) bool

// BusConfig configures the event bus.
type BusConfig struct {
	// BufferSize is the capacity of the async delivery buffer.
	// Zero means the default of 256.
	BufferSize int

	// Async decouples publishers from subscribers. When false,
	// Publish delivers inline on the caller's goroutine.
	Async bool
}

// Bus fans events out to subscribers. Delivery runs on a single
// goroutine in publish order, so a subscriber that journals events sees
// them in the same sequence the run produced them.
type Bus struct {
	cfg    BusConfig
	logger zerolog.Logger
	buffer chan engine.Event
	subs   []subscription
	wg     sync.WaitGroup
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	fn     Subscriber
	filter Filter
}

// NewBus creates an event bus. With cfg.Async the delivery pump starts
// immediately; call Shutdown to stop it.
func NewBus(cfg BusConfig, logger zerolog.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:    cfg,
		logger: logger.With().Str("component", "event-bus").Logger(),
		buffer: make(chan engine.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Async {
		b.wg.Add(1)
		go b.pump()
	}

	return b
}

// Subscribe registers a subscriber. Filters, when given, must all match
// for an event to be delivered.
func (b *Bus) Subscribe(fn Subscriber, filters ...Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, subscription{fn: fn, filter: allOf(filters)})
}

// Publish hands an event to subscribers. A zero ID or timestamp is
// filled in. In async mode a full buffer drops the event and returns an
// error rather than blocking the run.
func (b *Bus) Publish(event engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !b.cfg.Async {
		b.deliver(event)
		return nil
	}

	select {
	case b.buffer <- event:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	default:
		b.logger.Warn().
			Str("type", string(event.Type)).
			Str("run_id", event.RunID).
			Msg("Event buffer full, dropping event")
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// pump delivers buffered events one at a time. On shutdown it drains
// whatever is left in the buffer before returning, so events published
// before Shutdown still reach subscribers.
func (b *Bus) pump() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.ctx.Done():
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.fn(event)
	}
}

// Shutdown stops the delivery pump after it drains the buffer.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()

	if !b.cfg.Async {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

func allOf(filters []Filter) Filter {
	if len(filters) == 0 {
		return nil
	}
	if len(filters) == 1 {
		return filters[0]
	}
	return func(event engine.Event) bool {
		for _, f := range filters {
			if !f(event) {
				return false
			}
		}
		return true
	}
}

// FilterByType allows only events of the given types.
func FilterByType(types ...engine.EventType) Filter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID allows only events belonging to one run.
func FilterByRunID(runID string) Filter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterBySeverity allows only events at or above the given severity
// (info, warning, error).
func FilterBySeverity(min string) Filter {
	rank := map[string]int{"info": 0, "warning": 1, "error": 2}
	minRank := rank[min]
	return func(event engine.Event) bool {
		return rank[event.Type.Severity()] >= minRank
	}
}
