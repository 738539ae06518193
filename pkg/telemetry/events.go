package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// ErrBufferFull is returned by Publish when an asynchronous publisher
// cannot accept more events. The event is dropped.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// Subscriber handles delivered events.
type Subscriber func(ctx context.Context, event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventSink persists events. stores.Store satisfies it.
type EventSink interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// EventPublisher implements engine.EventPublisher. Asynchronous publishers
// buffer events and deliver them in batches from a single goroutine, so
// subscribers see events in publish order and never block publishers.
type EventPublisher struct {
	config  EventsConfig
	clock   engine.Clock
	logger  zerolog.Logger
	metrics *Metrics

	buffer      chan engine.Event
	pending     atomic.Int64
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	name       string
	subscriber Subscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger, metrics *Metrics) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config:  cfg,
		clock:   engine.SystemClock,
		logger:  logger.With().Str("component", "events").Logger(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		if cfg.MaxBatchSize <= 0 {
			ep.config.MaxBatchSize = 100
		}
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// WithClock sets the clock used to stamp events.
func (ep *EventPublisher) WithClock(c engine.Clock) *EventPublisher {
	ep.clock = c
	return ep
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ep.clock.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(*event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliver(ctx, *event)
		return nil
	}

	ep.pending.Add(1)
	select {
	case ep.buffer <- *event:
		return nil
	case <-ep.ctx.Done():
		ep.pending.Add(-1)
		return fmt.Errorf("event publisher stopped")
	default:
		ep.pending.Add(-1)
		ep.metrics.RecordEventDropped()
		return ErrBufferFull
	}
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(name string, subscriber Subscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		name:       name,
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddSink subscribes a sink that persists every event.
func (ep *EventPublisher) AddSink(name string, sink EventSink) {
	ep.Subscribe(name, func(ctx context.Context, event engine.Event) {
		if err := sink.AppendEvent(ctx, &event); err != nil {
			ep.logger.Error().Err(err).Str("sink", name).Str("event", string(event.Type)).Msg("Failed to persist event")
		}
	}, nil)
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliver(context.Background(), event)
			ep.pending.Add(-1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(ctx context.Context, event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.safeDeliver(ctx, entry, event)
	}
}

func (ep *EventPublisher) safeDeliver(ctx context.Context, entry subscriberEntry, event engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().
				Str("subscriber", entry.name).
				Interface("panic", r).
				Msg("Event subscriber panicked")
		}
	}()
	entry.subscriber(ctx, event)
}

// Flush waits until every buffered event has been delivered.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for ep.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("event flush: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber logs every event at the level its type calls for.
func LogSubscriber(logger zerolog.Logger) Subscriber {
	return func(_ context.Context, event engine.Event) {
		var e *zerolog.Event
		switch event.Type.Level() {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e.Str("event", string(event.Type)).
			Str("pass_id", event.PassID).
			Str("scope", event.Scope).
			Str("resource", event.ResourceID).
			Msg(event.Message)
	}
}

// Recorder keeps delivered events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

// Subscriber returns the recorder's subscriber function.
func (r *Recorder) Subscriber() Subscriber {
	return func(_ context.Context, event engine.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
	}
}

// Publish implements engine.EventPublisher by recording directly.
func (r *Recorder) Publish(ctx context.Context, event *engine.Event) error {
	r.Subscriber()(ctx, *event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t engine.EventType) []engine.Event {
	var out []engine.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// FilterByLevel allows events at or above a level (info, warning, error).
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{"info": 0, "warning": 1, "error": 2}
	floor := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Type.Level()] >= floor
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByPassID allows only the events of one pass.
func FilterByPassID(passID string) EventFilter {
	return func(event engine.Event) bool {
		return event.PassID == passID
	}
}
