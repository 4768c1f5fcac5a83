package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// Subscriber receives events delivered by the bus.
type Subscriber func(event *engine.Event)

// Bus fans driver events out to subscribers through a buffered channel, so
// publishing never blocks the driver's coordinator. Events that arrive while
// the buffer is full are dropped and counted.
type Bus struct {
	buffer chan *engine.Event
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	dropMu  sync.Mutex
	dropped int64

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewBus creates and starts an event bus.
func NewBus(logger zerolog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		buffer: make(chan *engine.Event, bufferSize),
		logger: logger.With().Str("component", "event-bus").Logger(),
		closed: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish implements engine.EventPublisher. It never blocks.
func (b *Bus) Publish(_ context.Context, event *engine.Event) {
	select {
	case b.buffer <- event:
	case <-b.closed:
	default:
		b.dropMu.Lock()
		b.dropped++
		b.dropMu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Close drains pending events and stops the bus.
func (b *Bus) Close() {
	close(b.closed)
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.closed:
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

func (b *Bus) deliver(event *engine.Event) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}

// LogSubscriber mirrors events into the logger at their own level.
func LogSubscriber(logger zerolog.Logger) Subscriber {
	logger = logger.With().Str("component", "events").Logger()
	return func(event *engine.Event) {
		var log *zerolog.Event
		switch event.Level {
		case "error":
			log = logger.Error()
		case "warning":
			log = logger.Warn()
		default:
			log = logger.Info()
		}
		if event.RunID != "" {
			log = log.Str("run_id", event.RunID)
		}
		if event.ResourceID != "" {
			log = log.Str("resource_id", event.ResourceID)
		}
		log.Str("event", event.Type).Msg(event.Message)
	}
}

// MetricsSubscriber bumps Prometheus counters from the event stream.
func MetricsSubscriber(m *Metrics) Subscriber {
	return func(event *engine.Event) {
		switch event.Type {
		case engine.EventTypeRunStarted:
			m.RunStarted()
		case engine.EventTypeStepRetried:
			m.StepRetried()
		}
	}
}
