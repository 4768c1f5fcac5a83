package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 16)

	var mu sync.Mutex
	var first, second []string
	bus.Subscribe(func(event *engine.Event) {
		mu.Lock()
		first = append(first, event.Type)
		mu.Unlock()
	})
	bus.Subscribe(func(event *engine.Event) {
		mu.Lock()
		second = append(second, event.Type)
		mu.Unlock()
	})

	bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted})
	bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeStepApplied})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both subscribers to see 2 events, got %d and %d", len(first), len(second))
	}
	if first[0] != engine.EventTypeRunStarted || first[1] != engine.EventTypeStepApplied {
		t.Errorf("events out of order: %v", first)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 1)
	block := make(chan struct{})
	bus.Subscribe(func(*engine.Event) { <-block })

	// First event stalls the dispatcher, second fills the buffer, the rest
	// must be dropped rather than blocking the publisher.
	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeStepApplied})
	}
	if bus.Dropped() == 0 {
		t.Error("expected drops while the dispatcher is stalled")
	}
	close(block)
	bus.Close()
}

func TestMetricsSubscriberCounts(t *testing.T) {
	m := NewMetrics()
	sub := MetricsSubscriber(m)
	sub(&engine.Event{Type: engine.EventTypeRunStarted})
	sub(&engine.Event{Type: engine.EventTypeStepRetried})
	// No assertion on internal counter values; this exercises the label
	// paths so a registration mistake fails loudly.
}
