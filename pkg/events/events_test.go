package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPublishRoutesByType(t *testing.T) {
	bus := NewEventBus()
	var steps, all Recorder
	bus.Subscribe(steps.Handle, StepStarted, StepCompleted)
	bus.Subscribe(all.Handle)
	ctx := context.Background()
	for _, typ := range []EventType{RunStarted, StepStarted, StepCompleted, RunCompleted} {
		bus.Publish(ctx, Event{Type: typ, RunID: "r1"})
	}
	if diff := cmp.Diff([]EventType{StepStarted, StepCompleted}, steps.Types()); diff != "" {
		t.Fatalf("step events (-want +got):\n%s", diff)
	}
	if got := len(all.Types()); got != 4 {
		t.Fatalf("wildcard handler saw %d events, want 4", got)
	}
	if all.Events()[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestPublishSurvivesFailingHandlers(t *testing.T) {
	bus := NewEventBus()
	var rec Recorder
	bus.Subscribe(func(context.Context, Event) error { return errors.New("nope") })
	bus.Subscribe(func(context.Context, Event) error { panic("boom") })
	bus.Subscribe(rec.Handle)
	bus.Publish(context.Background(), Event{Type: StepFailed})
	if len(rec.Events()) != 1 {
		t.Fatalf("later handler not reached")
	}
	var nilBus *EventBus
	nilBus.Publish(context.Background(), Event{Type: RunStarted})
}
