package eventbus

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchOrdersByPriority(t *testing.T) {
	bus := New()
	var order []string

	bus.Register(&HandlerFunc{
		Name:  "second",
		Types: []EventType{EventSyncCompleted},
		Prio:  10,
		HandleFn: func(_ context.Context, _ *Event) error {
			order = append(order, "second")
			return nil
		},
	})
	bus.Register(&HandlerFunc{
		Name:  "first",
		Types: []EventType{EventSyncCompleted},
		Prio:  1,
		HandleFn: func(_ context.Context, _ *Event) error {
			order = append(order, "first")
			return nil
		},
	})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventSyncCompleted}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handler order = %v, want [first second]", order)
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	bus := New()
	called := false
	bus.Register(&HandlerFunc{
		Name:  "conflicts-only",
		Types: []EventType{EventConflictDetected},
		HandleFn: func(_ context.Context, _ *Event) error {
			called = true
			return nil
		},
	})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventSyncFailed}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if called {
		t.Errorf("handler called for non-matching event type")
	}
}

func TestDispatchContinuesAfterHandlerError(t *testing.T) {
	bus := New()
	var reached bool
	bus.Register(&HandlerFunc{
		Name:  "failing",
		Types: []EventType{EventDeadLetter},
		Prio:  0,
		HandleFn: func(_ context.Context, _ *Event) error {
			return errors.New("boom")
		},
	})
	bus.Register(&HandlerFunc{
		Name:  "after",
		Types: []EventType{EventDeadLetter},
		Prio:  1,
		HandleFn: func(_ context.Context, _ *Event) error {
			reached = true
			return nil
		},
	})

	if err := bus.Dispatch(context.Background(), &Event{Type: EventDeadLetter}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if !reached {
		t.Errorf("chain stopped after handler error")
	}
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New()
	if err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Fatalf("Dispatch(nil) = nil, want error")
	}
}

func TestDispatchStampsTimestamp(t *testing.T) {
	bus := New()
	ev := &Event{Type: EventAlertRaised}
	if err := bus.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if ev.Timestamp.IsZero() {
		t.Errorf("Timestamp not stamped on dispatch")
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New()
	bus.Register(&HandlerFunc{
		Name:     "noop",
		Types:    []EventType{EventSyncCompleted},
		HandleFn: func(_ context.Context, _ *Event) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Dispatch(ctx, &Event{Type: EventSyncCompleted}); err == nil {
		t.Fatalf("Dispatch() with cancelled context = nil, want error")
	}
}
