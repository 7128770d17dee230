package events

import (
	"bytes"
	"log"
	"testing"
)

func TestEmitReachesAllListeners(t *testing.T) {
	e := New(nil)

	var got []string
	e.Subscribe(Pulled, func(ev Event) { got = append(got, "a:"+ev.Label) })
	e.Subscribe(Pulled, func(ev Event) { got = append(got, "b:"+ev.Label) })
	e.Subscribe(Pushed, func(ev Event) { got = append(got, "pushed") })

	e.Emit(Event{Type: Pulled, Label: "tasks"})

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %v", len(got), got)
	}
	if got[0] != "a:tasks" || got[1] != "b:tasks" {
		t.Errorf("listeners should fire in subscription order, got %v", got)
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	var buf bytes.Buffer
	e := New(log.New(&buf, "", 0))

	second := false
	e.Subscribe(Error, func(Event) { panic("listener bug") })
	e.Subscribe(Error, func(Event) { second = true })

	e.Emit(Event{Type: Error, Label: "tasks"})

	if !second {
		t.Error("second listener should run despite first panicking")
	}
	if buf.Len() == 0 {
		t.Error("panic should be logged")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	e := New(nil)

	count := 0
	cancel := e.Subscribe(State, func(Event) { count++ })

	e.Emit(Event{Type: State})
	cancel()
	cancel() // idempotent
	e.Emit(Event{Type: State})

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestEmitWithNoListeners(t *testing.T) {
	e := New(nil)
	e.Emit(Event{Type: RemoteChanged, Label: "tasks"})
}
