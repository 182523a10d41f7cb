package events

import (
	"io"
	"log/slog"
	"testing"
)

func newTestBus() *EventBus {
	return NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOnReceivesMatchingType(t *testing.T) {
	bus := newTestBus()
	var got []Event
	bus.On(EventStatusChanged, func(e Event) { got = append(got, e) })

	bus.Emit(Event{Type: EventStatusChanged, Serial: "WX001", Data: "7"})
	bus.Emit(Event{Type: EventErrorChanged, Serial: "WX001", Data: "5"})

	if len(got) != 1 || got[0].Serial != "WX001" {
		t.Fatalf("got = %+v, want one status event", got)
	}
}

func TestOnAllReceivesEverything(t *testing.T) {
	bus := newTestBus()
	count := 0
	bus.OnAll(func(Event) { count++ })

	bus.Emit(Event{Type: EventStatusChanged})
	bus.Emit(Event{Type: EventPartyMode})
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	count := 0
	off := bus.On(EventValueChanged, func(Event) { count++ })

	bus.Emit(Event{Type: EventValueChanged})
	off()
	bus.Emit(Event{Type: EventValueChanged})
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus()
	reached := false
	bus.On(EventConnection, func(Event) { panic("boom") })
	bus.On(EventConnection, func(Event) { reached = true })

	bus.Emit(Event{Type: EventConnection})
	if !reached {
		t.Fatal("panic in one handler stopped delivery to the next")
	}
}
