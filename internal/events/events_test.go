package events

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type testEvent struct{ name string }

func (e testEvent) EventName() string { return e.name }

func TestNotifyRunsInPriorityOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe("ev", 200, func(context.Context, Event) error {
		order = append(order, "late")
		return nil
	})
	bus.Subscribe("ev", 10, func(context.Context, Event) error {
		order = append(order, "early")
		return nil
	})
	bus.Subscribe("ev", DefaultPriority, func(context.Context, Event) error {
		order = append(order, "default")
		return nil
	})

	bus.Notify(context.Background(), testEvent{name: "ev"})
	want := []string{"early", "default", "late"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestNotifyTiesBreakByRegistration(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe("ev", DefaultPriority, func(context.Context, Event) error {
			order = append(order, i)
			return nil
		})
	}
	bus.Notify(context.Background(), testEvent{name: "ev"})
	if !reflect.DeepEqual(order, []int{0, 1, 2, 3, 4}) {
		t.Errorf("order = %v", order)
	}
}

func TestSubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	ran := false
	bus.Subscribe("ev", 1, func(context.Context, Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("ev", 2, func(context.Context, Event) error {
		ran = true
		return nil
	})
	bus.Notify(context.Background(), testEvent{name: "ev"})
	if !ran {
		t.Error("a failing subscriber must not block the rest")
	}
}

func TestNotifyUnknownEventIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Notify(context.Background(), testEvent{name: "nobody-listens"})
}
