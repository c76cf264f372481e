package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewEventBus(t *testing.T) {
	bus := NewEventBus(100)
	if bus == nil {
		t.Fatal("NewEventBus returned nil")
	}

	bus2 := NewEventBus(0)
	if bus2 == nil {
		t.Fatal("NewEventBus with 0 buffer should use default")
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventTypeFrameIngested)
	if ch == nil {
		t.Fatal("Subscribe returned nil channel")
	}

	event := Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	}

	bus.Publish(event)

	select {
	case received := <-ch:
		if received.Type != EventTypeFrameIngested {
			t.Errorf("Expected event type %s, got %s", EventTypeFrameIngested, received.Type)
		}
		if received.Source != "web-server" {
			t.Errorf("Expected source 'web-server', got %s", received.Source)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received within timeout")
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)

	// No typed subscriber exists yet for either event type.
	ch := bus.SubscribeAll()
	if ch == nil {
		t.Fatal("SubscribeAll returned nil channel")
	}

	bus.Publish(Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	})
	bus.Publish(Event{
		Type:   EventTypeAttendanceReceived,
		Source: "web-server",
		Data:   map[string]interface{}{"received": map[string]interface{}{"id": 7}},
	})

	var got []EventType
	timeout := time.After(1 * time.Second)

	for len(got) < 2 {
		select {
		case event := <-ch:
			got = append(got, event.Type)
		case <-timeout:
			t.Fatalf("Expected 2 events, received %d", len(got))
		}
	}

	if got[0] != EventTypeFrameIngested || got[1] != EventTypeAttendanceReceived {
		t.Errorf("Unexpected event order: %v", got)
	}
}

func TestEventBus_UnsubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.SubscribeAll()

	bus.UnsubscribeAll(ch)
	bus.Publish(Event{Type: EventTypeStreamOpened, Source: "streaming"})

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after UnsubscribeAll")
	}
}

func TestEventBus_Publish(t *testing.T) {
	bus := NewEventBus(10)

	ch1 := bus.Subscribe(EventTypeFrameIngested)
	ch2 := bus.Subscribe(EventTypeFrameIngested)

	event := Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	}

	bus.Publish(event)

	select {
	case received := <-ch1:
		if received.Type != EventTypeFrameIngested {
			t.Errorf("Channel 1: Expected event type %s, got %s", EventTypeFrameIngested, received.Type)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received on channel 1")
	}

	select {
	case received := <-ch2:
		if received.Type != EventTypeFrameIngested {
			t.Errorf("Channel 2: Expected event type %s, got %s", EventTypeFrameIngested, received.Type)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received on channel 2")
	}
}

func TestEventBus_Publish_Timestamp(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeFrameIngested)

	event := Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	}

	beforePublish := time.Now()
	bus.Publish(event)
	afterPublish := time.Now()

	select {
	case received := <-ch:
		if received.Timestamp.IsZero() {
			t.Error("Event timestamp should be set")
		}
		if received.Timestamp.Before(beforePublish) || received.Timestamp.After(afterPublish) {
			t.Error("Event timestamp should be between before and after publish time")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventTypeFrameIngested)

	event := Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	}

	bus.Publish(event)

	select {
	case <-ch:
	case <-time.After(1 * time.Second):
		t.Fatal("Event not received before unsubscribe")
	}

	bus.Unsubscribe(EventTypeFrameIngested, ch)

	// Give unsubscribe time to process
	time.Sleep(10 * time.Millisecond)

	bus.Publish(event)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Should not receive event after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		// Channel closed, which is expected
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	ch1 := bus.Subscribe(EventTypeFrameIngested)
	ch2 := bus.Subscribe(EventTypeServiceStarted)
	all := bus.SubscribeAll()

	bus.Close()

	// Publishing and closing again after Close must not panic.
	bus.Publish(Event{Type: EventTypeServiceStarted, Source: "manager"})
	bus.Close()

	if _, ok := <-all; ok {
		t.Error("Wildcard channel should be closed")
	}

	select {
	case _, ok := <-ch1:
		if ok {
			t.Error("Channel 1 should be closed")
		}
	default:
		t.Error("Channel 1 should be closed")
	}

	select {
	case _, ok := <-ch2:
		if ok {
			t.Error("Channel 2 should be closed")
		}
	default:
		t.Error("Channel 2 should be closed")
	}
}

func TestEventBus_SubscribeWithHandler(t *testing.T) {
	bus := NewEventBus(10)

	received := make(chan Event, 2)
	handler := func(ctx context.Context, event Event) error {
		received <- event
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.SubscribeWithHandler(ctx, EventTypeFrameIngested, handler, nil)

	bus.Publish(Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000001.jpg"},
	})
	bus.Publish(Event{
		Type:   EventTypeFrameIngested,
		Source: "web-server",
		Data:   map[string]interface{}{"filename": "frame_1700000000002.jpg"},
	})

	for _, want := range []string{"frame_1700000000001.jpg", "frame_1700000000002.jpg"} {
		select {
		case event := <-received:
			if event.Data["filename"] != want {
				t.Errorf("Expected filename %s, got %v", want, event.Data["filename"])
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("Event %s not handled", want)
		}
	}
}

func TestEventBus_SubscribeWithHandler_Error(t *testing.T) {
	bus := NewEventBus(10)

	failures := make(chan error, 1)
	handler := func(ctx context.Context, event Event) error {
		return errors.New("handler failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.SubscribeWithHandler(ctx, EventTypeStoragePruned, handler, func(event Event, err error) {
		failures <- err
	})
	bus.Publish(Event{Type: EventTypeStoragePruned, Source: "retention"})

	select {
	case err := <-failures:
		if err.Error() != "handler failed" {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Handler error was not reported")
	}
}

func TestEventBus_Publish_NonBlocking(t *testing.T) {
	bus := NewEventBus(1)

	ch := bus.Subscribe(EventTypeFrameIngested)

	event1 := Event{Type: EventTypeFrameIngested, Source: "web-server", Data: map[string]interface{}{"seq": 1}}
	event2 := Event{Type: EventTypeFrameIngested, Source: "web-server", Data: map[string]interface{}{"seq": 2}}
	event3 := Event{Type: EventTypeFrameIngested, Source: "web-server", Data: map[string]interface{}{"seq": 3}}

	bus.Publish(event1)
	bus.Publish(event2)
	bus.Publish(event3)

	time.Sleep(50 * time.Millisecond)

	receivedCount := 0
	timeout := time.After(100 * time.Millisecond)

	for {
		select {
		case <-ch:
			receivedCount++
		case <-timeout:
			goto done
		}
	}

done:
	if receivedCount == 0 {
		t.Error("Should receive at least one event")
	}
}

