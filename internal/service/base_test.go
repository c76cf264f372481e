package service

import (
	"testing"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
)

func TestServiceBase_PublishEvent(t *testing.T) {
	base := NewServiceBase("retention", logger.NewNopLogger())

	// Without a bus publishing is a no-op.
	base.PublishEvent(EventTypeStoragePruned, nil)

	bus := NewEventBus(4)
	ch := bus.Subscribe(EventTypeStoragePruned)
	base.SetEventBus(bus)

	if base.GetEventBus() != bus {
		t.Fatal("GetEventBus should return the bus that was set")
	}

	base.PublishEvent(EventTypeStoragePruned, map[string]interface{}{"removed": 3})

	select {
	case event := <-ch:
		if event.Source != "retention" {
			t.Errorf("Expected source 'retention', got %s", event.Source)
		}
		if event.Data["removed"] != 3 {
			t.Errorf("Expected removed=3, got %v", event.Data["removed"])
		}
	case <-time.After(time.Second):
		t.Fatal("Event not published")
	}
}

func TestServiceBase_Defaults(t *testing.T) {
	base := NewServiceBase("live", nil)

	if base.Name() != "live" {
		t.Errorf("Expected name 'live', got %s", base.Name())
	}
	if base.Logger() == nil {
		t.Error("A nil logger should be replaced with a no-op logger")
	}
	if base.GetStatus().GetStatus() != StatusStopped {
		t.Errorf("Expected stopped status, got %s", base.GetStatus().GetStatus())
	}

	base.LogInfo("info")
	base.LogWarn("warn")
	base.LogDebug("debug")
	base.LogError("error", nil)
}
