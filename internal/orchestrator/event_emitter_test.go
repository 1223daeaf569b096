package orchestrator

import (
	"testing"
	"time"
)

func TestEventEmitter_EmitAndReceive(t *testing.T) {
	e := NewEventEmitter(2, 10*time.Millisecond)
	e.Emit(DispatchEvent{Type: EventTaskDispatched, TaskID: "t1"})

	select {
	case ev := <-e.Events():
		if ev.Type != EventTaskDispatched || ev.TaskID != "t1" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1, 5*time.Millisecond)
	e.Emit(DispatchEvent{Type: EventTaskDispatched})
	e.Emit(DispatchEvent{Type: EventTaskBlocked})

	if got := e.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount = %d, want 1", got)
	}
}

func TestEventEmitter_EmitAfterClose(t *testing.T) {
	e := NewEventEmitter(1, 5*time.Millisecond)
	e.Close()
	e.Close()
	e.Emit(DispatchEvent{Type: EventTaskDispatched})

	if _, ok := <-e.Events(); ok {
		t.Error("expected closed channel")
	}

	var nilEmitter *EventEmitter
	nilEmitter.Emit(DispatchEvent{Type: EventTaskFailed})
}
