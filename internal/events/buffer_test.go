package events

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestBufferAdd_DropsOldestWhenFull(t *testing.T) {
	b := NewBuffer("", 3, 2)

	b.Add(NewEvent("first", "", nil))
	b.Add(NewEvent("second", "", nil))
	b.Add(NewEvent("third", "", nil))

	if b.Count() != 2 {
		t.Fatalf("Expected 2 buffered events, got %d", b.Count())
	}

	var sent []string
	b.Flush(func(e Event) error {
		sent = append(sent, e.EventType)
		return nil
	})

	if len(sent) != 2 || sent[0] != "second" || sent[1] != "third" {
		t.Errorf("Expected oldest event dropped, flushed %v", sent)
	}
}

func TestBufferFlush_RemovesSentEvents(t *testing.T) {
	b := NewBuffer("", 3, 0)
	b.Add(NewEvent("connect", StatusRegained, nil))
	b.Add(NewEvent("disconnect", StatusLost, nil))

	b.Flush(func(e Event) error { return nil })

	if b.Count() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", b.Count())
	}
}

func TestBufferFlush_KeepsFailedEvents(t *testing.T) {
	b := NewBuffer("", 3, 0)
	b.Add(NewEvent("connect", StatusRegained, nil))

	b.Flush(func(e Event) error { return fmt.Errorf("broker down") })

	if b.Count() != 1 {
		t.Errorf("Expected failed event to stay buffered, got %d", b.Count())
	}
}

func TestBufferFlush_DiscardsAfterMaxRetries(t *testing.T) {
	b := NewBuffer("", 1, 0)
	b.Add(NewEvent("connect", StatusRegained, nil))

	// First flush fails, bumping the event to its retry limit
	b.Flush(func(e Event) error { return fmt.Errorf("broker down") })
	if b.Count() != 1 {
		t.Fatalf("Expected event retained after first failure, got %d", b.Count())
	}

	// Second flush discards it without calling the sender
	calls := 0
	b.Flush(func(e Event) error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("Expected no send attempts for exhausted event, got %d", calls)
	}
	if b.Count() != 0 {
		t.Errorf("Expected buffer empty after discard, got %d", b.Count())
	}
}

func TestBuffer_PersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	b := NewBuffer(path, 3, 0)
	b.Add(NewEvent("session_start", "", map[string]interface{}{"track": "spa"}))
	b.Add(NewEvent("session_end", "", nil))

	reloaded := NewBuffer(path, 3, 0)
	if reloaded.Count() != 2 {
		t.Fatalf("Expected 2 events after reload, got %d", reloaded.Count())
	}

	var types []string
	reloaded.Flush(func(e Event) error {
		types = append(types, e.EventType)
		return nil
	})
	if len(types) != 2 || types[0] != "session_start" || types[1] != "session_end" {
		t.Errorf("Expected events to survive restart in order, got %v", types)
	}
}
