package events

import "time"

// Event represents an event message published to the events topic
type Event struct {
	EventType string                 `json:"event_type"`
	Status    string                 `json:"status,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// BufferedEvent wraps an Event with retry metadata for persistence
type BufferedEvent struct {
	Event   Event `json:"event"`
	Retries int   `json:"retries"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType string, status string, data map[string]interface{}) Event {
	return Event{
		EventType: eventType,
		Status:    status,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Event type constants
const (
	EventTypeConnect      = "connect"       // Sim bridge reachable again
	EventTypeDisconnect   = "disconnect"    // Sim bridge gone
	EventTypeStateChange  = "state_change"  // Bridge connection state transition
	EventTypeSessionStart = "session_start" // Driver entered a session
	EventTypeSessionEnd   = "session_end"   // Session over or left
	EventTypeCarChange    = "car_change"    // Different car in the same session
	EventTypeFlagChange   = "flag_change"   // Flag classification changed
	EventTypeAlert        = "alert"         // Shift alert fired
	EventTypeCommand      = "command"       // Remote command executed
	EventTypeTableReload  = "table_reload"  // Shift table reloaded from disk
	EventTypeTableUpdate  = "table_update"  // Shift table replaced from download
	EventTypeIncident     = "incident"      // Incident reported by the sim
)

// Status constants
const (
	StatusTriggered = "triggered"
	StatusCleared   = "cleared"
	StatusFailed    = "failed"
	StatusLost      = "lost"
	StatusRegained  = "regained"
)

// DefaultMaxBufferedEvents caps the disk buffer when no limit is
// configured. Rigs can sit offline for whole race weekends.
const DefaultMaxBufferedEvents = 1000
