package events

import "time"

// Event is an operational event published to the guardian service
type Event struct {
	EventType string                 `json:"event_type"`
	Status    string                 `json:"status,omitempty"`
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
	EventTypeConnect      = "connect"
	EventTypeDisconnect   = "disconnect"
	EventTypeEmergency    = "emergency"    // Escalation fired
	EventTypeConnectivity = "connectivity" // Device internet connectivity
	EventTypeSOSRide      = "sos_ride"     // Emergency transport requested
)

// Status constants
const (
	StatusTriggered = "triggered"
	StatusLost      = "lost"
	StatusRegained  = "regained"
	StatusRequested = "requested"
	StatusFailed    = "failed"
)
