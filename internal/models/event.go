package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Device lifecycle events
	EventTypeTokenIssued EventType = "TOKEN_ISSUED"
	EventTypeEnrolled    EventType = "ENROLLED"
	EventTypeOnline      EventType = "ONLINE"
	EventTypeOffline     EventType = "OFFLINE"
	EventTypeError       EventType = "ERROR"

	// Command events
	EventTypeCommand    EventType = "COMMAND"
	EventTypeCommandAck EventType = "COMMAND_ACK"

	// Telemetry events
	EventTypeOrphanLeft  EventType = "ORPHAN_LEFT"
	EventTypeInferredEnd EventType = "INFERRED_END"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
