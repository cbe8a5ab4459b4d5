package models

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryType represents telemetry event types
type TelemetryType string

const (
	TelemetrySessionJoined   TelemetryType = "session-joined"
	TelemetrySessionLeft     TelemetryType = "session-left"
	TelemetryOccupancySample TelemetryType = "occupancy-sample"
	TelemetryHeartbeat       TelemetryType = "heartbeat"
)

// TelemetryEvent is an immutable, sequenced fact emitted by a device.
// The (DeviceID, Seq) pair is the identity; replays of the same pair
// are ignored on ingest.
type TelemetryEvent struct {
	DeviceID  uuid.UUID     `json:"deviceId" db:"device_id"`
	Seq       int64         `json:"seq" db:"seq"`
	Type      TelemetryType `json:"type" db:"type"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	Payload   Variables     `json:"payload,omitempty" db:"payload"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
}

// MeetingID extracts the platform-supplied meeting identifier from the
// payload, empty when absent.
func (e *TelemetryEvent) MeetingID() string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload["meeting"].(string); ok {
		return v
	}
	return ""
}

// Occupancy extracts the occupancy count from an occupancy-sample payload.
func (e *TelemetryEvent) Occupancy() (int, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload["count"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
