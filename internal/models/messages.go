package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies a message on the device real-time channel
type FrameType string

const (
	// Device to server
	FrameHeartbeat  FrameType = "heartbeat"
	FrameTelemetry  FrameType = "telemetry-event"
	FrameCommandAck FrameType = "command-ack"
	FrameStatus     FrameType = "status"

	// Server to device
	FrameCommand FrameType = "command"
	FrameClose   FrameType = "close"
)

// Frame is the envelope for all channel messages
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TelemetryFrame carries one telemetry event from the device
type TelemetryFrame struct {
	Seq       int64         `json:"seq"`
	EventType TelemetryType `json:"eventType"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   Variables     `json:"payload,omitempty"`
}

// StatusFrame is a device self-report of a fault condition
type StatusFrame struct {
	Status DeviceStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// CommandFrame is a server-issued command delivered over the channel
type CommandFrame struct {
	ID      uuid.UUID `json:"id"`
	Command string    `json:"command"`
	Params  Variables `json:"params,omitempty"`
}

// CommandAckFrame acknowledges execution of a command
type CommandAckFrame struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Detail  string    `json:"detail,omitempty"`
}

// CloseFrame tells the device the server is closing the channel
type CloseFrame struct {
	Reason string `json:"reason"`
}
