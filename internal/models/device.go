package models

import (
	"time"
)

// DeviceStatus represents the lifecycle status of a room device
type DeviceStatus string

const (
	DeviceStatusProvisioning DeviceStatus = "provisioning"
	DeviceStatusOnline       DeviceStatus = "online"
	DeviceStatusOffline      DeviceStatus = "offline"
	DeviceStatusError        DeviceStatus = "error"
)

// Valid reports whether s is a known status value
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusProvisioning, DeviceStatusOnline, DeviceStatusOffline, DeviceStatusError:
		return true
	}
	return false
}

// Device represents one physical room unit managed by the control plane
type Device struct {
	BaseModel

	// Metadata
	Name     string  `json:"name" db:"name"`
	RoomName string  `json:"roomName" db:"room_name"`
	Location *string `json:"location,omitempty" db:"location"`

	// Status
	Status     DeviceStatus `json:"status" db:"status"`
	LastSeenAt *time.Time   `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// Device-reported info, merged at enrollment
	Platform     string    `json:"platform" db:"platform"`
	Version      string    `json:"version" db:"version"`
	Capabilities Variables `json:"capabilities,omitempty" db:"capabilities"`

	// Operator-managed configuration blob, pushed to the device
	Config Variables `json:"config,omitempty" db:"config"`

	// Enrollment token, present iff status is provisioning
	EnrollToken    *string    `json:"-" db:"enroll_token"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty" db:"token_expires_at"`
}

// IsProvisioning reports whether the device still awaits enrollment
func (d *Device) IsProvisioning() bool {
	return d.Status == DeviceStatusProvisioning
}

// DeviceInfo is the self-reported payload a device submits at enrollment
type DeviceInfo struct {
	Platform     string    `json:"platform"`
	Version      string    `json:"version"`
	Capabilities Variables `json:"capabilities,omitempty"`
}
