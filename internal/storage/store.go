package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetDeviceByToken(ctx context.Context, token string) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error)
	CountDevicesByStatus(ctx context.Context) (map[models.DeviceStatus]int, error)

	// Enrollment methods.
	// RedeemToken is the atomic compare-and-clear: it succeeds for at most
	// one concurrent caller per token, clearing the token and flipping the
	// device online in a single conditional update.
	RedeemToken(ctx context.Context, token string, info models.DeviceInfo, now time.Time) (*models.Device, error)
	SetEnrollToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error

	// UpdateDeviceStatus applies a status transition. Provisioning devices
	// are never touched (enrollment is the only way out of provisioning),
	// and the target status is never provisioning.
	UpdateDeviceStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus, lastSeen *time.Time) error

	// Telemetry log methods (append-only, keyed by device_id+seq)
	AppendTelemetry(ctx context.Context, event *models.TelemetryEvent) error
	ListTelemetry(ctx context.Context, filters TelemetryFilters, limit, offset int) ([]*models.TelemetryEvent, int64, error)

	// Session methods (derived cache over the telemetry log)
	CreateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error)
	DeleteSessions(ctx context.Context, deviceID uuid.UUID) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// TelemetryFilters represents filters for telemetry queries
type TelemetryFilters struct {
	DeviceID  *uuid.UUID
	Type      *models.TelemetryType
	StartTime *time.Time
	EndTime   *time.Time
}

// SessionFilters represents filters for session queries
type SessionFilters struct {
	DeviceID  *uuid.UUID
	StartTime *time.Time
	EndTime   *time.Time
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceID *uuid.UUID
	Type     *models.EventType
	Level    *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
