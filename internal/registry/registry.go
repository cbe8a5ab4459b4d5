package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// Registry errors
var (
	// ErrConflict indicates a state precondition violation, such as
	// deleting a device that still holds a live channel.
	ErrConflict = errors.New("conflict")
	// ErrInvalidStatus indicates a disallowed status transition.
	ErrInvalidStatus = errors.New("invalid status transition")
)

// Presence reports whether a device currently holds a live channel. The
// channel manager implements it; the registry uses it to refuse deletion
// of connected devices.
type Presence interface {
	Connected(deviceID uuid.UUID) bool
}

// noPresence is used until the channel manager is wired in
type noPresence struct{}

func (noPresence) Connected(uuid.UUID) bool { return false }

// Registry owns device records and is the single gate for status
// transitions. All status writers (channel connect/disconnect, heartbeat
// timeout, device self-report, operator action) funnel through MarkStatus.
type Registry struct {
	store    storage.Store
	nc       *nats.Conn
	presence Presence

	// Per-device serialization of status writes. Contention on one
	// device must not block the others.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New creates a device registry
func New(store storage.Store, nc *nats.Conn) *Registry {
	return &Registry{
		store:    store,
		nc:       nc,
		presence: noPresence{},
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetPresence wires in the channel manager's connection table
func (r *Registry) SetPresence(p Presence) {
	r.presence = p
}

// lockFor returns the mutex serializing one device's mutations
func (r *Registry) lockFor(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Get gets a device by ID
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return r.store.GetDevice(ctx, id)
}

// List lists devices, optionally filtered by status
func (r *Registry) List(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	return r.store.ListDevices(ctx, status, limit, offset)
}

// UpdatePatch carries the operator-editable device fields. Status and
// enrollment fields are not part of the patch and can never be written
// through Update.
type UpdatePatch struct {
	Name     *string
	RoomName *string
	Location *string
	Config   models.Variables
}

// Update applies a metadata/config patch to a device
func (r *Registry) Update(ctx context.Context, id uuid.UUID, patch UpdatePatch) (*models.Device, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		device.Name = *patch.Name
	}
	if patch.RoomName != nil {
		device.RoomName = *patch.RoomName
	}
	if patch.Location != nil {
		device.Location = patch.Location
	}
	if patch.Config != nil {
		device.Config = patch.Config
	}

	if err := r.store.UpdateDevice(ctx, device); err != nil {
		return nil, err
	}

	return device, nil
}

// Delete removes a device. A device holding a live channel must be
// disconnected first; a provisioning device is only deleted through
// explicit cancellation.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID, cancel bool) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}

	if r.presence.Connected(id) {
		return fmt.Errorf("%w: device is connected", ErrConflict)
	}

	if device.IsProvisioning() && !cancel {
		return fmt.Errorf("%w: provisioning device requires cancellation", ErrConflict)
	}

	return r.store.DeleteDevice(ctx, id)
}

// MarkStatus applies a status transition. It is the sole mutation point
// for the status field; writes are last-writer-wins per device but a
// device never regresses to provisioning, and a provisioning device only
// leaves that state through enrollment.
func (r *Registry) MarkStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus, lastSeen *time.Time) error {
	if status == models.DeviceStatusProvisioning || !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}

	if device.IsProvisioning() {
		return fmt.Errorf("%w: device not enrolled", ErrInvalidStatus)
	}

	if err := r.store.UpdateDeviceStatus(ctx, id, status, lastSeen); err != nil {
		return err
	}

	// Only an actual transition is worth an event and a bus message;
	// a heartbeat refreshing last-seen is not.
	if device.Status == status {
		return nil
	}

	r.logTransition(ctx, device, status)
	r.publishStatus(id, status)

	return nil
}

// logTransition records the status change in the event log
func (r *Registry) logTransition(ctx context.Context, device *models.Device, status models.DeviceStatus) {
	eventType := models.EventTypeOnline
	level := models.EventLevelInfo
	switch status {
	case models.DeviceStatusOffline:
		eventType = models.EventTypeOffline
	case models.DeviceStatusError:
		eventType = models.EventTypeError
		level = models.EventLevelError
	}

	entry := &models.EventLog{
		DeviceID:    &device.ID,
		Type:        eventType,
		Level:       level,
		Description: fmt.Sprintf("Device %s: %s -> %s", device.Name, device.Status, status),
	}
	if err := r.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("device_id", device.ID.String()).Msg("Failed to log status transition")
	}
}

// publishStatus publishes the status change on the bus
func (r *Registry) publishStatus(id uuid.UUID, status models.DeviceStatus) {
	if r.nc == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"deviceId": id,
		"status":   status,
		"time":     time.Now().UTC(),
	})
	if err != nil {
		return
	}

	subject := fmt.Sprintf("device.%s.status", id)
	if err := r.nc.Publish(subject, payload); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish status change")
	}
}
