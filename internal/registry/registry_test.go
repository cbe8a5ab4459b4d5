package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

type stubPresence struct {
	connected map[uuid.UUID]bool
}

func (p *stubPresence) Connected(id uuid.UUID) bool { return p.connected[id] }

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, nil), store
}

func seedDevice(t *testing.T, store *storage.MemoryStore, status models.DeviceStatus) *models.Device {
	t.Helper()
	device := &models.Device{
		Name:     "Boardroom Panel",
		RoomName: "Boardroom",
		Status:   status,
	}
	if status == models.DeviceStatusProvisioning {
		token := "pending-token"
		device.EnrollToken = &token
	}
	if err := store.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return device
}

func TestMarkStatusRejectsProvisioningTarget(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOnline)

	err := reg.MarkStatus(context.Background(), device.ID, models.DeviceStatusProvisioning, nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	got, _ := store.GetDevice(context.Background(), device.ID)
	if got.Status != models.DeviceStatusOnline {
		t.Fatalf("status must not change, got %s", got.Status)
	}
}

func TestMarkStatusRejectsUnknownStatus(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOnline)

	err := reg.MarkStatus(context.Background(), device.ID, models.DeviceStatus("rebooting"), nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestMarkStatusSkipsProvisioningDevice(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusProvisioning)

	err := reg.MarkStatus(context.Background(), device.ID, models.DeviceStatusOnline, nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("enrollment is the only way out of provisioning, got %v", err)
	}

	got, _ := store.GetDevice(context.Background(), device.ID)
	if got.Status != models.DeviceStatusProvisioning {
		t.Fatalf("status must not change, got %s", got.Status)
	}
}

func TestMarkStatusTransitions(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOnline)
	ctx := context.Background()

	now := time.Now()
	if err := reg.MarkStatus(ctx, device.ID, models.DeviceStatusOffline, &now); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	got, _ := store.GetDevice(ctx, device.ID)
	if got.Status != models.DeviceStatusOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(now) {
		t.Fatal("last seen not recorded")
	}

	// The transition lands in the event log
	offline := models.EventTypeOffline
	events, _, err := store.ListEventLogs(ctx, storage.EventLogFilters{Type: &offline}, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one offline event, got %d", len(events))
	}
}

func TestMarkStatusSameStatusLogsNothing(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOnline)
	ctx := context.Background()

	// A heartbeat refreshing last-seen is not a transition
	now := time.Now()
	if err := reg.MarkStatus(ctx, device.ID, models.DeviceStatusOnline, &now); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	events, _, err := store.ListEventLogs(ctx, storage.EventLogFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("no event expected for a non-transition, got %d", len(events))
	}
}

func TestUpdateNeverTouchesStatus(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusError)
	ctx := context.Background()

	name := "Renamed Panel"
	updated, err := reg.Update(ctx, device.ID, UpdatePatch{
		Name:   &name,
		Config: models.Variables{"volume": 30},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.Name != "Renamed Panel" {
		t.Fatalf("name not updated, got %q", updated.Name)
	}
	got, _ := store.GetDevice(ctx, device.ID)
	if got.Status != models.DeviceStatusError {
		t.Fatalf("update must not change status, got %s", got.Status)
	}
	if got.Config["volume"] != 30 {
		t.Fatal("config not updated")
	}
}

func TestDeleteRefusesConnectedDevice(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOnline)

	reg.SetPresence(&stubPresence{connected: map[uuid.UUID]bool{device.ID: true}})

	err := reg.Delete(context.Background(), device.ID, false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeleteProvisioningRequiresCancel(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusProvisioning)
	ctx := context.Background()

	if err := reg.Delete(ctx, device.ID, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := reg.Delete(ctx, device.ID, true); err != nil {
		t.Fatalf("cancel delete: %v", err)
	}
	if _, err := store.GetDevice(ctx, device.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("device should be gone")
	}
}

func TestDeleteOfflineDevice(t *testing.T) {
	reg, store := newTestRegistry(t)
	device := seedDevice(t, store, models.DeviceStatusOffline)

	if err := reg.Delete(context.Background(), device.ID, false); err != nil {
		t.Fatalf("delete offline device: %v", err)
	}
}
