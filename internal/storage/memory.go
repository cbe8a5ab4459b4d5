package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/pkg/crypto"
)

// MemoryStore is an in-memory Store implementation, used by tests and for
// single-node development without PostgreSQL. Mutations take a single lock,
// which gives the same atomicity the conditional updates give in Postgres.
type MemoryStore struct {
	mu sync.Mutex

	users     map[uuid.UUID]*models.User
	devices   map[uuid.UUID]*models.Device
	telemetry map[uuid.UUID]map[int64]*models.TelemetryEvent
	sessions  map[string]*models.Session
	events    []*models.EventLog
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[uuid.UUID]*models.User),
		devices:   make(map[uuid.UUID]*models.Device),
		telemetry: make(map[uuid.UUID]map[int64]*models.TelemetryEvent),
		sessions:  make(map[string]*models.Session),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// BeginTx returns the store itself; mutations are already serialized
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// ========== User Methods ==========

// CreateUser creates a new user
func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	if pwd, ok := user.Settings["password"].(string); ok && pwd != "" {
		hash, err := crypto.HashPassword(pwd)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = hash
		delete(user.Settings, "password")
	}

	for _, u := range s.users {
		if u.Email == user.Email {
			return ErrDuplicateKey
		}
	}

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// GetUser gets a user by ID
func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail gets a user by email
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateUser updates a user
func (s *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return ErrNotFound
	}
	user.UpdatedAt = time.Now()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	if _, ok := s.devices[device.ID]; ok {
		return ErrDuplicateKey
	}

	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

// GetDevice gets a device by ID
func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDeviceByToken gets a device by its pending enrollment token
func (s *MemoryStore) GetDeviceByToken(ctx context.Context, token string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.EnrollToken != nil && *d.EnrollToken == token {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateDevice updates device metadata and configuration
func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[device.ID]
	if !ok {
		return ErrNotFound
	}

	cur.Name = device.Name
	cur.RoomName = device.RoomName
	cur.Location = device.Location
	cur.Config = device.Config
	cur.UpdatedAt = time.Now()
	return nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

// ListDevices lists devices, optionally filtered by status
func (s *MemoryStore) ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Device
	for _, d := range s.devices {
		if status != nil && d.Status != *status {
			continue
		}
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// CountDevicesByStatus returns per-status device counts
func (s *MemoryStore) CountDevicesByStatus(ctx context.Context) (map[models.DeviceStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[models.DeviceStatus]int{
		models.DeviceStatusProvisioning: 0,
		models.DeviceStatusOnline:       0,
		models.DeviceStatusOffline:      0,
		models.DeviceStatusError:        0,
	}
	for _, d := range s.devices {
		counts[d.Status]++
	}
	return counts, nil
}

// ========== Enrollment Methods ==========

// RedeemToken atomically clears the token and flips the device online.
// The single store lock makes the check-and-clear atomic; with concurrent
// redemptions of the same token exactly one caller finds it still set.
func (s *MemoryStore) RedeemToken(ctx context.Context, token string, info models.DeviceInfo, now time.Time) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.EnrollToken == nil || *d.EnrollToken != token {
			continue
		}
		if d.Status != models.DeviceStatusProvisioning {
			continue
		}

		d.EnrollToken = nil
		d.TokenExpiresAt = nil
		d.Status = models.DeviceStatusOnline
		d.Platform = info.Platform
		d.Version = info.Version
		d.Capabilities = info.Capabilities
		t := now
		d.LastSeenAt = &t
		d.UpdatedAt = now

		cp := *d
		return &cp, nil
	}

	return nil, ErrNotFound
}

// SetEnrollToken attaches a fresh token to a still-provisioning device
func (s *MemoryStore) SetEnrollToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok || d.Status != models.DeviceStatusProvisioning {
		return ErrNotFound
	}
	d.EnrollToken = &token
	d.TokenExpiresAt = &expiresAt
	d.UpdatedAt = time.Now()
	return nil
}

// UpdateDeviceStatus applies a status transition, never touching devices
// still in provisioning
func (s *MemoryStore) UpdateDeviceStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok || d.Status == models.DeviceStatusProvisioning {
		return ErrNotFound
	}
	d.Status = status
	if lastSeen != nil {
		t := *lastSeen
		d.LastSeenAt = &t
	}
	d.UpdatedAt = time.Now()
	return nil
}

// ========== Telemetry Log Methods ==========

// AppendTelemetry appends one event; replays of (device, seq) return
// ErrDuplicateKey
func (s *MemoryStore) AppendTelemetry(ctx context.Context, event *models.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	log, ok := s.telemetry[event.DeviceID]
	if !ok {
		log = make(map[int64]*models.TelemetryEvent)
		s.telemetry[event.DeviceID] = log
	}
	if _, ok := log[event.Seq]; ok {
		return ErrDuplicateKey
	}
	cp := *event
	log[event.Seq] = &cp
	return nil
}

// ListTelemetry lists telemetry events ordered by per-device sequence
func (s *MemoryStore) ListTelemetry(ctx context.Context, filters TelemetryFilters, limit, offset int) ([]*models.TelemetryEvent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.TelemetryEvent
	for deviceID, log := range s.telemetry {
		if filters.DeviceID != nil && deviceID != *filters.DeviceID {
			continue
		}
		for _, e := range log {
			if filters.Type != nil && e.Type != *filters.Type {
				continue
			}
			if filters.StartTime != nil && e.Timestamp.Before(*filters.StartTime) {
				continue
			}
			if filters.EndTime != nil && e.Timestamp.After(*filters.EndTime) {
				continue
			}
			cp := *e
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DeviceID != all[j].DeviceID {
			return all[i].DeviceID.String() < all[j].DeviceID.String()
		}
		return all[i].Seq < all[j].Seq
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// ========== Session Methods ==========

func sessionKey(deviceID uuid.UUID, meetingID string, startedAt time.Time) string {
	return strings.Join([]string{
		deviceID.String(), meetingID, startedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// CreateSession upserts one derived session
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	key := sessionKey(session.DeviceID, session.MeetingID, session.StartedAt)
	if existing, ok := s.sessions[key]; ok {
		existing.EndedAt = session.EndedAt
		existing.Duration = session.Duration
		existing.InferredEnd = session.InferredEnd
		return nil
	}
	cp := *session
	s.sessions[key] = &cp
	return nil
}

// ListSessions lists derived sessions
func (s *MemoryStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Session
	for _, sess := range s.sessions {
		if filters.DeviceID != nil && sess.DeviceID != *filters.DeviceID {
			continue
		}
		if filters.StartTime != nil && sess.StartedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && sess.StartedAt.After(*filters.EndTime) {
			continue
		}
		cp := *sess
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// DeleteSessions drops all derived sessions for a device
func (s *MemoryStore) DeleteSessions(ctx context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sess := range s.sessions {
		if sess.DeviceID == deviceID {
			delete(s.sessions, key)
		}
	}
	return nil
}

// ========== Event Log Methods ==========

// CreateEventLog creates an event log entry
func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// ListEventLogs lists event logs with filters
func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.EventLog
	for _, e := range s.events {
		if filters.DeviceID != nil && (e.DeviceID == nil || *e.DeviceID != *filters.DeviceID) {
			continue
		}
		if filters.Type != nil && e.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && e.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && e.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && e.CreatedAt.After(*filters.EndTime) {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}
