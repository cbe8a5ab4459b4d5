package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// Manager errors
var (
	// ErrNotEnrolled indicates the device may not open a channel yet.
	ErrNotEnrolled = errors.New("device not enrolled")
)

// DeviceRegistry is the slice of the registry the manager needs: connect
// authorization and the single status-mutation gate.
type DeviceRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Device, error)
	MarkStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus, lastSeen *time.Time) error
}

// TelemetrySink consumes telemetry events read off device channels
type TelemetrySink interface {
	Ingest(ctx context.Context, event *models.TelemetryEvent) error
}

// Manager maintains the mapping from device identifier to at most one
// live Channel and runs the heartbeat supervisor. It is process-scoped
// with an explicit lifecycle: constructed at service start, Run for
// supervision, Shutdown to drain.
type Manager struct {
	registry DeviceRegistry
	sink     TelemetrySink

	interval time.Duration
	grace    time.Duration

	mu       sync.RWMutex
	channels map[uuid.UUID]*Channel
	gens     map[uuid.UUID]uint64

	hookMu    sync.RWMutex
	onConnect []func(deviceID uuid.UUID)
	onAck     func(deviceID uuid.UUID, ack models.CommandAckFrame)

	now func() time.Time
}

// NewManager creates a channel manager. grace is the heartbeat deadline:
// a channel whose last heartbeat is older than grace (strictly) is force
// closed and its device marked offline.
func NewManager(registry DeviceRegistry, sink TelemetrySink, interval, grace time.Duration) *Manager {
	return &Manager{
		registry: registry,
		sink:     sink,
		interval: interval,
		grace:    grace,
		channels: make(map[uuid.UUID]*Channel),
		gens:     make(map[uuid.UUID]uint64),
		now:      time.Now,
	}
}

// OnConnect registers a hook invoked after a device channel goes live
func (m *Manager) OnConnect(hook func(deviceID uuid.UUID)) {
	m.hookMu.Lock()
	m.onConnect = append(m.onConnect, hook)
	m.hookMu.Unlock()
}

// OnAck registers the command acknowledgment handler
func (m *Manager) OnAck(handler func(deviceID uuid.UUID, ack models.CommandAckFrame)) {
	m.hookMu.Lock()
	m.onAck = handler
	m.hookMu.Unlock()
}

// Accept registers a new connection for a device. An existing channel for
// the same device is closed first; the two are never live at once.
func (m *Manager) Accept(ctx context.Context, deviceID uuid.UUID, conn Conn, protoVersion string) (*Channel, error) {
	device, err := m.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.IsProvisioning() {
		return nil, ErrNotEnrolled
	}

	now := m.now()

	m.mu.Lock()
	if old, ok := m.channels[deviceID]; ok {
		// 旧连接先关闭，再注册新连接
		old.shutdown()
		delete(m.channels, deviceID)
	}
	m.gens[deviceID]++
	ch := newChannel(deviceID, conn, m.gens[deviceID], protoVersion, now)
	m.channels[deviceID] = ch
	m.mu.Unlock()

	if err := m.registry.MarkStatus(ctx, deviceID, models.DeviceStatusOnline, &now); err != nil {
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to mark device online")
	}

	go ch.writePump()
	go m.readPump(ch)
	go m.runConnectHooks(deviceID)

	log.Info().
		Str("device_id", deviceID.String()).
		Uint64("generation", ch.gen).
		Str("proto", protoVersion).
		Msg("Channel accepted")

	return ch, nil
}

// runConnectHooks invokes registered on-connect hooks
func (m *Manager) runConnectHooks(deviceID uuid.UUID) {
	m.hookMu.RLock()
	hooks := m.onConnect
	m.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(deviceID)
	}
}

// Get returns the live channel for a device, nil when absent
func (m *Manager) Get(deviceID uuid.UUID) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[deviceID]
}

// Connected implements registry.Presence
func (m *Manager) Connected(deviceID uuid.UUID) bool {
	return m.Get(deviceID) != nil
}

// Count returns the number of live channels
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Close removes a device's channel and marks the device offline. Closing
// is idempotent, and the generation guard makes a stale close a no-op: a
// timeout or disconnect racing a fresh reconnect never tears the new
// channel down.
func (m *Manager) Close(deviceID uuid.UUID, gen uint64, reason string) bool {
	m.mu.Lock()
	ch, ok := m.channels[deviceID]
	if !ok || ch.gen != gen {
		m.mu.Unlock()
		return false
	}
	delete(m.channels, deviceID)
	m.mu.Unlock()

	ch.shutdown()

	if err := m.registry.MarkStatus(context.Background(), deviceID, models.DeviceStatusOffline, nil); err != nil {
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to mark device offline")
	}

	log.Info().
		Str("device_id", deviceID.String()).
		Uint64("generation", gen).
		Str("reason", reason).
		Msg("Channel closed")

	return true
}

// Run drives the heartbeat supervisor until the context is cancelled.
// Timeout detection is a full rescan each tick, so a skipped tick heals
// itself on the next one.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckHeartbeats(m.now())
		}
	}
}

// CheckHeartbeats closes every channel whose last heartbeat is strictly
// older than the grace period. A heartbeat landing exactly on the
// boundary keeps the channel alive.
func (m *Manager) CheckHeartbeats(now time.Time) {
	type stale struct {
		deviceID uuid.UUID
		gen      uint64
	}

	m.mu.RLock()
	var expired []stale
	for id, ch := range m.channels {
		if now.Sub(ch.LastHeartbeat()) > m.grace {
			expired = append(expired, stale{deviceID: id, gen: ch.gen})
		}
	}
	m.mu.RUnlock()

	for _, s := range expired {
		m.Close(s.deviceID, s.gen, "heartbeat timeout")
	}
}

// Shutdown drains all channels, notifying devices first
func (m *Manager) Shutdown() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[uuid.UUID]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		m.sendClose(ch, "server shutting down")
		ch.shutdown()
	}
}

// sendClose delivers a best-effort close frame
func (m *Manager) sendClose(ch *Channel, reason string) {
	data, err := json.Marshal(models.CloseFrame{Reason: reason})
	if err != nil {
		return
	}
	frame, err := json.Marshal(models.Frame{Type: models.FrameClose, Data: data})
	if err != nil {
		return
	}
	// Direct write: the pumps may already be gone during shutdown.
	ch.conn.WriteMessage(frame)
}

// readPump consumes inbound frames for one channel. Failures are local
// to this device: a malformed frame is logged and skipped, a transport
// error closes only this channel.
func (m *Manager) readPump(ch *Channel) {
	defer m.Close(ch.DeviceID, ch.gen, "connection closed")

	for {
		data, err := ch.conn.ReadMessage()
		if err != nil {
			if !ch.closed() {
				log.Debug().Err(err).Str("device_id", ch.DeviceID.String()).Msg("Channel read error")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("device_id", ch.DeviceID.String()).Msg("Malformed frame")
			continue
		}

		if err := m.handleFrame(ch, &frame); err != nil {
			log.Warn().
				Err(err).
				Str("device_id", ch.DeviceID.String()).
				Str("type", string(frame.Type)).
				Msg("Frame handling failed")
		}
	}
}

// handleFrame dispatches one inbound frame
func (m *Manager) handleFrame(ch *Channel, frame *models.Frame) error {
	switch frame.Type {
	case models.FrameHeartbeat:
		now := m.now()
		ch.touch(now)
		return m.registry.MarkStatus(context.Background(), ch.DeviceID, models.DeviceStatusOnline, &now)

	case models.FrameTelemetry:
		var tf models.TelemetryFrame
		if err := json.Unmarshal(frame.Data, &tf); err != nil {
			return fmt.Errorf("decode telemetry frame: %w", err)
		}

		if tf.EventType == models.TelemetryHeartbeat {
			ch.touch(m.now())
		}

		if m.sink == nil {
			return nil
		}

		event := &models.TelemetryEvent{
			DeviceID:  ch.DeviceID,
			Seq:       tf.Seq,
			Type:      tf.EventType,
			Timestamp: tf.Timestamp,
			Payload:   tf.Payload,
		}
		err := m.sink.Ingest(context.Background(), event)
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Replayed sequence number, already ingested.
			return nil
		}
		return err

	case models.FrameStatus:
		var sf models.StatusFrame
		if err := json.Unmarshal(frame.Data, &sf); err != nil {
			return fmt.Errorf("decode status frame: %w", err)
		}
		if sf.Status != models.DeviceStatusError {
			return fmt.Errorf("unexpected self-reported status %q", sf.Status)
		}
		log.Warn().
			Str("device_id", ch.DeviceID.String()).
			Str("detail", sf.Detail).
			Msg("Device reported fault")
		return m.registry.MarkStatus(context.Background(), ch.DeviceID, models.DeviceStatusError, nil)

	case models.FrameCommandAck:
		var ack models.CommandAckFrame
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			return fmt.Errorf("decode ack frame: %w", err)
		}
		m.hookMu.RLock()
		handler := m.onAck
		m.hookMu.RUnlock()
		if handler != nil {
			handler(ch.DeviceID, ack)
		}
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}
