package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/channel"
	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// Dispatcher errors
var (
	// ErrUnreachable indicates the device has no live channel. The caller
	// decides whether to retry; nothing is queued implicitly.
	ErrUnreachable = errors.New("device unreachable")
)

// Channels is the slice of the channel manager the dispatcher uses
type Channels interface {
	Get(deviceID uuid.UUID) *channel.Channel
}

// SendOptions controls dispatch behavior
type SendOptions struct {
	// Queue opts in to deliver-on-next-connect: when the device is
	// offline the command is held once and delivered (or discarded) on
	// the next channel accept, or dropped after the TTL.
	Queue bool
}

// Result reports the outcome of a dispatch
type Result struct {
	CommandID uuid.UUID `json:"commandId"`
	Accepted  bool      `json:"accepted"`
	Queued    bool      `json:"queued,omitempty"`
}

// queuedCommand is one held deliver-on-next-connect command
type queuedCommand struct {
	frame    models.CommandFrame
	deadline time.Time
}

// Dispatcher queues and delivers operator commands to connected devices.
// Accepted means a live channel existed and delivery was attempted:
// at-least-once, not a guarantee of execution. Device-side consumers are
// expected to be idempotent.
type Dispatcher struct {
	channels Channels
	store    storage.Store
	queueTTL time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID][]queuedCommand

	now func() time.Time
}

// NewDispatcher creates a command dispatcher
func NewDispatcher(channels Channels, store storage.Store, queueTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		store:    store,
		queueTTL: queueTTL,
		pending:  make(map[uuid.UUID][]queuedCommand),
		now:      time.Now,
	}
}

// Send dispatches one command to a device
func (d *Dispatcher) Send(ctx context.Context, deviceID uuid.UUID, command string, params models.Variables, opts SendOptions) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	frame := models.CommandFrame{
		ID:      uuid.New(),
		Command: command,
		Params:  params,
	}

	ch := d.channels.Get(deviceID)
	if ch == nil {
		if opts.Queue {
			d.enqueue(deviceID, frame)
			d.logDispatch(ctx, deviceID, frame, "queued")
			return &Result{CommandID: frame.ID, Accepted: false, Queued: true}, nil
		}
		return &Result{CommandID: frame.ID, Accepted: false}, ErrUnreachable
	}

	if err := d.deliver(ctx, ch, frame); err != nil {
		// The channel closed under us; report unreachable rather than
		// silently dropping.
		return &Result{CommandID: frame.ID, Accepted: false}, ErrUnreachable
	}

	d.logDispatch(ctx, deviceID, frame, "delivered")
	return &Result{CommandID: frame.ID, Accepted: true}, nil
}

// deliver wraps the command in an envelope and pushes it to the channel
func (d *Dispatcher) deliver(ctx context.Context, ch *channel.Channel, frame models.CommandFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ch.Send(ctx, models.Frame{Type: models.FrameCommand, Data: data})
}

// enqueue holds one command for the device's next connect
func (d *Dispatcher) enqueue(deviceID uuid.UUID, frame models.CommandFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[deviceID] = append(d.pending[deviceID], queuedCommand{
		frame:    frame,
		deadline: d.now().Add(d.queueTTL),
	})
}

// PendingCount returns the number of commands held for a device
func (d *Dispatcher) PendingCount(deviceID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[deviceID])
}

// FlushQueued attempts delivery of held commands for a freshly connected
// device. Each held command gets exactly one delivery attempt and is
// discarded afterwards, delivered or not; expired commands are dropped
// without an attempt.
func (d *Dispatcher) FlushQueued(deviceID uuid.UUID) {
	d.mu.Lock()
	queued := d.pending[deviceID]
	delete(d.pending, deviceID)
	d.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	ch := d.channels.Get(deviceID)
	now := d.now()

	for _, qc := range queued {
		if now.After(qc.deadline) {
			log.Debug().
				Str("device_id", deviceID.String()).
				Str("command_id", qc.frame.ID.String()).
				Msg("Queued command expired")
			continue
		}
		if ch == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.deliver(ctx, ch, qc.frame)
		cancel()
		if err != nil {
			log.Debug().
				Err(err).
				Str("device_id", deviceID.String()).
				Str("command_id", qc.frame.ID.String()).
				Msg("Queued command delivery failed")
			continue
		}
		d.logDispatch(context.Background(), deviceID, qc.frame, "delivered after reconnect")
	}
}

// HandleAck records a device's command acknowledgment
func (d *Dispatcher) HandleAck(deviceID uuid.UUID, ack models.CommandAckFrame) {
	level := models.EventLevelInfo
	if !ack.Success {
		level = models.EventLevelWarning
	}

	entry := &models.EventLog{
		DeviceID:    &deviceID,
		Type:        models.EventTypeCommandAck,
		Level:       level,
		Description: fmt.Sprintf("Command %s acknowledged (success=%v)", ack.ID, ack.Success),
		Details: models.Variables{
			"commandId": ack.ID.String(),
			"success":   ack.Success,
			"detail":    ack.Detail,
		},
	}
	if err := d.store.CreateEventLog(context.Background(), entry); err != nil {
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to log command ack")
	}
}

// logDispatch records the dispatch in the event log
func (d *Dispatcher) logDispatch(ctx context.Context, deviceID uuid.UUID, frame models.CommandFrame, outcome string) {
	entry := &models.EventLog{
		DeviceID:    &deviceID,
		Type:        models.EventTypeCommand,
		Level:       models.EventLevelInfo,
		Description: fmt.Sprintf("Command %q %s", frame.Command, outcome),
		Details: models.Variables{
			"commandId": frame.ID.String(),
			"command":   frame.Command,
			"outcome":   outcome,
		},
	}
	if err := d.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("device_id", deviceID.String()).Msg("Failed to log command dispatch")
	}
}
