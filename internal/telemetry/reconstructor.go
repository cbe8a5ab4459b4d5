package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// sweepInterval 定时清扫周期
const sweepInterval = 30 * time.Second

// openKey identifies one open join: a device and the platform-supplied
// meeting identifier
type openKey struct {
	deviceID  uuid.UUID
	meetingID string
}

// Reconstructor derives meeting sessions from the raw telemetry stream.
// The telemetry log is the source of truth; derived sessions are a cache
// that can be rebuilt from it at any time.
type Reconstructor struct {
	store storage.Store
	nc    *nats.Conn

	// openCeiling force-closes joins that never saw a matching left
	openCeiling time.Duration
	// reorderWindow re-sorts slightly out-of-order events by timestamp
	// before pairing
	reorderWindow time.Duration

	mu      sync.Mutex
	open    map[openKey]time.Time
	pending map[uuid.UUID][]*models.TelemetryEvent

	now func() time.Time
}

// NewReconstructor creates a session reconstructor
func NewReconstructor(store storage.Store, nc *nats.Conn, openCeiling, reorderWindow time.Duration) *Reconstructor {
	return &Reconstructor{
		store:         store,
		nc:            nc,
		openCeiling:   openCeiling,
		reorderWindow: reorderWindow,
		open:          make(map[openKey]time.Time),
		pending:       make(map[uuid.UUID][]*models.TelemetryEvent),
		now:           time.Now,
	}
}

// Ingest appends one event to the telemetry log and feeds session
// pairing. Replays of an already-ingested (device, seq) return
// storage.ErrDuplicateKey without deriving anything, which keeps
// reconstruction idempotent under redelivery.
func (r *Reconstructor) Ingest(ctx context.Context, event *models.TelemetryEvent) error {
	if event.Timestamp.IsZero() {
		return fmt.Errorf("telemetry event without timestamp")
	}

	if err := r.store.AppendTelemetry(ctx, event); err != nil {
		return err
	}

	if event.Type != models.TelemetrySessionJoined && event.Type != models.TelemetrySessionLeft {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[event.DeviceID] = append(r.pending[event.DeviceID], event)
	r.flushLocked(ctx, event.DeviceID, event.Timestamp.Add(-r.reorderWindow))
	return nil
}

// flushLocked processes buffered events up to the watermark in timestamp
// order. Events younger than the watermark stay buffered so a slightly
// late frame can still slot in before them.
func (r *Reconstructor) flushLocked(ctx context.Context, deviceID uuid.UUID, watermark time.Time) {
	buffered := r.pending[deviceID]
	if len(buffered) == 0 {
		return
	}

	var ready, rest []*models.TelemetryEvent
	for _, e := range buffered {
		if !e.Timestamp.After(watermark) {
			ready = append(ready, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(ready) == 0 {
		return
	}
	if len(rest) > 0 {
		r.pending[deviceID] = rest
	} else {
		delete(r.pending, deviceID)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Timestamp.Equal(ready[j].Timestamp) {
			return ready[i].Seq < ready[j].Seq
		}
		return ready[i].Timestamp.Before(ready[j].Timestamp)
	})

	for _, e := range ready {
		r.processLocked(ctx, e)
	}
}

// processLocked pairs one join/left event against the open-join table
func (r *Reconstructor) processLocked(ctx context.Context, event *models.TelemetryEvent) {
	meetingID := event.MeetingID()
	if meetingID == "" {
		log.Warn().
			Str("device_id", event.DeviceID.String()).
			Int64("seq", event.Seq).
			Msg("Session event without meeting identifier")
		return
	}

	key := openKey{deviceID: event.DeviceID, meetingID: meetingID}

	switch event.Type {
	case models.TelemetrySessionJoined:
		if _, ok := r.open[key]; ok {
			// Duplicate join under redelivery; the first one wins.
			log.Debug().
				Str("device_id", event.DeviceID.String()).
				Str("meeting_id", meetingID).
				Msg("Duplicate session-joined ignored")
			return
		}
		r.open[key] = event.Timestamp

	case models.TelemetrySessionLeft:
		start, ok := r.open[key]
		if !ok {
			// A left with no matching join: recorded as an orphan, never
			// turned into a fabricated session.
			r.recordOrphan(ctx, event, meetingID)
			return
		}
		delete(r.open, key)
		r.closeSession(ctx, key, start, event.Timestamp, false)
	}
}

// closeSession emits one derived session record
func (r *Reconstructor) closeSession(ctx context.Context, key openKey, start, end time.Time, inferred bool) {
	duration := end.Sub(start)
	if duration < 0 {
		duration = 0
	}

	session := &models.Session{
		DeviceID:    key.deviceID,
		MeetingID:   key.meetingID,
		StartedAt:   start,
		EndedAt:     &end,
		Duration:    int64(duration.Seconds()),
		InferredEnd: inferred,
	}

	if err := r.store.CreateSession(ctx, session); err != nil {
		log.Error().
			Err(err).
			Str("device_id", key.deviceID.String()).
			Str("meeting_id", key.meetingID).
			Msg("Failed to store session")
		return
	}

	r.publishClosed(session)
}

// recordOrphan logs a left event with no matching open join
func (r *Reconstructor) recordOrphan(ctx context.Context, event *models.TelemetryEvent, meetingID string) {
	log.Warn().
		Str("device_id", event.DeviceID.String()).
		Str("meeting_id", meetingID).
		Int64("seq", event.Seq).
		Msg("Orphan session-left")

	entry := &models.EventLog{
		DeviceID:    &event.DeviceID,
		Type:        models.EventTypeOrphanLeft,
		Level:       models.EventLevelWarning,
		Description: fmt.Sprintf("session-left for meeting %q without a matching join", meetingID),
		Details: models.Variables{
			"meetingId": meetingID,
			"seq":       event.Seq,
			"timestamp": event.Timestamp,
		},
	}
	if err := r.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to log orphan event")
	}
}

// Sweep flushes reorder buffers and force-closes joins older than the
// ceiling, bounding memory against devices that crashed mid-meeting
func (r *Reconstructor) Sweep(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	watermark := now.Add(-r.reorderWindow)
	for deviceID := range r.pending {
		r.flushLocked(ctx, deviceID, watermark)
	}

	for key, start := range r.open {
		if now.Sub(start) < r.openCeiling {
			continue
		}
		delete(r.open, key)

		end := start.Add(r.openCeiling)
		r.closeSession(ctx, key, start, end, true)

		deviceID := key.deviceID
		entry := &models.EventLog{
			DeviceID:    &deviceID,
			Type:        models.EventTypeInferredEnd,
			Level:       models.EventLevelWarning,
			Description: fmt.Sprintf("Open session for meeting %q force-closed at ceiling", key.meetingID),
			Details: models.Variables{
				"meetingId": key.meetingID,
				"startedAt": start,
			},
		}
		if err := r.store.CreateEventLog(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to log inferred end")
		}
	}
}

// Run drives periodic sweeping until the context is cancelled
func (r *Reconstructor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Rebuild drops a device's derived sessions and re-derives them from the
// telemetry log. The log is the source of truth; this always converges
// to the same session set.
func (r *Reconstructor) Rebuild(ctx context.Context, deviceID uuid.UUID) error {
	events, _, err := r.store.ListTelemetry(ctx, storage.TelemetryFilters{DeviceID: &deviceID}, 0, 0)
	if err != nil {
		return fmt.Errorf("list telemetry: %w", err)
	}

	if err := r.store.DeleteSessions(ctx, deviceID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, deviceID)
	for key := range r.open {
		if key.deviceID == deviceID {
			delete(r.open, key)
		}
	}

	var relevant []*models.TelemetryEvent
	for _, e := range events {
		if e.Type == models.TelemetrySessionJoined || e.Type == models.TelemetrySessionLeft {
			relevant = append(relevant, e)
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].Timestamp.Equal(relevant[j].Timestamp) {
			return relevant[i].Seq < relevant[j].Seq
		}
		return relevant[i].Timestamp.Before(relevant[j].Timestamp)
	})

	for _, e := range relevant {
		r.processLocked(ctx, e)
	}

	return nil
}

// OpenJoinCount returns the number of currently open joins
func (r *Reconstructor) OpenJoinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// publishClosed publishes a closed session on the bus
func (r *Reconstructor) publishClosed(session *models.Session) {
	if r.nc == nil {
		return
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return
	}

	if err := r.nc.Publish("session.closed", payload); err != nil {
		log.Error().Err(err).Msg("Failed to publish closed session")
	}
}
