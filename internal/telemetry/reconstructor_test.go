package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestReconstructor(t *testing.T) (*Reconstructor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewReconstructor(store, nil, 12*time.Hour, 5*time.Second), store
}

func joined(deviceID uuid.UUID, seq int64, at time.Time, meeting string) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		DeviceID:  deviceID,
		Seq:       seq,
		Type:      models.TelemetrySessionJoined,
		Timestamp: at,
		Payload:   models.Variables{"meeting": meeting},
	}
}

func left(deviceID uuid.UUID, seq int64, at time.Time, meeting string) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		DeviceID:  deviceID,
		Seq:       seq,
		Type:      models.TelemetrySessionLeft,
		Timestamp: at,
		Payload:   models.Variables{"meeting": meeting},
	}
}

func ingestAll(t *testing.T, r *Reconstructor, events ...*models.TelemetryEvent) {
	t.Helper()
	for _, e := range events {
		if err := r.Ingest(context.Background(), e); err != nil {
			t.Fatalf("ingest seq %d: %v", e.Seq, err)
		}
	}
}

func listSessions(t *testing.T, store *storage.MemoryStore, deviceID uuid.UUID) []*models.Session {
	t.Helper()
	sessions, _, err := store.ListSessions(context.Background(), storage.SessionFilters{DeviceID: &deviceID}, 0, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return sessions
}

func TestJoinLeftPairsIntoSession(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r,
		joined(deviceID, 1, base, "m-1"),
		left(deviceID, 2, base.Add(10*time.Minute), "m-1"),
	)
	r.Sweep(ctx, base.Add(11*time.Minute))

	sessions := listSessions(t, store, deviceID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	s := sessions[0]
	if !s.StartedAt.Equal(base) {
		t.Fatalf("wrong start: %v", s.StartedAt)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(base.Add(10*time.Minute)) {
		t.Fatal("wrong end")
	}
	if s.Duration != 600 {
		t.Fatalf("expected 600s, got %d", s.Duration)
	}
	if s.InferredEnd {
		t.Fatal("a paired close is not inferred")
	}
	if r.OpenJoinCount() != 0 {
		t.Fatal("join should have been consumed")
	}
}

func TestDuplicateJoinFirstOneWins(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r,
		joined(deviceID, 1, base, "m-1"),
		joined(deviceID, 2, base.Add(5*time.Second), "m-1"),
		left(deviceID, 3, base.Add(10*time.Minute), "m-1"),
	)
	r.Sweep(ctx, base.Add(11*time.Minute))

	sessions := listSessions(t, store, deviceID)
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
	if sessions[0].Duration != 600 {
		t.Fatalf("the first join anchors the session, got %ds", sessions[0].Duration)
	}
}

func TestOrphanLeftNeverFabricatesSession(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r, left(deviceID, 1, base, "m-1"))
	r.Sweep(ctx, base.Add(time.Minute))

	if sessions := listSessions(t, store, deviceID); len(sessions) != 0 {
		t.Fatalf("orphan left must not create a session, got %d", len(sessions))
	}

	orphanType := models.EventTypeOrphanLeft
	events, _, err := store.ListEventLogs(ctx, storage.EventLogFilters{Type: &orphanType}, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one orphan event, got %d", len(events))
	}
}

func TestReorderWindowRepairsSwappedEvents(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	// The left arrives first but carries a later timestamp; within the
	// reorder window the pairing still comes out right.
	ingestAll(t, r,
		left(deviceID, 3, base.Add(12*time.Second), "m-1"),
		joined(deviceID, 2, base.Add(10*time.Second), "m-1"),
	)
	r.Sweep(ctx, base.Add(time.Minute))

	sessions := listSessions(t, store, deviceID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Duration != 2 {
		t.Fatalf("expected 2s, got %ds", sessions[0].Duration)
	}
}

func TestIngestRejectsReplayedSeq(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ev := joined(deviceID, 1, base, "m-1")
	if err := r.Ingest(ctx, ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	err := r.Ingest(ctx, joined(deviceID, 1, base, "m-1"))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	_, total, err := store.ListTelemetry(ctx, storage.TelemetryFilters{DeviceID: &deviceID}, 0, 0)
	if err != nil {
		t.Fatalf("list telemetry: %v", err)
	}
	if total != 1 {
		t.Fatalf("the log must hold the event once, got %d", total)
	}
}

func TestIngestRequiresTimestamp(t *testing.T) {
	r, _ := newTestReconstructor(t)

	err := r.Ingest(context.Background(), &models.TelemetryEvent{
		DeviceID: uuid.New(),
		Seq:      1,
		Type:     models.TelemetrySessionJoined,
	})
	if err == nil {
		t.Fatal("an event without a timestamp must be rejected")
	}
}

func TestOpenCeilingForcesInferredEnd(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r, joined(deviceID, 1, base, "m-1"))

	// Well before the ceiling nothing closes
	r.Sweep(ctx, base.Add(time.Hour))
	if len(listSessions(t, store, deviceID)) != 0 {
		t.Fatal("open join must not close before the ceiling")
	}

	r.Sweep(ctx, base.Add(13*time.Hour))

	sessions := listSessions(t, store, deviceID)
	if len(sessions) != 1 {
		t.Fatalf("expected one force-closed session, got %d", len(sessions))
	}
	s := sessions[0]
	if !s.InferredEnd {
		t.Fatal("a ceiling close must be marked inferred")
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(base.Add(12*time.Hour)) {
		t.Fatal("inferred end should land at start plus ceiling")
	}
	if r.OpenJoinCount() != 0 {
		t.Fatal("the forced join must leave the open table")
	}

	inferredType := models.EventTypeInferredEnd
	events, _, err := store.ListEventLogs(ctx, storage.EventLogFilters{Type: &inferredType}, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one inferred-end event, got %d", len(events))
	}
}

func TestNegativeDurationClampedToZero(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	// The join is opened first; then the device's clock jumps backwards
	// and the left carries a timestamp before the join.
	ingestAll(t, r, joined(deviceID, 1, base, "m-1"))
	r.Sweep(ctx, base.Add(time.Minute))
	if r.OpenJoinCount() != 1 {
		t.Fatal("join should be open")
	}

	ingestAll(t, r, left(deviceID, 2, base.Add(-time.Minute), "m-1"))
	r.Sweep(ctx, base.Add(2*time.Minute))

	sessions := listSessions(t, store, deviceID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Duration != 0 {
		t.Fatalf("negative duration must clamp to zero, got %d", sessions[0].Duration)
	}
}

func TestRebuildConvergesToSameSessions(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r,
		joined(deviceID, 1, base, "m-1"),
		left(deviceID, 2, base.Add(10*time.Minute), "m-1"),
		joined(deviceID, 3, base.Add(20*time.Minute), "m-2"),
		left(deviceID, 4, base.Add(45*time.Minute), "m-2"),
	)
	r.Sweep(ctx, base.Add(time.Hour))

	before := listSessions(t, store, deviceID)
	if len(before) != 2 {
		t.Fatalf("expected two sessions, got %d", len(before))
	}

	if err := r.Rebuild(ctx, deviceID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after := listSessions(t, store, deviceID)
	if len(after) != 2 {
		t.Fatalf("rebuild must converge to the same sessions, got %d", len(after))
	}

	durations := map[string]int64{}
	for _, s := range after {
		durations[s.MeetingID] = s.Duration
	}
	if durations["m-1"] != 600 || durations["m-2"] != 1500 {
		t.Fatalf("rebuilt durations diverged: %v", durations)
	}
}

func TestRebuildReopensUnmatchedJoin(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	ingestAll(t, r, joined(deviceID, 1, base, "m-1"))

	if err := r.Rebuild(ctx, deviceID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if r.OpenJoinCount() != 1 {
		t.Fatalf("the unmatched join should be open again, got %d", r.OpenJoinCount())
	}
	if len(listSessions(t, store, deviceID)) != 0 {
		t.Fatal("no session may exist for an open join")
	}
}

func TestRebuildScopedToOneDevice(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceA := uuid.New()
	deviceB := uuid.New()
	ctx := context.Background()

	ingestAll(t, r,
		joined(deviceA, 1, base, "m-1"),
		left(deviceA, 2, base.Add(10*time.Minute), "m-1"),
		joined(deviceB, 1, base, "m-2"),
		left(deviceB, 2, base.Add(20*time.Minute), "m-2"),
	)
	r.Sweep(ctx, base.Add(time.Hour))

	if err := r.Rebuild(ctx, deviceA); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if len(listSessions(t, store, deviceB)) != 1 {
		t.Fatal("rebuilding one device must not touch another's sessions")
	}
}

func TestSummarize(t *testing.T) {
	r, store := newTestReconstructor(t)
	deviceID := uuid.New()
	ctx := context.Background()

	device := &models.Device{RoomName: "Boardroom", Status: models.DeviceStatusOnline}
	if err := store.CreateDevice(ctx, device); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	// Timestamps sit inside the trailing 24h window
	start := time.Now().Add(-2 * time.Hour)

	ingestAll(t, r,
		joined(deviceID, 1, start, "m-1"),
		left(deviceID, 2, start.Add(30*time.Minute), "m-1"),
		// Orphan left, counted but contributing no minutes
		left(deviceID, 3, start.Add(40*time.Minute), "m-9"),
		// Occupancy samples
		&models.TelemetryEvent{
			DeviceID: deviceID, Seq: 4, Type: models.TelemetryOccupancySample,
			Timestamp: start.Add(10 * time.Minute), Payload: models.Variables{"count": 4},
		},
		&models.TelemetryEvent{
			DeviceID: deviceID, Seq: 5, Type: models.TelemetryOccupancySample,
			Timestamp: start.Add(20 * time.Minute), Payload: models.Variables{"count": 8},
		},
	)
	r.Sweep(ctx, start.Add(time.Hour))

	summary, err := r.Summarize(ctx, "24h")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if summary.SessionCount != 1 {
		t.Fatalf("expected one session, got %d", summary.SessionCount)
	}
	if summary.TotalMinutes != 30 {
		t.Fatalf("expected 30 minutes, got %v", summary.TotalMinutes)
	}
	if summary.AvgOccupancy != 6 {
		t.Fatalf("expected average 6, got %v", summary.AvgOccupancy)
	}
	if summary.PeakOccupancy != 8 {
		t.Fatalf("expected peak 8, got %d", summary.PeakOccupancy)
	}
	if summary.OrphanedLefts != 1 {
		t.Fatalf("expected one orphan, got %d", summary.OrphanedLefts)
	}
	if summary.StatusCounts[models.DeviceStatusOnline] != 1 {
		t.Fatalf("expected one online device, got %d", summary.StatusCounts[models.DeviceStatusOnline])
	}
}

func TestSummarizeRejectsUnknownPeriod(t *testing.T) {
	r, _ := newTestReconstructor(t)

	if _, err := r.Summarize(context.Background(), "90d"); err == nil {
		t.Fatal("unknown period must be rejected")
	}
}
