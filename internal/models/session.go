package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a reconstructed meeting interval, derived from paired
// session-joined/session-left telemetry. Never written directly by any
// actor; the telemetry log is the source of truth and sessions are a
// re-derivable cache over it.
type Session struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	DeviceID    uuid.UUID  `json:"deviceId" db:"device_id"`
	MeetingID   string     `json:"meetingId" db:"meeting_id"`
	StartedAt   time.Time  `json:"startedAt" db:"started_at"`
	EndedAt     *time.Time `json:"endedAt,omitempty" db:"ended_at"`
	Duration    int64      `json:"durationSeconds" db:"duration_seconds"`
	InferredEnd bool       `json:"inferredEnd" db:"inferred_end"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// MetricsSummary is the aggregate view over a time window
type MetricsSummary struct {
	Period        string               `json:"period"`
	From          time.Time            `json:"from"`
	To            time.Time            `json:"to"`
	StatusCounts  map[DeviceStatus]int `json:"statusCounts"`
	SessionCount  int                  `json:"sessionCount"`
	TotalMinutes  float64              `json:"totalSessionMinutes"`
	AvgOccupancy  float64              `json:"avgOccupancy"`
	PeakOccupancy int                  `json:"peakOccupancy"`
	OrphanedLefts int                  `json:"orphanedLefts"`
}
