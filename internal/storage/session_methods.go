package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
)

// ========== Session Methods ==========

// CreateSession stores one derived session. Sessions are a cache over the
// telemetry log; rebuilding the same log yields the same
// (device_id, meeting_id, started_at) rows, so replays upsert in place.
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO sessions (
            id, device_id, meeting_id, started_at, ended_at,
            duration_seconds, inferred_end, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (device_id, meeting_id, started_at) DO UPDATE SET
            ended_at = EXCLUDED.ended_at,
            duration_seconds = EXCLUDED.duration_seconds,
            inferred_end = EXCLUDED.inferred_end`

	_, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.DeviceID, session.MeetingID, session.StartedAt,
		session.EndedAt, session.Duration, session.InferredEnd, session.CreatedAt,
	)

	return err
}

// ListSessions lists derived sessions
func (s *PostgresStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argc := 0

	if filters.DeviceID != nil {
		argc++
		where += fmt.Sprintf(" AND device_id = $%d", argc)
		args = append(args, *filters.DeviceID)
	}
	if filters.StartTime != nil {
		argc++
		where += fmt.Sprintf(" AND started_at >= $%d", argc)
		args = append(args, *filters.StartTime)
	}
	if filters.EndTime != nil {
		argc++
		where += fmt.Sprintf(" AND started_at <= $%d", argc)
		args = append(args, *filters.EndTime)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions"+where, args...,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, device_id, meeting_id, started_at, ended_at,
               duration_seconds, inferred_end, created_at
        FROM sessions` + where + " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argc+1, argc+2)
		args = append(args, limit, offset)
	}

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session := &models.Session{}
		err := rows.Scan(
			&session.ID, &session.DeviceID, &session.MeetingID,
			&session.StartedAt, &session.EndedAt, &session.Duration,
			&session.InferredEnd, &session.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}

	return sessions, count, nil
}

// DeleteSessions drops all derived sessions for a device, ahead of a
// rebuild from the telemetry log
func (s *PostgresStore) DeleteSessions(ctx context.Context, deviceID uuid.UUID) error {
	_, err := s.getDB().ExecContext(ctx,
		"DELETE FROM sessions WHERE device_id = $1", deviceID)
	return err
}
