package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
)

// ========== Telemetry Log Methods ==========

// AppendTelemetry appends one event to the device telemetry log. The log
// is keyed by (device_id, seq); replaying an already-ingested sequence
// number returns ErrDuplicateKey without touching the stored row.
func (s *PostgresStore) AppendTelemetry(ctx context.Context, event *models.TelemetryEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO telemetry_events (
            device_id, seq, type, timestamp, payload, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (device_id, seq) DO NOTHING`

	result, err := s.getDB().ExecContext(ctx, query,
		event.DeviceID, event.Seq, event.Type, event.Timestamp,
		event.Payload, event.CreatedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrDuplicateKey
	}

	return nil
}

// ListTelemetry lists telemetry events ordered by per-device sequence
func (s *PostgresStore) ListTelemetry(ctx context.Context, filters TelemetryFilters, limit, offset int) ([]*models.TelemetryEvent, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argc := 0

	if filters.DeviceID != nil {
		argc++
		where += fmt.Sprintf(" AND device_id = $%d", argc)
		args = append(args, *filters.DeviceID)
	}
	if filters.Type != nil {
		argc++
		where += fmt.Sprintf(" AND type = $%d", argc)
		args = append(args, *filters.Type)
	}
	if filters.StartTime != nil {
		argc++
		where += fmt.Sprintf(" AND timestamp >= $%d", argc)
		args = append(args, *filters.StartTime)
	}
	if filters.EndTime != nil {
		argc++
		where += fmt.Sprintf(" AND timestamp <= $%d", argc)
		args = append(args, *filters.EndTime)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM telemetry_events"+where, args...,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT device_id, seq, type, timestamp, payload, created_at
        FROM telemetry_events` + where + " ORDER BY device_id, seq"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argc+1, argc+2)
		args = append(args, limit, offset)
	}

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.TelemetryEvent
	for rows.Next() {
		event := &models.TelemetryEvent{}
		err := rows.Scan(
			&event.DeviceID, &event.Seq, &event.Type, &event.Timestamp,
			&event.Payload, &event.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, nil
}
