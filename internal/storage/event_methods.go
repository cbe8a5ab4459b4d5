package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, device_id, type, level, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.DeviceID, event.Type,
		event.Level, event.Description, event.Details,
	)

	return err
}

// ListEventLogs lists event logs with filters
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.DeviceID != nil {
		argCount++
		where += fmt.Sprintf(" AND device_id = $%d", argCount)
		args = append(args, *filters.DeviceID)
	}

	if filters.Type != nil {
		argCount++
		where += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, *filters.Type)
	}

	if filters.Level != nil {
		argCount++
		where += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, *filters.Level)
	}

	if filters.StartTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		where += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_logs"+where, args...,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, created_at, device_id, type, level, description, details
        FROM event_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.DeviceID, &event.Type,
			&event.Level, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, nil
}
