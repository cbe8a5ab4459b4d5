package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `
        id, created_at, updated_at, name, room_name, location, status,
        last_seen_at, platform, version, capabilities, config,
        enroll_token, token_expires_at`

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, name, room_name, location, status,
            last_seen_at, platform, version, capabilities, config,
            enroll_token, token_expires_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.Name,
		device.RoomName, device.Location, device.Status, device.LastSeenAt,
		device.Platform, device.Version, device.Capabilities, device.Config,
		device.EnrollToken, device.TokenExpiresAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDevice scans one device row
func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}

	err := row.Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
		&device.RoomName, &device.Location, &device.Status, &device.LastSeenAt,
		&device.Platform, &device.Version, &device.Capabilities, &device.Config,
		&device.EnrollToken, &device.TokenExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return device, nil
}

// GetDevice gets a device by ID
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDevice(s.getDB().QueryRowContext(ctx, query, id))
}

// GetDeviceByToken gets a device by its pending enrollment token
func (s *PostgresStore) GetDeviceByToken(ctx context.Context, token string) (*models.Device, error) {
	query := `SELECT` + deviceColumns + ` FROM devices WHERE enroll_token = $1`
	return scanDevice(s.getDB().QueryRowContext(ctx, query, token))
}

// UpdateDevice updates device metadata and configuration. Status and
// enrollment fields are deliberately not part of this statement.
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, name = $3, room_name = $4, location = $5,
            config = $6
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.Name, device.RoomName,
		device.Location, device.Config,
	)

	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices, optionally filtered by status
func (s *PostgresStore) ListDevices(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	where := ""
	args := []interface{}{}
	if status != nil {
		where = " WHERE status = $1"
		args = append(args, *status)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices"+where, args...,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT` + deviceColumns + ` FROM devices` + where +
		` ORDER BY created_at DESC`
	if status != nil {
		query += ` LIMIT $2 OFFSET $3`
	} else {
		query += ` LIMIT $1 OFFSET $2`
	}
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, nil
}

// CountDevicesByStatus returns per-status device counts
func (s *PostgresStore) CountDevicesByStatus(ctx context.Context) (map[models.DeviceStatus]int, error) {
	rows, err := s.getDB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM devices GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.DeviceStatus]int{
		models.DeviceStatusProvisioning: 0,
		models.DeviceStatusOnline:       0,
		models.DeviceStatusOffline:      0,
		models.DeviceStatusError:        0,
	}
	for rows.Next() {
		var status models.DeviceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, nil
}

// ========== Enrollment Methods ==========

// RedeemToken atomically clears the enrollment token, merges the
// device-reported info and flips the device online. The WHERE clause is
// the compare-and-clear: with N concurrent redemptions of the same token
// exactly one statement matches a row.
func (s *PostgresStore) RedeemToken(ctx context.Context, token string, info models.DeviceInfo, now time.Time) (*models.Device, error) {
	query := `
        UPDATE devices SET
            status = $2, enroll_token = NULL, token_expires_at = NULL,
            platform = $3, version = $4, capabilities = $5,
            last_seen_at = $6, updated_at = $6
        WHERE enroll_token = $1 AND status = $7
        RETURNING` + deviceColumns

	return scanDevice(s.getDB().QueryRowContext(ctx, query,
		token, models.DeviceStatusOnline, info.Platform, info.Version,
		info.Capabilities, now, models.DeviceStatusProvisioning,
	))
}

// SetEnrollToken attaches a fresh token to a still-provisioning device
func (s *PostgresStore) SetEnrollToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	query := `
        UPDATE devices SET
            enroll_token = $2, token_expires_at = $3, updated_at = $4
        WHERE id = $1 AND status = $5`

	result, err := s.getDB().ExecContext(ctx, query,
		id, token, expiresAt, time.Now(), models.DeviceStatusProvisioning)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceStatus applies a status transition. Devices still in
// provisioning never match: enrollment is the only way out of that state.
func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus, lastSeen *time.Time) error {
	query := `
        UPDATE devices SET
            status = $2, last_seen_at = COALESCE($3, last_seen_at),
            updated_at = $4
        WHERE id = $1 AND status != $5`

	result, err := s.getDB().ExecContext(ctx, query,
		id, status, lastSeen, time.Now(), models.DeviceStatusProvisioning)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
