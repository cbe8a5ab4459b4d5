package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/pkg/crypto"
)

// ========== User Methods ==========

// CreateUser creates a new user
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	// Hash password if provided in settings
	if pwd, ok := user.Settings["password"].(string); ok && pwd != "" {
		hash, err := crypto.HashPassword(pwd)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = hash
		delete(user.Settings, "password")
	}

	query := `
        INSERT INTO users (
            id, created_at, updated_at, email, username, first_name, last_name,
            password_hash, is_admin, is_active, settings
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.CreatedAt, user.UpdatedAt, user.Email, user.Username,
		user.FirstName, user.LastName, user.PasswordHash, user.IsAdmin,
		user.IsActive, user.Settings,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

const userColumns = `
        id, created_at, updated_at, email, username, first_name, last_name,
        password_hash, is_admin, is_active, last_login_at, settings`

// scanUser scans one user row
func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Email, &user.Username,
		&user.FirstName, &user.LastName, &user.PasswordHash, &user.IsAdmin,
		&user.IsActive, &user.LastLoginAt, &user.Settings,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetUser gets a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.getDB().QueryRowContext(ctx, query, id))
}

// GetUserByEmail gets a user by email
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(s.getDB().QueryRowContext(ctx, query, email))
}

// UpdateUser updates a user
func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()

	query := `
        UPDATE users SET
            updated_at = $2, email = $3, username = $4, first_name = $5,
            last_name = $6, password_hash = $7, is_admin = $8, is_active = $9,
            last_login_at = $10, settings = $11
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.UpdatedAt, user.Email, user.Username, user.FirstName,
		user.LastName, user.PasswordHash, user.IsAdmin, user.IsActive,
		user.LastLoginAt, user.Settings,
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
