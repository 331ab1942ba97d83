package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// well known setting keys
const (
	KeyUsername      = "username"
	KeyPassword      = "password"
	KeyCookies       = "cookies"
	KeyWebAddress    = "webaddress"
	KeyWebPort       = "webport"
	KeyUseAdaptive   = "useisa"
	KeyPlayerVersion = "kodi_version"
)

// KnownKeys lists every key the command line may read or write.
var KnownKeys = []string{
	KeyUsername,
	KeyPassword,
	KeyCookies,
	KeyWebAddress,
	KeyWebPort,
	KeyUseAdaptive,
	KeyPlayerVersion,
}

// Setting is one row of the settings table.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// GetSetting returns the value stored under key. A missing key is not an
// error, it yields an empty string and ok=false.
func (db *DB) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting inserts or replaces the value under key.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key. Deleting a missing key is a no-op.
func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// Settings lists every stored setting ordered by key.
func (db *DB) Settings(ctx context.Context) ([]Setting, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordLogin appends one login attempt to the history table.
func (db *DB) RecordLogin(ctx context.Context, variant, result, message string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO login_history (variant, result, message) VALUES (?, ?, ?)",
		variant, result, message)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// LoginAttempt is one row of the login history.
type LoginAttempt struct {
	Variant   string    `json:"variant"`
	Result    string    `json:"result"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created"`
}

// RecentLogins returns the newest login attempts first.
func (db *DB) RecentLogins(ctx context.Context, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx,
		"SELECT variant, result, message, created_at FROM login_history ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logins: %w", err)
	}
	defer rows.Close()

	var out []LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		if err := rows.Scan(&a.Variant, &a.Result, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
