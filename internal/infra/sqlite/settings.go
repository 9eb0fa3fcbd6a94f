// Settings schema and operations.
// Settings are stored as one JSON document per key; "afk" is the only key today.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/coinhost/afkd/internal/domain"
)

const afkSettingsKey = "afk"

// SettingsMigrations returns the settings schema statements.
func SettingsMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
}

// AfkSettings returns the saved AFK settings, or nil if never saved.
func (db *DB) AfkSettings(ctx context.Context) (*domain.AfkSettings, error) {
	var raw string
	err := db.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = ?`, afkSettingsKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query afk settings")
	}
	var s domain.AfkSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, "decode afk settings")
	}
	return &s, nil
}

// SaveAfkSettings replaces the AFK settings.
func (db *DB) SaveAfkSettings(ctx context.Context, s domain.AfkSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode afk settings")
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, afkSettingsKey, string(raw), formatTime(time.Now()))
	return errors.Wrap(err, "save afk settings")
}
