package store

import (
	"context"
	"database/sql"

	"github.com/pysched/pysched/internal/models"
)

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.reader.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// ListSettings returns all settings ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]*models.Setting, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT key, value, description FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		var (
			setting models.Setting
			value   sql.NullString
			desc    sql.NullString
		)
		if err := rows.Scan(&setting.Key, &value, &desc); err != nil {
			return nil, err
		}
		setting.Value = value.String
		setting.Description = desc.String
		settings = append(settings, &setting)
	}
	return settings, rows.Err()
}

// SetSetting upserts one key, keeping any seeded description.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
}

// SeedSettings inserts default settings rows without overwriting existing
// values. Called once at boot.
func (s *Store) SeedSettings(ctx context.Context) error {
	defaults := []models.Setting{
		{Key: models.SettingAPIKey, Value: "default-api-key-change-me", Description: "API key for URL-triggered executions"},
		{Key: models.SettingRateLimitEnabled, Value: "true", Description: "Enable rate limiting on the HTTP API"},
		{Key: models.SettingDefaultTimeout, Value: "300", Description: "Default script timeout in seconds"},
		{Key: models.SettingDefaultMemLimit, Value: "512", Description: "Default memory limit in MB"},
		{Key: models.SettingMaxExecutionLogs, Value: "1000", Description: "Maximum execution records kept per script"},
		{Key: models.SettingLogRetentionDays, Value: "30", Description: "Days to retain execution records"},
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		for _, setting := range defaults {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, description) VALUES (?, ?, ?)
				ON CONFLICT(key) DO NOTHING`,
				setting.Key, setting.Value, setting.Description)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
