package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pysched/pysched/internal/models"
)

const triggerColumns = `id, script_id, kind, config, enabled, created_at, last_fired_at, next_fire_at`

func scanTrigger(row rowScanner) (*models.Trigger, error) {
	var (
		t          models.Trigger
		config     string
		lastFired  sql.NullTime
		nextFire   sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.ScriptID, &t.Kind, &config, &t.Enabled, &t.CreatedAt, &lastFired, &nextFire); err != nil {
		return nil, err
	}
	t.LastFiredAt = timePtr(lastFired)
	t.NextFireAt = timePtr(nextFire)
	if config != "" {
		if err := json.Unmarshal([]byte(config), &t.Config); err != nil {
			return nil, fmt.Errorf("trigger %d has corrupt config: %w", t.ID, err)
		}
	}
	return &t, nil
}

// CreateTrigger inserts a trigger for its owning script.
func (s *Store) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	config, err := json.Marshal(trigger.Config)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO triggers (script_id, kind, config, enabled, created_at, next_fire_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			trigger.ScriptID, trigger.Kind, string(config), trigger.Enabled, now,
			nullTime(trigger.NextFireAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		trigger.ID = id
		trigger.CreatedAt = now
		return nil
	})
}

// GetTrigger returns the trigger with the given id.
func (s *Store) GetTrigger(ctx context.Context, id int64) (*models.Trigger, error) {
	trigger, err := scanTrigger(s.reader.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return trigger, err
}

// ListTriggers returns all triggers, optionally filtered by script.
func (s *Store) ListTriggers(ctx context.Context, scriptID *int64) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []any
	if scriptID != nil {
		query += ` WHERE script_id = ?`
		args = append(args, *scriptID)
	}
	query += ` ORDER BY id`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// ListEnabledTriggers returns enabled triggers whose owning script is also
// enabled. This is the scheduler's boot query.
func (s *Store) ListEnabledTriggers(ctx context.Context) ([]*models.Trigger, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT t.id, t.script_id, t.kind, t.config, t.enabled, t.created_at, t.last_fired_at, t.next_fire_at
		FROM triggers t
		JOIN scripts s ON s.id = t.script_id
		WHERE t.enabled = true AND s.enabled = true
		ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// UpdateTrigger persists kind, config and enabled.
func (s *Store) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	config, err := json.Marshal(trigger.Config)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE triggers SET kind = ?, config = ?, enabled = ?, next_fire_at = ? WHERE id = ?`,
			trigger.Kind, string(config), trigger.Enabled, nullTime(trigger.NextFireAt), trigger.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetTriggerEnabled toggles a trigger.
func (s *Store) SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE triggers SET enabled = ? WHERE id = ?`, enabled, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateTriggerFireTimes persists last_fired_at and next_fire_at in one
// transaction, as required after every scheduler fire.
func (s *Store) UpdateTriggerFireTimes(ctx context.Context, id int64, lastFired time.Time, nextFire *time.Time) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE triggers SET last_fired_at = ?, next_fire_at = ? WHERE id = ?`,
			lastFired.UTC(), nullTime(nextFire), id,
		)
		return err
	})
}

// DeleteTrigger removes the trigger.
func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
