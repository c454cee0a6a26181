package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pysched/pysched/internal/models"
)

const scriptColumns = `id, name, slug, description, content, folder_id, python_version,
	requirements, env_vars, enabled, auto_save, email_notifications, email_recipients,
	email_trigger_type, timeout_seconds, run_total, run_success, last_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*models.Script, error) {
	var (
		s         models.Script
		folderID  sql.NullInt64
		envVars   string
		lastRunAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Slug, &s.Description, &s.Content, &folderID, &s.PythonVersion,
		&s.Requirements, &envVars, &s.Enabled, &s.AutoSave, &s.EmailOnCompletion,
		&s.EmailRecipients, &s.EmailTriggerType, &s.TimeoutSeconds,
		&s.RunTotal, &s.RunSuccess, &lastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.FolderID = int64Ptr(folderID)
	s.LastRunAt = timePtr(lastRunAt)
	s.EnvVars = map[string]string{}
	if envVars != "" {
		// A corrupt blob degrades to an empty mapping rather than failing
		// the read; validation happens at the write boundary.
		_ = json.Unmarshal([]byte(envVars), &s.EnvVars)
	}
	return &s, nil
}

func marshalEnvVars(envVars map[string]string) (string, error) {
	if envVars == nil {
		return "{}", nil
	}
	b, err := json.Marshal(envVars)
	if err != nil {
		return "", fmt.Errorf("failed to encode environment variables: %w", err)
	}
	return string(b), nil
}

// uniqueSlug returns base, or base suffixed with -N for the smallest N >= 2
// that is unique within the folder. excludeID skips the script being updated.
func uniqueSlug(ctx context.Context, tx *sql.Tx, base string, folderID *int64, excludeID int64) (string, error) {
	slug := base
	for counter := 2; ; counter++ {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scripts WHERE slug = ? AND folder_id IS ? AND id != ?`,
			slug, nullInt64(folderID), excludeID,
		).Scan(&exists)
		if err != nil {
			return "", err
		}
		if exists == 0 {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, counter)
	}
}

// CreateScript inserts the script, resolving slug collisions within the
// folder by suffixing -2, -3, ... A duplicate display name is a conflict.
func (s *Store) CreateScript(ctx context.Context, script *models.Script) error {
	envVars, err := marshalEnvVars(script.EnvVars)
	if err != nil {
		return err
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		slug, err := uniqueSlug(ctx, tx, script.Slug, script.FolderID, 0)
		if err != nil {
			return err
		}
		script.Slug = slug

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO scripts (name, slug, description, content, folder_id, python_version,
				requirements, env_vars, enabled, auto_save, email_notifications,
				email_recipients, email_trigger_type, timeout_seconds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			script.Name, script.Slug, script.Description, script.Content,
			nullInt64(script.FolderID), script.PythonVersion, script.Requirements, envVars,
			script.Enabled, script.AutoSave, script.EmailOnCompletion, script.EmailRecipients,
			script.EmailTriggerType, script.TimeoutSeconds, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: script name already exists in this folder", ErrConflict)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		script.ID = id
		script.CreatedAt = now
		script.UpdatedAt = now
		return nil
	})
}

// GetScript returns the script with the given id.
func (s *Store) GetScript(ctx context.Context, id int64) (*models.Script, error) {
	script, err := scanScript(s.reader.QueryRowContext(ctx,
		`SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return script, err
}

// GetScriptBySlug returns the script with the given slug. Slugs are only
// unique within a folder, so a nil folderID requires the slug to be unique
// across the whole catalog; an ambiguous slug yields ErrConflict so the
// caller can ask for a folder id.
func (s *Store) GetScriptBySlug(ctx context.Context, slug string, folderID *int64) (*models.Script, error) {
	query := `SELECT ` + scriptColumns + ` FROM scripts WHERE slug = ?`
	args := []any{slug}
	if folderID != nil {
		query += ` AND folder_id = ?`
		args = append(args, *folderID)
	}
	rows, err := s.reader.QueryContext(ctx, query+` ORDER BY id LIMIT 2`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*models.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(scripts) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return scripts[0], nil
	default:
		return nil, fmt.Errorf("%w: slug %q exists in more than one folder", ErrConflict, slug)
	}
}

// ListScripts returns all scripts ordered by name.
func (s *Store) ListScripts(ctx context.Context) ([]*models.Script, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+scriptColumns+` FROM scripts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*models.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, rows.Err()
}

// UpdateScript persists all mutable fields of the script, re-resolving slug
// collisions within the folder.
func (s *Store) UpdateScript(ctx context.Context, script *models.Script) error {
	envVars, err := marshalEnvVars(script.EnvVars)
	if err != nil {
		return err
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		slug, err := uniqueSlug(ctx, tx, script.Slug, script.FolderID, script.ID)
		if err != nil {
			return err
		}
		script.Slug = slug

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE scripts SET name = ?, slug = ?, description = ?, content = ?, folder_id = ?,
				python_version = ?, requirements = ?, env_vars = ?, enabled = ?, auto_save = ?,
				email_notifications = ?, email_recipients = ?, email_trigger_type = ?,
				timeout_seconds = ?, updated_at = ?
			WHERE id = ?`,
			script.Name, script.Slug, script.Description, script.Content,
			nullInt64(script.FolderID), script.PythonVersion, script.Requirements, envVars,
			script.Enabled, script.AutoSave, script.EmailOnCompletion, script.EmailRecipients,
			script.EmailTriggerType, script.TimeoutSeconds, now, script.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: script name already exists in this folder", ErrConflict)
			}
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		script.UpdatedAt = now
		return nil
	})
}

// UpdateScriptContent replaces only the source text. Used by auto-save.
func (s *Store) UpdateScriptContent(ctx context.Context, id int64, content string) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scripts SET content = ?, updated_at = ? WHERE id = ?`,
			content, time.Now().UTC(), id,
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

// DeleteScript removes the script; triggers and execution records cascade.
func (s *Store) DeleteScript(ctx context.Context, id int64) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
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

// BumpRunCounters atomically increments run_total (and run_success on
// success) and sets last_run_at.
func (s *Store) BumpRunCounters(ctx context.Context, id int64, success bool, at time.Time) error {
	successDelta := 0
	if success {
		successDelta = 1
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scripts SET run_total = run_total + 1, run_success = run_success + ?,
				last_run_at = ?
			WHERE id = ?`,
			successDelta, at.UTC(), id,
		)
		return err
	})
}
