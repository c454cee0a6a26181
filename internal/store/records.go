package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pysched/pysched/internal/models"
)

const recordColumns = `id, script_id, trigger_id, started_at, finished_at, duration_ms,
	status, exit_code, stdout, stderr, max_memory_mb, max_cpu_percent, triggered_by`

func scanRecord(row rowScanner) (*models.ExecutionRecord, error) {
	var (
		r          models.ExecutionRecord
		triggerID  sql.NullInt64
		finishedAt sql.NullTime
		durationMS sql.NullInt64
		exitCode   sql.NullInt64
		stdout     sql.NullString
		stderr     sql.NullString
		maxMem     sql.NullInt64
		maxCPU     sql.NullFloat64
		by         sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.ScriptID, &triggerID, &r.StartedAt, &finishedAt, &durationMS,
		&r.Status, &exitCode, &stdout, &stderr, &maxMem, &maxCPU, &by,
	)
	if err != nil {
		return nil, err
	}
	r.TriggerID = int64Ptr(triggerID)
	r.FinishedAt = timePtr(finishedAt)
	r.DurationMS = durationMS.Int64
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		r.ExitCode = &ec
	}
	r.Stdout = stdout.String
	r.Stderr = stderr.String
	r.MaxMemoryMB = int64Ptr(maxMem)
	if maxCPU.Valid {
		v := maxCPU.Float64
		r.MaxCPUPercent = &v
	}
	r.TriggeredBy = models.TriggeredBy(by.String)
	return &r, nil
}

// CreateRecord inserts a new execution record in the running state.
func (s *Store) CreateRecord(ctx context.Context, record *models.ExecutionRecord) error {
	if record.Status == "" {
		record.Status = models.StatusRunning
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO execution_records (script_id, trigger_id, started_at, status, triggered_by)
			VALUES (?, ?, ?, ?, ?)`,
			record.ScriptID, nullInt64(record.TriggerID), record.StartedAt.UTC(),
			record.Status, record.TriggeredBy,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		record.ID = id
		return nil
	})
}

// RunFinal carries the terminal outcome of a run.
type RunFinal struct {
	Status        models.RunStatus
	FinishedAt    time.Time
	DurationMS    int64
	ExitCode      *int
	Stdout        string
	Stderr        string
	MaxMemoryMB   *int64
	MaxCPUPercent *float64
}

// FinalizeRecord writes the terminal outcome exactly once. A record that is
// already terminal yields ErrFinalized; updates are guarded on status so a
// crashed sweep and a late finalizer cannot both win. Pending records can be
// finalized directly when the run fails before it starts.
func (s *Store) FinalizeRecord(ctx context.Context, id int64, final RunFinal) error {
	if !final.Status.Terminal() {
		return fmt.Errorf("status %q is not terminal", final.Status)
	}
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		var exitCode sql.NullInt64
		if final.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*final.ExitCode), Valid: true}
		}
		var maxCPU sql.NullFloat64
		if final.MaxCPUPercent != nil {
			maxCPU = sql.NullFloat64{Float64: *final.MaxCPUPercent, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_records
			SET status = ?, finished_at = ?, duration_ms = ?, exit_code = ?,
				stdout = ?, stderr = ?, max_memory_mb = ?, max_cpu_percent = ?
			WHERE id = ? AND status IN (?, ?)`,
			final.Status, final.FinishedAt.UTC(), final.DurationMS, exitCode,
			final.Stdout, final.Stderr, nullInt64(final.MaxMemoryMB), maxCPU,
			id, models.StatusRunning, models.StatusPending,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM execution_records WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrFinalized
		}
		return nil
	})
}

// GetRecord returns the execution record with the given id.
func (s *Store) GetRecord(ctx context.Context, id int64) (*models.ExecutionRecord, error) {
	record, err := scanRecord(s.reader.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return record, err
}

// RunningRecordForScript returns the script's active record, or ErrNotFound.
func (s *Store) RunningRecordForScript(ctx context.Context, scriptID int64) (*models.ExecutionRecord, error) {
	record, err := scanRecord(s.reader.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records
		 WHERE script_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		scriptID, models.StatusRunning))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return record, err
}

// RecordFilter narrows ListRecords. Zero values mean "no constraint".
type RecordFilter struct {
	ScriptID *int64
	Status   models.RunStatus
	Since    *time.Time
	Until    *time.Time
	Search   string
	Limit    int
	Offset   int
}

// ListRecords returns matching records newest-first, plus the total count of
// matches before pagination.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) ([]*models.ExecutionRecord, int64, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ScriptID != nil {
		conds = append(conds, "script_id = ?")
		args = append(args, *filter.ScriptID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		conds = append(conds, "started_at <= ?")
		args = append(args, filter.Until.UTC())
	}
	if filter.Search != "" {
		conds = append(conds, "(stdout LIKE ? OR stderr LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + recordColumns + ` FROM execution_records` + where +
		` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	return records, total, rows.Err()
}

// RunStats summarizes execution records over a window.
type RunStats struct {
	Total         int64   `json:"total_executions"`
	Success       int64   `json:"successful"`
	Failed        int64   `json:"failed"`
	Timeout       int64   `json:"timed_out"`
	Running       int64   `json:"running"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Stats aggregates records started at or after since (all records when nil).
func (s *Store) Stats(ctx context.Context, since *time.Time, scriptID *int64) (*RunStats, error) {
	var (
		conds []string
		args  []any
	)
	if since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, since.UTC())
	}
	if scriptID != nil {
		conds = append(conds, "script_id = ?")
		args = append(args, *scriptID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var (
		stats RunStats
		avg   sql.NullFloat64
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN duration_ms IS NOT NULL THEN duration_ms END)
		FROM execution_records`+where, args...,
	).Scan(&stats.Total, &stats.Success, &stats.Failed, &stats.Timeout, &stats.Running, &avg)
	if err != nil {
		return nil, err
	}
	stats.AvgDurationMS = avg.Float64
	return &stats, nil
}

// DeleteRecord removes one execution record.
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM execution_records WHERE id = ?`, id)
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

// DeleteRecordsForScript clears a script's run history; returns rows removed.
func (s *Store) DeleteRecordsForScript(ctx context.Context, scriptID int64) (int64, error) {
	var removed int64
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM execution_records WHERE script_id = ?`, scriptID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// CleanupRecords enforces the retention policy: per script, keep at most
// keepPerScript terminal records; across the board, drop terminal records
// older than olderThan days. Running and pending records are never touched.
// Returns the number of rows removed.
func (s *Store) CleanupRecords(ctx context.Context, keepPerScript int, olderThanDays int) (int64, error) {
	var removed int64
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		if keepPerScript > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM execution_records
				WHERE status NOT IN ('running', 'pending') AND id NOT IN (
					SELECT id FROM execution_records r2
					WHERE r2.script_id = execution_records.script_id
					ORDER BY r2.started_at DESC, r2.id DESC
					LIMIT ?
				)`, keepPerScript)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		if olderThanDays > 0 {
			cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
			res, err := tx.ExecContext(ctx, `
				DELETE FROM execution_records
				WHERE status NOT IN ('running', 'pending') AND started_at < ?`, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	return removed, err
}

// SweepOrphans marks records still 'running' as failed. Run at boot before
// the queue starts, so no grace window is needed: a running record at this
// point was abandoned by a previous instance. The lifetime of the dead run,
// from its start to the sweep, is recorded as the duration.
func (s *Store) SweepOrphans(ctx context.Context) (int64, error) {
	var swept int64
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, started_at FROM execution_records WHERE status = ?`,
			models.StatusRunning)
		if err != nil {
			return err
		}
		type orphan struct {
			id        int64
			startedAt time.Time
		}
		var orphans []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.id, &o.startedAt); err != nil {
				rows.Close()
				return err
			}
			orphans = append(orphans, o)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := time.Now().UTC()
		for _, o := range orphans {
			duration := now.Sub(o.startedAt).Milliseconds()
			if duration < 0 {
				duration = 0
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE execution_records
				SET status = ?, finished_at = ?, duration_ms = ?,
					stderr = COALESCE(stderr, '') || ?
				WHERE id = ?`,
				models.StatusFailed, now, duration, "\nabandoned on restart", o.id,
			); err != nil {
				return err
			}
		}
		swept = int64(len(orphans))
		return nil
	})
	return swept, err
}

// RunEnqueued mirrors a queue admission as a pending execution record so an
// accepted run survives a restart. The mirror row's id is written back to
// the request. Satisfies the run queue's Journal.
func (s *Store) RunEnqueued(ctx context.Context, req *models.RunRequest) error {
	record := &models.ExecutionRecord{
		ScriptID:    req.ScriptID,
		TriggerID:   req.TriggerID,
		StartedAt:   req.EnqueuedAt,
		Status:      models.StatusPending,
		TriggeredBy: req.TriggeredBy,
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if err := s.CreateRecord(ctx, record); err != nil {
		return err
	}
	req.RecordID = record.ID
	return nil
}

// RunDiscarded removes the pending mirror of an admission that was rolled
// back before it ran.
func (s *Store) RunDiscarded(ctx context.Context, req *models.RunRequest) error {
	if req.RecordID == 0 {
		return nil
	}
	return s.DeleteRecord(ctx, req.RecordID)
}

// MarkRecordRunning claims a pending record for a starting run, stamping the
// real start time. A record that is not pending yields ErrConflict.
func (s *Store) MarkRecordRunning(ctx context.Context, id int64, startedAt time.Time) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_records SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			models.StatusRunning, startedAt.UTC(), id, models.StatusPending,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM execution_records WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

// ListPendingRecords returns queued-but-unstarted records oldest first. Used
// at boot to replay admissions that never ran.
func (s *Store) ListPendingRecords(ctx context.Context) ([]*models.ExecutionRecord, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE status = ? ORDER BY id`,
		models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
