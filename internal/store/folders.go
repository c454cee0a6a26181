package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pysched/pysched/internal/models"
)

func scanFolder(row rowScanner) (*models.Folder, error) {
	var (
		f        models.Folder
		parentID sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.Name, &parentID, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.ParentID = int64Ptr(parentID)
	return &f, nil
}

// CreateFolder inserts a folder; (name, parent) must be unique.
func (s *Store) CreateFolder(ctx context.Context, folder *models.Folder) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO folders (name, parent_id, created_at) VALUES (?, ?, ?)`,
			folder.Name, nullInt64(folder.ParentID), now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: folder name already exists", ErrConflict)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		folder.ID = id
		folder.CreatedAt = now
		return nil
	})
}

// GetFolder returns the folder with the given id.
func (s *Store) GetFolder(ctx context.Context, id int64) (*models.Folder, error) {
	folder, err := scanFolder(s.reader.QueryRowContext(ctx,
		`SELECT id, name, parent_id, created_at FROM folders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return folder, err
}

// ListFolders returns all folders ordered by name.
func (s *Store) ListFolders(ctx context.Context) ([]*models.Folder, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, name, parent_id, created_at FROM folders ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

// UpdateFolder renames or reparents the folder.
func (s *Store) UpdateFolder(ctx context.Context, folder *models.Folder) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE folders SET name = ?, parent_id = ? WHERE id = ?`,
			folder.Name, nullInt64(folder.ParentID), folder.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: folder name already exists", ErrConflict)
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
		return nil
	})
}

// DeleteFolder removes the folder; contained scripts (and their triggers and
// execution records) cascade.
func (s *Store) DeleteFolder(ctx context.Context, id int64) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
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

// FolderSubtreeIDs returns the folder's id plus the ids of every descendant
// folder.
func (s *Store) FolderSubtreeIDs(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id FROM folders f JOIN subtree st ON f.parent_id = st.id
		)
		SELECT id FROM subtree`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var fid int64
		if err := rows.Scan(&fid); err != nil {
			return nil, err
		}
		ids = append(ids, fid)
	}
	return ids, rows.Err()
}

// FolderSubtreeScripts returns every script in the folder or any descendant
// folder. Used on folder deletion to clean up the affected scripts.
func (s *Store) FolderSubtreeScripts(ctx context.Context, id int64) ([]*models.Script, error) {
	rows, err := s.reader.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id FROM folders f JOIN subtree st ON f.parent_id = st.id
		)
		SELECT `+scriptColumns+` FROM scripts
		WHERE folder_id IN (SELECT id FROM subtree) ORDER BY id`, id)
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

// ScriptsInFolder returns the scripts directly contained in the folder.
func (s *Store) ScriptsInFolder(ctx context.Context, folderID int64) ([]*models.Script, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+scriptColumns+` FROM scripts WHERE folder_id = ? ORDER BY name`, folderID)
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
