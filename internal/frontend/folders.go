package frontend

import (
	"fmt"
	"net/http"

	"github.com/pysched/pysched/internal/models"
)

type folderRequest struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id"`
}

func (req *folderRequest) validate() error {
	if l := len([]rune(req.Name)); l < 1 || l > 100 {
		return fmt.Errorf("%w: folder name must be 1..100 characters", models.ErrValidation)
	}
	return nil
}

// folderView is a folder plus its direct contents.
type folderView struct {
	*models.Folder
	ScriptCount int `json:"script_count"`
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.store.ListFolders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]folderView, 0, len(folders))
	for _, folder := range folders {
		scripts, err := s.store.ScriptsInFolder(r.Context(), folder.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, folderView{Folder: folder, ScriptCount: len(scripts)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.ParentID != nil {
		if _, err := s.store.GetFolder(r.Context(), *req.ParentID); err != nil {
			writeError(w, err)
			return
		}
	}
	folder := &models.Folder{Name: req.Name, ParentID: req.ParentID}
	if err := s.store.CreateFolder(r.Context(), folder); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	folder, err := s.store.GetFolder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.ParentID != nil && *req.ParentID == id {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "folder cannot be its own parent"})
		return
	}
	folder.Name = req.Name
	folder.ParentID = req.ParentID
	if err := s.store.UpdateFolder(r.Context(), folder); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Deletion cascades through nested folders, so the whole subtree's
	// scripts and on-disk directories go with it.
	scripts, err := s.store.FolderSubtreeScripts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	folderIDs, err := s.store.FolderSubtreeIDs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteFolder(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	for _, folderID := range folderIDs {
		_ = s.envs.RemoveFolderDir(folderID)
	}
	for _, script := range scripts {
		s.sched.ReloadScript(r.Context(), script.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}
