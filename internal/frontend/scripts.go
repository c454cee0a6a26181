package frontend

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pysched/pysched/internal/envmgr"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/store"
	"github.com/pysched/pysched/internal/stringutil"
)

type scriptRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Content       string            `json:"content"`
	FolderID      *int64            `json:"folder_id"`
	PythonVersion string            `json:"python_version"`
	Requirements  string            `json:"requirements"`
	EnvVars       map[string]string `json:"environment_variables"`
	Enabled       *bool             `json:"enabled"`
	AutoSave      *bool             `json:"auto_save"`

	EmailNotifications *bool  `json:"email_notifications"`
	EmailRecipients    string `json:"email_recipients"`
	EmailTriggerType   string `json:"email_trigger_type"`

	TimeoutSeconds int `json:"timeout_seconds"`
}

func (req *scriptRequest) validate() error {
	if err := models.ValidateScriptName(req.Name); err != nil {
		return err
	}
	if err := models.ValidateContent(req.Content); err != nil {
		return err
	}
	if err := models.ValidatePythonVersion(req.PythonVersion); err != nil {
		return err
	}
	if err := models.ValidateRequirements(req.Requirements); err != nil {
		return err
	}
	if err := models.ValidateEnvVars(req.EnvVars); err != nil {
		return err
	}
	return models.ValidateEmailTriggerType(req.EmailTriggerType)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if scripts == nil {
		scripts = []*models.Script{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PythonVersion == "" {
		req.PythonVersion = "3.12"
	}
	if req.EmailTriggerType == "" {
		req.EmailTriggerType = "all"
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.envs.CheckSyntax(r.Context(), req.PythonVersion, req.Content); err != nil {
		writeError(w, err)
		return
	}

	script := &models.Script{
		Name:              req.Name,
		Slug:              stringutil.Slugify(req.Name),
		Description:       req.Description,
		Content:           req.Content,
		FolderID:          req.FolderID,
		PythonVersion:     req.PythonVersion,
		Requirements:      req.Requirements,
		EnvVars:           req.EnvVars,
		Enabled:           req.Enabled == nil || *req.Enabled,
		AutoSave:          req.AutoSave == nil || *req.AutoSave,
		EmailOnCompletion: req.EmailNotifications != nil && *req.EmailNotifications,
		EmailRecipients:   req.EmailRecipients,
		EmailTriggerType:  req.EmailTriggerType,
		TimeoutSeconds:    req.TimeoutSeconds,
	}
	if err := s.store.CreateScript(r.Context(), script); err != nil {
		writeError(w, err)
		return
	}
	logger.Info(r.Context(), "Script created", tag.Script(script.Slug), tag.ScriptID(script.ID))
	writeJSON(w, http.StatusCreated, script)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req scriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PythonVersion == "" {
		req.PythonVersion = script.PythonVersion
	}
	if req.EmailTriggerType == "" {
		req.EmailTriggerType = script.EmailTriggerType
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.envs.CheckSyntax(r.Context(), req.PythonVersion, req.Content); err != nil {
		writeError(w, err)
		return
	}

	oldKey := envmgr.ScriptKey(script.FolderID, script.Slug)
	script.Name = req.Name
	script.Slug = stringutil.Slugify(req.Name)
	script.Description = req.Description
	script.Content = req.Content
	script.FolderID = req.FolderID
	script.PythonVersion = req.PythonVersion
	script.Requirements = req.Requirements
	script.EnvVars = req.EnvVars
	if req.Enabled != nil {
		script.Enabled = *req.Enabled
	}
	if req.AutoSave != nil {
		script.AutoSave = *req.AutoSave
	}
	if req.EmailNotifications != nil {
		script.EmailOnCompletion = *req.EmailNotifications
	}
	script.EmailRecipients = req.EmailRecipients
	script.EmailTriggerType = req.EmailTriggerType
	script.TimeoutSeconds = req.TimeoutSeconds

	if err := s.store.UpdateScript(r.Context(), script); err != nil {
		writeError(w, err)
		return
	}

	// A rename or folder move changes the on-disk location; carry the venv.
	if newKey := envmgr.ScriptKey(script.FolderID, script.Slug); newKey != oldKey {
		if err := s.envs.RenameScriptDir(oldKey, newKey); err != nil {
			logger.Error(r.Context(), "Failed to move script directory",
				tag.Script(script.Slug), tag.Error(err))
		}
	}

	// An enable/disable flip changes which triggers are armed.
	s.sched.ReloadScript(r.Context(), script.ID)

	writeJSON(w, http.StatusOK, script)
}

type contentRequest struct {
	Content string `json:"content"`
}

// handleUpdateScriptContent is the auto-save path: source only, no metadata.
// Scripts with auto-save disabled reject it; content then only changes
// through a full update.
func (s *Server) handleUpdateScriptContent(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !script.AutoSave {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "auto-save is disabled for this script"})
		return
	}
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := models.ValidateContent(req.Content); err != nil {
		writeError(w, err)
		return
	}
	if err := s.envs.CheckSyntax(r.Context(), script.PythonVersion, req.Content); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateScriptContent(r.Context(), id, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteScript(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.envs.RemoveScriptDir(envmgr.ScriptKey(script.FolderID, script.Slug)); err != nil {
		logger.Error(r.Context(), "Failed to remove script directory",
			tag.Script(script.Slug), tag.Error(err))
	}
	s.sched.ReloadScript(r.Context(), id)
	logger.Info(r.Context(), "Script deleted", tag.Script(script.Slug), tag.ScriptID(id))
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteScript admits a manual run. The run executes asynchronously;
// progress arrives over the event stream.
func (s *Server) handleExecuteScript(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.admitRun(w, r, script, models.TriggeredByManual)
}

func (s *Server) admitRun(w http.ResponseWriter, r *http.Request, script *models.Script, by models.TriggeredBy) {
	if s.engine.Running(script.ID) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_running"})
		return
	}
	req := &models.RunRequest{ScriptID: script.ID, TriggeredBy: by}
	if err := s.queue.Enqueue(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	logger.Info(r.Context(), "Run admitted",
		tag.Script(script.Slug), tag.TaskID(req.TaskID), tag.Kind(string(by)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":   req.TaskID,
		"script_id": script.ID,
		"status":    "queued",
	})
}

func (s *Server) handleStopScript(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "script is not running"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleVenvInfo(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.envs.Introspect(r.Context(), envmgr.ScriptKey(script.FolderID, script.Slug))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleVenvRebuild drops the venv so the next run provisions it fresh.
func (s *Server) handleVenvRebuild(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.engine.Running(script.ID) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_running"})
		return
	}
	if err := s.envs.RemoveVenv(envmgr.ScriptKey(script.FolderID, script.Slug)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild scheduled"})
}

// handleTriggerBySlug is the unauthenticated webhook path, guarded by the
// shared API key.
func (s *Server) handleTriggerBySlug(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	expected, err := s.store.GetSetting(r.Context(), models.SettingAPIKey)
	if err != nil {
		expected = s.cfg.DefaultAPIKey
	}
	if key == "" || key != expected {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}

	// Slugs are only unique per folder; an ambiguous slug needs a folder_id
	// query parameter to pick the right script.
	var folderID *int64
	if raw := r.URL.Query().Get("folder_id"); raw != "" {
		fid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || fid < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid folder_id"})
			return
		}
		folderID = &fid
	}
	script, err := s.store.GetScriptBySlug(r.Context(), chi.URLParam(r, "slug"), folderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !script.Enabled {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "script is disabled"})
		return
	}
	s.admitRun(w, r, script, models.TriggeredByURL)
}
