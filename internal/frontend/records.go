package frontend

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/store"
)

type recordListResponse struct {
	Records []*models.ExecutionRecord `json:"records"`
	Total   int64                     `json:"total"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordFilter{
		Status: models.RunStatus(q.Get("status")),
		Search: q.Get("search"),
		Limit:  50,
	}
	if raw := q.Get("script_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid script_id"})
			return
		}
		filter.ScriptID = &id
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC3339"})
			return
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "until must be RFC3339"})
			return
		}
		filter.Until = &t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	records, total, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recordListResponse{
		Records: records, Total: total, Limit: filter.Limit, Offset: filter.Offset,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteScriptRecords clears one script's whole run history.
func (s *Server) handleDeleteScriptRecords(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	removed, err := s.store.DeleteRecordsForScript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since *time.Time
	if raw := q.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be a positive integer"})
			return
		}
		t := time.Now().UTC().AddDate(0, 0, -days)
		since = &t
	}
	var scriptID *int64
	if raw := q.Get("script_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid script_id"})
			return
		}
		scriptID = &id
	}

	stats, err := s.store.Stats(r.Context(), since, scriptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":       snapshot,
		"active_runs": s.engine.ActiveCount(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

// handleCleanup applies the retention policy on demand with the persisted
// settings.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}
	keep, days := s.retentionPolicy(r)
	removed, err := s.store.CleanupRecords(r.Context(), keep, days)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info(r.Context(), "Execution history cleaned up", tag.Count(int(removed)), tag.Name("removed"))
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) retentionPolicy(r *http.Request) (keepPerScript, olderThanDays int) {
	keepPerScript = s.cfg.MaxRecordsPerScript
	olderThanDays = s.cfg.RetentionDays
	if raw, err := s.store.GetSetting(r.Context(), models.SettingMaxExecutionLogs); err == nil {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			keepPerScript = n
		}
	}
	if raw, err := s.store.GetSetting(r.Context(), models.SettingLogRetentionDays); err == nil {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			olderThanDays = n
		}
	}
	return keepPerScript, olderThanDays
}
