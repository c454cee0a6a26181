package frontend

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/scheduler"
)

type triggerRequest struct {
	ScriptID int64                `json:"script_id"`
	Kind     models.TriggerKind   `json:"trigger_type"`
	Config   models.TriggerConfig `json:"config"`
	Enabled  *bool                `json:"enabled"`
}

func (req *triggerRequest) validate() error {
	if err := models.ValidateTriggerConfig(req.Kind, req.Config); err != nil {
		return err
	}
	if req.Kind == models.TriggerCron {
		// Full syntax check with the same parser the scheduler uses.
		if _, err := scheduler.PreviewCron(req.Config.Expression, req.Config.Timezone, 1, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	var scriptID *int64
	if raw := r.URL.Query().Get("script_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid script_id"})
			return
		}
		scriptID = &id
	}
	triggers, err := s.store.ListTriggers(r.Context(), scriptID)
	if err != nil {
		writeError(w, err)
		return
	}
	if triggers == nil {
		triggers = []*models.Trigger{}
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeValidation(w, err)
		return
	}
	if _, err := s.store.GetScript(r.Context(), req.ScriptID); err != nil {
		writeError(w, err)
		return
	}

	trigger := &models.Trigger{
		ScriptID: req.ScriptID,
		Kind:     req.Kind,
		Config:   req.Config,
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	if next, err := scheduler.NextFire(trigger, time.Now()); err == nil {
		trigger.NextFireAt = &next
	}
	if err := s.store.CreateTrigger(r.Context(), trigger); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Reload(r.Context(), trigger.ID)
	writeJSON(w, http.StatusCreated, trigger)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trigger, err := s.store.GetTrigger(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeValidation(w, err)
		return
	}

	trigger.Kind = req.Kind
	trigger.Config = req.Config
	if req.Enabled != nil {
		trigger.Enabled = *req.Enabled
	}
	trigger.NextFireAt = nil
	if next, err := scheduler.NextFire(trigger, time.Now()); err == nil {
		trigger.NextFireAt = &next
	}
	if err := s.store.UpdateTrigger(r.Context(), trigger); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Reload(r.Context(), trigger.ID)
	writeJSON(w, http.StatusOK, trigger)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteTrigger(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Reload(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trigger, err := s.store.GetTrigger(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetTriggerEnabled(r.Context(), id, !trigger.Enabled); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Reload(r.Context(), id)
	trigger.Enabled = !trigger.Enabled
	writeJSON(w, http.StatusOK, trigger)
}

type validateCronRequest struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone"`
}

type validateCronResponse struct {
	Valid    bool        `json:"valid"`
	Error    string      `json:"error,omitempty"`
	NextRuns []time.Time `json:"next_runs,omitempty"`
}

// handleValidateCron previews the next five fire times of an expression.
func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req validateCronRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	runs, err := scheduler.PreviewCron(req.Expression, req.Timezone, 5, time.Now())
	if err != nil {
		writeJSON(w, http.StatusOK, validateCronResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validateCronResponse{Valid: true, NextRuns: runs})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	upcoming, err := s.sched.Upcoming(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if upcoming == nil {
		upcoming = []*models.Trigger{}
	}
	writeJSON(w, http.StatusOK, upcoming)
}

// writeValidation reports schedule parse failures as 400s even though the
// parser errors are not tagged as validation errors.
func writeValidation(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}
