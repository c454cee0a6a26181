package frontend

import (
	"net/http"

	"github.com/pysched/pysched/internal/models"
)

// updatableSettings is the closed set of keys the API may change.
var updatableSettings = map[string]struct{}{
	models.SettingAPIKey:           {},
	models.SettingRateLimitEnabled: {},
	models.SettingDefaultTimeout:   {},
	models.SettingDefaultMemLimit:  {},
	models.SettingMaxExecutionLogs: {},
	models.SettingLogRetentionDays: {},
	models.SettingSMTPHost:         {},
	models.SettingSMTPPort:         {},
	models.SettingSMTPUsername:     {},
	models.SettingSMTPPassword:     {},
	models.SettingSMTPFrom:         {},
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// The SMTP password never leaves the server.
	for _, setting := range settings {
		if setting.Key == models.SettingSMTPPassword && setting.Value != "" {
			setting.Value = "********"
		}
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}
	var req map[string]string
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for key := range req {
		if _, ok := updatableSettings[key]; !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown setting: " + key})
			return
		}
	}
	for key, value := range req {
		if err := s.store.SetSetting(r.Context(), key, value); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
