// Package models defines the entities shared by the store, the scheduler,
// the execution engine, and the HTTP surface.
package models

import (
	"time"
)

// Script is a user-authored program stored in the catalog and executed in
// its own virtual environment.
type Script struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Slug          string            `json:"slug"`
	Description   string            `json:"description"`
	Content       string            `json:"content"`
	FolderID      *int64            `json:"folder_id"`
	PythonVersion string            `json:"python_version"`
	Requirements  string            `json:"requirements"`
	EnvVars       map[string]string `json:"environment_variables"`
	Enabled       bool              `json:"enabled"`
	AutoSave      bool              `json:"auto_save"`

	EmailOnCompletion bool   `json:"email_notifications"`
	EmailRecipients   string `json:"email_recipients"`
	EmailTriggerType  string `json:"email_trigger_type"`

	// TimeoutSeconds overrides the configured default when positive.
	TimeoutSeconds int `json:"timeout_seconds"`

	RunTotal   int64      `json:"execution_count"`
	RunSuccess int64      `json:"success_count"`
	LastRunAt  *time.Time `json:"last_executed_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Timeout returns the effective wall-clock bound for one run.
func (s *Script) Timeout(defaultTimeout time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// Folder is a tree node organizing scripts.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggerKind enumerates the supported trigger policies.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerManual   TriggerKind = "manual"
	TriggerStartup  TriggerKind = "startup"
)

// Valid reports whether the kind is one of the closed set.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerCron, TriggerInterval, TriggerManual, TriggerStartup:
		return true
	}
	return false
}

// TriggerConfig is the kind-tagged configuration payload of a trigger.
// Cron triggers carry Expression and Timezone; interval triggers carry
// Seconds; manual and startup triggers are empty.
type TriggerConfig struct {
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Seconds    int    `json:"seconds,omitempty"`
}

// Trigger fires run requests for its owning script.
type Trigger struct {
	ID          int64         `json:"id"`
	ScriptID    int64         `json:"script_id"`
	Kind        TriggerKind   `json:"trigger_type"`
	Config      TriggerConfig `json:"config"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"created_at"`
	LastFiredAt *time.Time    `json:"last_triggered_at"`
	NextFireAt  *time.Time    `json:"next_run_at"`
}

// RunStatus enumerates execution record states.
type RunStatus string

const (
	// StatusPending mirrors an accepted queue admission that has not started.
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusTimeout RunStatus = "timeout"
)

// Terminal reports whether the status is write-once final.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// TriggeredBy enumerates the origins of a run request.
type TriggeredBy string

const (
	TriggeredBySchedule TriggeredBy = "schedule"
	TriggeredByManual   TriggeredBy = "manual"
	TriggeredByURL      TriggeredBy = "url"
	TriggeredByStartup  TriggeredBy = "startup"
)

// ExecutionRecord is the durable per-run record, write-once at terminal status.
type ExecutionRecord struct {
	ID            int64       `json:"id"`
	ScriptID      int64       `json:"script_id"`
	TriggerID     *int64      `json:"trigger_id"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at"`
	DurationMS    int64       `json:"duration_ms"`
	Status        RunStatus   `json:"status"`
	ExitCode      *int        `json:"exit_code"`
	Stdout        string      `json:"stdout"`
	Stderr        string      `json:"stderr"`
	MaxMemoryMB   *int64      `json:"max_memory_mb"`
	MaxCPUPercent *float64    `json:"max_cpu_percent"`
	TriggeredBy   TriggeredBy `json:"triggered_by"`
}

// RunRequest is an intent to execute a script. Admissions are mirrored as
// pending execution records; RecordID carries the mirror row so the run
// claims it instead of creating a new one.
type RunRequest struct {
	TaskID      string
	ScriptID    int64
	TriggerID   *int64
	TriggeredBy TriggeredBy
	EnqueuedAt  time.Time
	RecordID    int64
}

// User is an account for the HTTP surface.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Theme        string     `json:"theme"`
	Timezone     string     `json:"timezone"`
	IsAdmin      bool       `json:"is_admin"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
}

// Setting is one key/value row of the settings table.
type Setting struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Well-known settings keys, seeded on first boot.
const (
	SettingAPIKey            = "api_key"
	SettingRateLimitEnabled  = "rate_limit_enabled"
	SettingDefaultTimeout    = "default_script_timeout"
	SettingDefaultMemLimit   = "default_memory_limit"
	SettingMaxExecutionLogs  = "max_execution_logs"
	SettingLogRetentionDays  = "log_retention_days"
	SettingSMTPHost          = "smtp_host"
	SettingSMTPPort          = "smtp_port"
	SettingSMTPUsername      = "smtp_username"
	SettingSMTPPassword      = "smtp_password"
	SettingSMTPFrom          = "smtp_from"
)
