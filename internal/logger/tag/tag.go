// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Script creates a tag for script slugs.
func Script(slug string) slog.Attr {
	return slog.String("script", slug)
}

// ScriptID creates a tag for script ids.
func ScriptID(id int64) slog.Attr {
	return slog.Int64("script-id", id)
}

// TriggerID creates a tag for trigger ids.
func TriggerID(id int64) slog.Attr {
	return slog.Int64("trigger-id", id)
}

// RecordID creates a tag for execution record ids.
func RecordID(id int64) slog.Attr {
	return slog.Int64("record-id", id)
}

// TaskID creates a tag for run request task ids.
func TaskID(id string) slog.Attr {
	return slog.String("task-id", id)
}

// Kind creates a tag for trigger kinds.
func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

// Status creates a tag for execution status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Signal creates a tag for signal names (e.g., SIGTERM).
func Signal(sig string) slog.Attr {
	return slog.String("signal", sig)
}

// PID creates a tag for process IDs.
func PID(pid int) slog.Attr {
	return slog.Int("pid", pid)
}

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// Phase creates a tag for provisioning or execution phases.
func Phase(name string) slog.Attr {
	return slog.String("phase", name)
}

// Schedule creates a tag for cron expressions.
func Schedule(s string) slog.Attr {
	return slog.String("schedule", s)
}

// NextRun creates a tag for next scheduled fire times.
func NextRun(t time.Time) slog.Attr {
	return slog.Time("next-run", t)
}

// Interval creates a tag for time intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Duration creates a tag for time durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Count creates a tag for numeric counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Addr creates a tag for network addresses (host:port).
func Addr(addr string) slog.Attr {
	return slog.String("addr", addr)
}

// Port creates a tag for port numbers.
func Port(port int) slog.Attr {
	return slog.Int("port", port)
}

// User creates a tag for usernames.
func User(name string) slog.Attr {
	return slog.String("user", name)
}

// Key creates a tag for setting or environment keys.
func Key(k string) slog.Attr {
	return slog.String("key", k)
}

// Name creates a tag for generic names (prefer Script when specific).
func Name(name string) slog.Attr {
	return slog.String("name", name)
}

// Reason creates a tag for the reason for an action or state.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Version creates a tag for version values.
func Version(v string) slog.Attr {
	return slog.String("version", v)
}
