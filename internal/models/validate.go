package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrValidation marks malformed input at the HTTP boundary. Handlers map it
// to a 4xx response; it is never logged as an error.
var ErrValidation = errors.New("validation error")

var (
	rePythonVersion = regexp.MustCompile(`^3\.(8|9|10|11|12)$`)
	reEnvVarKey     = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	rePackageName   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_.]*$`)
	reEmailTrigger  = regexp.MustCompile(`^(all|success|failure)$`)
)

// ValidateScriptName checks the display name length bounds.
func ValidateScriptName(name string) error {
	if l := len([]rune(name)); l < 1 || l > 100 {
		return fmt.Errorf("%w: name must be 1..100 characters", ErrValidation)
	}
	return nil
}

// ValidateContent rejects empty script sources. Syntax is checked separately
// by the environment manager, which compiles the source with the target
// interpreter; this guard only catches the trivially invalid case without
// spawning a process.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: script content cannot be empty", ErrValidation)
	}
	return nil
}

// ValidatePythonVersion checks the version against the closed set 3.8..3.12.
func ValidatePythonVersion(version string) error {
	if !rePythonVersion.MatchString(version) {
		return fmt.Errorf("%w: unsupported python version %q", ErrValidation, version)
	}
	return nil
}

// ValidateRequirements checks the line shape of a pip requirements manifest.
// Blank lines and comments are allowed; each remaining line must start with
// a plausible package name.
func ValidateRequirements(requirements string) error {
	for _, line := range strings.Split(requirements, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if idx := strings.Index(name, sep); idx >= 0 {
				name = name[:idx]
			}
		}
		name = strings.TrimSpace(name)
		if !rePackageName.MatchString(name) {
			return fmt.Errorf("%w: invalid package name in requirements: %s", ErrValidation, line)
		}
	}
	return nil
}

// ValidateEnvVars checks that every key conforms to ^[A-Z_][A-Z0-9_]*$.
func ValidateEnvVars(envVars map[string]string) error {
	for key := range envVars {
		if !reEnvVarKey.MatchString(key) {
			return fmt.Errorf("%w: invalid environment variable name: %s", ErrValidation, key)
		}
	}
	return nil
}

// ValidateEmailTriggerType checks the notification filter value.
func ValidateEmailTriggerType(t string) error {
	if t == "" {
		return nil
	}
	if !reEmailTrigger.MatchString(t) {
		return fmt.Errorf("%w: email trigger type must be all, success or failure", ErrValidation)
	}
	return nil
}

// ValidateTriggerConfig checks the kind-tagged config shape. Cron expression
// syntax is validated by the scheduler's parser, not here.
func ValidateTriggerConfig(kind TriggerKind, cfg TriggerConfig) error {
	switch kind {
	case TriggerCron:
		if strings.TrimSpace(cfg.Expression) == "" {
			return fmt.Errorf("%w: cron trigger requires an expression", ErrValidation)
		}
		if len(strings.Fields(cfg.Expression)) != 5 {
			return fmt.Errorf("%w: cron expression must have 5 fields", ErrValidation)
		}
	case TriggerInterval:
		if cfg.Seconds < 1 {
			return fmt.Errorf("%w: interval trigger requires seconds >= 1", ErrValidation)
		}
	case TriggerManual, TriggerStartup:
		// No configuration.
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrValidation, kind)
	}
	return nil
}
