// Package envmgr materializes scripts on disk and provisions one virtual
// environment per script. Scripts at the catalog root live directly under
// the scripts directory; scripts inside a folder live under f<folder-id>,
// because slugs are only unique within a folder:
//
//	scripts/<slug>/script.py
//	scripts/f<folder-id>/<slug>/script.py
//	.../<slug>/requirements.txt
//	.../<slug>/venv/
//	.../<slug>/.env-state.json
//
// A venv is rebuilt only when the recorded python version or requirements
// hash no longer matches the script.
package envmgr

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysched/pysched/internal/eventbus"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
)

const stateFileName = ".env-state.json"

// ErrOutsideDataRoot guards cleanup: the manager refuses to remove anything
// that does not resolve inside its scripts directory.
var ErrOutsideDataRoot = errors.New("path escapes the scripts directory")

// envState is the persisted provisioning marker.
type envState struct {
	PythonVersion    string    `json:"python_version"`
	RequirementsHash string    `json:"requirements_hash"`
	InstalledAt      time.Time `json:"installed_at"`
}

// Package is one installed distribution reported by pip.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// VenvInfo describes a script's environment for the API.
type VenvInfo struct {
	Exists        bool      `json:"exists"`
	PythonVersion string    `json:"python_version"`
	SizeBytes     int64     `json:"size_bytes"`
	InstalledAt   time.Time `json:"installed_at,omitempty"`
	Packages      []Package `json:"packages,omitempty"`
}

// Manager owns the scripts directory and the venv provisioning protocol.
type Manager struct {
	scriptsDir string
	bus        *eventbus.Bus
}

// New returns a manager rooted at scriptsDir.
func New(scriptsDir string, bus *eventbus.Bus) *Manager {
	return &Manager{scriptsDir: scriptsDir, bus: bus}
}

// ScriptKey is a script's directory path relative to the scripts root.
// Scripts inside a folder live under f<folder-id> because slugs are only
// unique within a folder; without the prefix two scripts with the same slug
// would share a directory and a venv.
func ScriptKey(folderID *int64, slug string) string {
	if folderID != nil {
		return filepath.Join(fmt.Sprintf("f%d", *folderID), slug)
	}
	return slug
}

// Dir returns the script's directory for the given key.
func (m *Manager) Dir(key string) string {
	return filepath.Join(m.scriptsDir, key)
}

// ScriptPath returns the materialized source path.
func (m *Manager) ScriptPath(key string) string {
	return filepath.Join(m.Dir(key), "script.py")
}

// PythonPath returns the venv interpreter path.
func (m *Manager) PythonPath(key string) string {
	return filepath.Join(m.Dir(key), "venv", "bin", "python")
}

func (m *Manager) statePath(key string) string {
	return filepath.Join(m.Dir(key), stateFileName)
}

// requirementsHash fingerprints the dependency set. Blank lines and comments
// do not force a rebuild.
func requirementsHash(pythonVersion, requirements string) string {
	var lines []string
	for _, line := range strings.Split(requirements, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	h := sha256.Sum256([]byte(pythonVersion + "\n" + strings.Join(lines, "\n")))
	return hex.EncodeToString(h[:])
}

func (m *Manager) readState(key string) (*envState, error) {
	data, err := os.ReadFile(m.statePath(key))
	if err != nil {
		return nil, err
	}
	var state envState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *Manager) writeState(key string, state envState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath(key), data, 0o644)
}

// Materialize writes script.py and requirements.txt for the script, creating
// the directory if needed. Call before every run so the file on disk matches
// the catalog.
func (m *Manager) Materialize(script *models.Script) error {
	dir := m.Dir(ScriptKey(script.FolderID, script.Slug))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "script.py"), []byte(script.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write script source: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(script.Requirements), 0o644); err != nil {
		return fmt.Errorf("failed to write requirements: %w", err)
	}
	return nil
}

// Ensure makes the script's venv ready, provisioning or rebuilding it when
// the python version or requirements changed. It is idempotent and cheap
// when the recorded state still matches.
func (m *Manager) Ensure(ctx context.Context, script *models.Script) error {
	if err := m.Materialize(script); err != nil {
		return err
	}

	key := ScriptKey(script.FolderID, script.Slug)
	wantHash := requirementsHash(script.PythonVersion, script.Requirements)
	state, err := m.readState(key)
	if err == nil &&
		state.PythonVersion == script.PythonVersion &&
		state.RequirementsHash == wantHash {
		if _, err := os.Stat(m.PythonPath(key)); err == nil {
			return nil
		}
	}

	logger.Info(ctx, "Provisioning virtual environment",
		tag.Script(script.Slug), tag.Version(script.PythonVersion))

	if err := m.provision(ctx, script); err != nil {
		m.bus.Publish(eventbus.EventEnvFailed, map[string]any{
			"script_id": script.ID,
			"slug":      script.Slug,
			"error":     err.Error(),
		})
		return err
	}

	if err := m.writeState(key, envState{
		PythonVersion:    script.PythonVersion,
		RequirementsHash: wantHash,
		InstalledAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to record environment state: %w", err)
	}

	m.bus.Publish(eventbus.EventEnvReady, map[string]any{
		"script_id": script.ID,
		"slug":      script.Slug,
	})
	return nil
}

// provision runs the venv build protocol: create the venv with the requested
// interpreter, upgrade pip, then install requirements.
func (m *Manager) provision(ctx context.Context, script *models.Script) error {
	key := ScriptKey(script.FolderID, script.Slug)
	dir := m.Dir(key)
	venvDir := filepath.Join(dir, "venv")

	// A stale venv from a different interpreter is removed first.
	if err := m.removeWithin(venvDir); err != nil {
		return err
	}

	interpreter, err := interpreterFor(script.PythonVersion)
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		args []string
	}{
		{"create venv", []string{interpreter, "-m", "venv", venvDir}},
		{"upgrade pip", []string{m.PythonPath(key), "-m", "pip", "install", "--upgrade", "pip"}},
	}
	if strings.TrimSpace(script.Requirements) != "" {
		steps = append(steps, struct {
			name string
			args []string
		}{"install requirements", []string{
			m.PythonPath(key), "-m", "pip", "install",
			"-r", filepath.Join(dir, "requirements.txt"),
		}})
	}

	for _, step := range steps {
		cmd := exec.CommandContext(ctx, step.args[0], step.args[1:]...)
		cmd.Dir = dir
		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output
		if err := cmd.Run(); err != nil {
			logger.Error(ctx, "Environment provisioning step failed",
				tag.Script(script.Slug), tag.Phase(step.name), tag.Error(err))
			return fmt.Errorf("%s: %w: %s", step.name, err, tail(output.String(), 2048))
		}
	}
	return nil
}

// interpreterFor resolves the base interpreter for a version, preferring the
// exact versioned binary and falling back to python3.
func interpreterFor(pythonVersion string) (string, error) {
	candidates := []string{"python" + pythonVersion, "python3"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found for version %s", pythonVersion)
}

// Introspect reports the environment's state, including pip's package list
// when the venv exists.
func (m *Manager) Introspect(ctx context.Context, key string) (*VenvInfo, error) {
	info := &VenvInfo{}

	pythonPath := m.PythonPath(key)
	if _, err := os.Stat(pythonPath); err != nil {
		return info, nil
	}
	info.Exists = true

	if state, err := m.readState(key); err == nil {
		info.PythonVersion = state.PythonVersion
		info.InstalledAt = state.InstalledAt
	}

	venvDir := filepath.Join(m.Dir(key), "venv")
	_ = filepath.WalkDir(venvDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			info.SizeBytes += fi.Size()
		}
		return nil
	})

	cmd := exec.CommandContext(ctx, pythonPath, "-m", "pip", "list", "--format=json")
	output, err := cmd.Output()
	if err != nil {
		logger.Warn(ctx, "Failed to list installed packages", tag.Script(key), tag.Error(err))
		return info, nil
	}
	if err := json.Unmarshal(output, &info.Packages); err != nil {
		return nil, fmt.Errorf("failed to parse pip output: %w", err)
	}
	return info, nil
}

// RemoveVenv deletes only the venv and state marker, forcing a rebuild on the
// next run.
func (m *Manager) RemoveVenv(key string) error {
	if err := m.removeWithin(filepath.Join(m.Dir(key), "venv")); err != nil {
		return err
	}
	return m.removeWithin(m.statePath(key))
}

// RemoveScriptDir deletes the script's whole directory. Used when the script
// is deleted from the catalog.
func (m *Manager) RemoveScriptDir(key string) error {
	return m.removeWithin(m.Dir(key))
}

// RemoveFolderDir deletes the directory tree holding a folder's scripts.
// Used when the folder is deleted from the catalog.
func (m *Manager) RemoveFolderDir(folderID int64) error {
	return m.removeWithin(filepath.Join(m.scriptsDir, fmt.Sprintf("f%d", folderID)))
}

// RenameScriptDir follows a slug or folder change, carrying the venv along.
func (m *Manager) RenameScriptDir(oldKey, newKey string) error {
	oldDir := m.Dir(oldKey)
	if _, err := os.Stat(oldDir); err != nil {
		return nil
	}
	if err := m.guard(oldDir); err != nil {
		return err
	}
	newDir := m.Dir(newKey)
	if err := m.guard(newDir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return err
	}
	return os.Rename(oldDir, newDir)
}

// CheckSyntax compiles the source with the target interpreter, rejecting
// scripts that would fail to parse before they reach the catalog. When no
// interpreter is installed the check is skipped.
func (m *Manager) CheckSyntax(ctx context.Context, pythonVersion, content string) error {
	interpreter, err := interpreterFor(pythonVersion)
	if err != nil {
		return nil
	}

	dir, err := os.MkdirTemp("", "pysched-compile-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "script.py")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return err
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, interpreter, "-m", "py_compile", path)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: content is not valid python: %s",
			models.ErrValidation, tail(output.String(), 512))
	}
	return nil
}

// guard rejects any path that resolves outside the scripts directory. This
// is what keeps a hostile slug from deleting arbitrary files.
func (m *Manager) guard(path string) error {
	root, err := filepath.Abs(m.scriptsDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return fmt.Errorf("%w: %s", ErrOutsideDataRoot, path)
	}
	return nil
}

func (m *Manager) removeWithin(path string) error {
	if err := m.guard(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
