// Package workspace manages the per-device copies of the firmware project.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"
)

const (
	instancesDir   = "instances"
	templateDir    = "templates/project_template"
	infoFile       = "device_info.json"
	statusFile     = "device_status.json"
	nameTimeLayout = "20060102_150405"
)

var ErrTemplateMissing = errors.New("project template is missing")

// templateItems are the project entries copied into the template by
// PrepareTemplate. Missing entries are skipped.
var templateItems = []string{
	"main",
	"CMakeLists.txt",
	"sdkconfig",
	"sdkconfig.defaults",
	"sdkconfig.defaults.esp32c3",
	"sdkconfig.defaults.esp32s3",
	"partitions.csv",
	"partitions_4M.csv",
	"partitions_8M.csv",
	"managed_components",
}

// Info is the device_info.json document written into each workspace.
type Info struct {
	DeviceID      string    `json:"device_id"`
	Port          string    `json:"port,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	WorkspaceName string    `json:"workspace_name"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
}

// Manager lays out <base>/instances and <base>/templates/project_template.
type Manager struct {
	base      string
	instances string
	template  string
	clock     func() time.Time
	log       *logger.Logger
}

func New(base string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	if base == "" {
		base = "."
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base: %w", err)
	}
	m := &Manager{
		base:      abs,
		instances: filepath.Join(abs, instancesDir),
		template:  filepath.Join(abs, filepath.FromSlash(templateDir)),
		clock:     time.Now,
		log:       log,
	}
	if err := os.MkdirAll(m.instances, 0o755); err != nil {
		return nil, fmt.Errorf("create instances dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.template), 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	log.Infow("workspace manager ready", "base", abs)
	return m, nil
}

func (m *Manager) TemplatePath() string { return m.template }

// PrepareTemplate fills the project template from projectDir unless a
// template already exists.
func (m *Manager) PrepareTemplate(projectDir string) error {
	if _, err := os.Stat(m.template); err == nil {
		m.log.Debugw("project template exists", "path", m.template)
		return nil
	}
	if err := os.MkdirAll(m.template, 0o755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}

	copied := 0
	for _, item := range templateItems {
		src := filepath.Join(projectDir, item)
		info, err := os.Stat(src)
		if err != nil {
			m.log.Warnw("template source missing, skipped", "item", item)
			continue
		}
		dst := filepath.Join(m.template, item)
		if info.IsDir() {
			err = os.CopyFS(dst, os.DirFS(src))
		} else {
			err = copyFile(src, dst, info.Mode().Perm())
		}
		if err != nil {
			return fmt.Errorf("copy %s into template: %w", item, err)
		}
		copied++
	}
	m.log.Infow("project template created", "path", m.template, "items", copied)
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, perm)
}

// Create copies the template into a fresh instance directory for the device
// and returns its path.
func (m *Manager) Create(deviceID, port string) (string, error) {
	if _, err := os.Stat(m.template); err != nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateMissing, m.template)
	}

	now := m.clock()
	name := workspaceName(deviceID, port, now)
	path := filepath.Join(m.instances, name)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear %s: %w", path, err)
	}
	if err := os.CopyFS(path, os.DirFS(m.template)); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("copy template for %s: %w", deviceID, err)
	}

	info := Info{DeviceID: deviceID, Port: port, CreatedAt: now, WorkspaceName: name}
	if err := writeJSON(filepath.Join(path, infoFile), info); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}
	m.log.Infow("workspace created", "device_id", deviceID, "path", path)
	return path, nil
}

func workspaceName(deviceID, port string, at time.Time) string {
	id := deviceID
	if port != "" {
		id = strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(port)
	}
	return fmt.Sprintf("device_%s_%s", id, at.Format(nameTimeLayout))
}

// Cleanup removes a workspace. Paths outside the instances directory are
// refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(m.instances, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s: not a workspace", path)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove workspace %s: %w", path, err)
	}
	m.log.Infow("workspace removed", "path", abs)
	return nil
}

// List returns the info of every workspace carrying a readable
// device_info.json.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.instances)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.instances, e.Name())
		var info Info
		if err := readJSON(filepath.Join(path, infoFile), &info); err != nil {
			m.log.Debugw("skip workspace without info", "path", path, "error", err)
			continue
		}
		info.WorkspacePath = path
		out = append(out, info)
	}
	return out, nil
}

// CleanupOlderThan removes workspaces created more than age ago and returns
// how many were removed.
func (m *Manager) CleanupOlderThan(age time.Duration) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.clock().Add(-age)
	removed := 0
	for _, info := range infos {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.Cleanup(info.WorkspacePath); err != nil {
			m.log.Warnw("remove old workspace failed", "path", info.WorkspacePath, "error", err)
			continue
		}
		removed++
	}
	m.log.Infow("old workspaces cleaned", "removed", removed, "max_age", age)
	return removed, nil
}

// SaveSnapshot writes snap as <path>/device_status.json.
func (m *Manager) SaveSnapshot(path string, snap models.DeviceSnapshot) error {
	return writeJSON(filepath.Join(path, statusFile), snap)
}

// LoadSnapshot reads <path>/device_status.json.
func (m *Manager) LoadSnapshot(path string) (models.DeviceSnapshot, error) {
	var snap models.DeviceSnapshot
	err := readJSON(filepath.Join(path, statusFile), &snap)
	return snap, err
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
