package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalConfig is per-machine state kept in .sync_temp/config.json.
type LocalConfig struct {
	DeviceID string     `json:"device_id,omitempty"`
	LastPort string     `json:"last_port,omitempty"`
	Board    LocalBoard `json:"board,omitempty"`
	dir      string
}

// LocalBoard remembers what the last connected device reported.
type LocalBoard struct {
	Address   string `json:"address,omitempty"`
	Transport string `json:"transport,omitempty"`
	Version   string `json:"version,omitempty"`
}

// LocalConfigPath returns the path of the local state below dir.
func LocalConfigPath(dir string) string {
	return filepath.Join(dir, ".sync_temp", "config.json")
}

// LoadLocalConfig reads the local state of the project in dir. A missing
// file yields an empty state.
func LoadLocalConfig(dir string) (*LocalConfig, error) {
	lc := &LocalConfig{dir: dir}
	data, err := os.ReadFile(LocalConfigPath(dir))
	if os.IsNotExist(err) {
		return lc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local config: %w", err)
	}
	if err := json.Unmarshal(data, lc); err != nil {
		return nil, fmt.Errorf("failed to parse local config: %w", err)
	}
	return lc, nil
}

// Save writes the local state back.
func (lc *LocalConfig) Save() error {
	path := LocalConfigPath(lc.dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create .sync_temp directory: %w", err)
	}
	data, err := json.MarshalIndent(lc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal local config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write local config: %w", err)
	}
	return nil
}

// EnsureDeviceID gives this checkout a stable id, reporting whether one was
// generated.
func (lc *LocalConfig) EnsureDeviceID() bool {
	if lc.DeviceID != "" {
		return false
	}
	lc.DeviceID = uuid.NewString()
	return true
}

// GetOrCreateLocalConfig loads the local state and persists a new device id
// if it had none.
func GetOrCreateLocalConfig(dir string) (*LocalConfig, error) {
	lc, err := LoadLocalConfig(dir)
	if err != nil {
		return nil, err
	}
	if lc.EnsureDeviceID() {
		if err := lc.Save(); err != nil {
			return nil, err
		}
	}
	return lc, nil
}
