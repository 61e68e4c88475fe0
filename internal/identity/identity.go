package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Identity holds the device's management-service credentials and the
// firmware version it currently runs. An empty APIBaseURL or APIToken
// means the device has not been provisioned yet and must go through the
// registration flow before update checks can succeed.
type Identity struct {
	ID         string `yaml:"id,omitempty"`
	Version    string `yaml:"version"`
	APIBaseURL string `yaml:"api_base_url,omitempty"`
	APIToken   string `yaml:"api_token,omitempty"`

	path string
	mu   sync.Mutex
}

// FileName identity file name inside the data directory.
const FileName = "identity.yaml"

// Load reads the identity file from dataDir, returning an empty
// (unprovisioned) identity when the file does not exist yet.
func Load(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, FileName)

	id := &Identity{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	if err := yaml.Unmarshal(data, id); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	id.path = path
	return id, nil
}

// Provisioned reports whether the device carries a management endpoint
// and token. This is an explicit state, not a scattered nil check.
func (i *Identity) Provisioned() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.APIBaseURL != "" && i.APIToken != ""
}

// Credentials returns the endpoint and token for the current cycle.
func (i *Identity) Credentials() (baseURL, token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.APIBaseURL, i.APIToken
}

// FirmwareVersion returns the running firmware version string.
func (i *Identity) FirmwareVersion() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Version
}

// SetFirmwareVersion records a new firmware version and persists it.
func (i *Identity) SetFirmwareVersion(version string) error {
	i.mu.Lock()
	i.Version = version
	i.mu.Unlock()
	return i.Save()
}

// Deprovision clears the cached credentials so the device falls back to
// its registration flow on the next opportunity. It does not retry the
// request that triggered it.
func (i *Identity) Deprovision() error {
	i.mu.Lock()
	i.APIBaseURL = ""
	i.APIToken = ""
	i.mu.Unlock()

	log.Warn("device deprovisioned, credentials cleared; re-registration required")
	return i.Save()
}

// Save writes the identity file, keeping a .bak copy of the previous
// contents and restoring it if the write fails.
func (i *Identity) Save() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.path == "" {
		return fmt.Errorf("identity has no backing file")
	}

	data, err := yaml.Marshal(i)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(i.path), 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	backup := i.path + ".bak"
	hadPrevious := false
	if _, err := os.Stat(i.path); err == nil {
		hadPrevious = true
		if err := os.Rename(i.path, backup); err != nil {
			log.Warnf("failed to back up identity file: %v", err)
			hadPrevious = false
		}
	}

	if err := os.WriteFile(i.path, data, 0600); err != nil {
		if hadPrevious {
			if restoreErr := os.Rename(backup, i.path); restoreErr != nil {
				log.Errorf("failed to restore identity backup: %v", restoreErr)
			}
		}
		return fmt.Errorf("failed to save identity file: %w", err)
	}

	return nil
}
