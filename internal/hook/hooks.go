package hook

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// ApplyHookID is the hook id the update applier looks for.
const ApplyHookID = "apply-update"

// Hook maps a hook id to the external command the agent runs for it.
// Files may be JSON or YAML; YAML is converted through ghodss/yaml so
// the json tags stay the single source of field names.
type Hook struct {
	ID                      string `json:"id"`
	ExecuteCommand          string `json:"execute-command"`
	CommandWorkingDirectory string `json:"command-working-directory,omitempty"`
	Timeout                 string `json:"timeout,omitempty"`
}

// Hooks is an array of Hook objects, the top-level hooks file structure.
type Hooks []Hook

// LoadFromFile attempts to load hooks from the specified file.
func (h *Hooks) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	j, err := yaml.YAMLToJSON(file)
	if err != nil {
		return fmt.Errorf("failed to convert hooks file to JSON: %w", err)
	}

	return json.Unmarshal(j, h)
}

// Match iterates through the hooks and returns the first one with the
// given id, nil if none matches.
func (h *Hooks) Match(id string) *Hook {
	for i := range *h {
		if (*h)[i].ID == id {
			return &(*h)[i]
		}
	}
	return nil
}

// CommandTimeout parses the per-hook timeout, defaulting to 10 minutes.
func (h *Hook) CommandTimeout() time.Duration {
	if h.Timeout == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(h.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}
