package types

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserConfig user config structure
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// UsersConfig user config file structure
type UsersConfig struct {
	Users []UserConfig `yaml:"users"`
}

// AppConfig application config structure, loaded from agent.yaml
type AppConfig struct {
	Port              int            `yaml:"port"`
	JWTSecret         string         `yaml:"jwt_secret"`
	JWTExpiryDuration int            `yaml:"jwt_expiry_duration"`
	Mode              string         `yaml:"mode"` // "dev" | "prod" | "test"
	Database          DatabaseConfig `yaml:"database"`
	Device            DeviceConfig   `yaml:"device"`
	Update            UpdateConfig   `yaml:"update"`
	Timeouts          TimeoutConfig  `yaml:"timeouts"`
}

// DatabaseConfig database section
type DatabaseConfig struct {
	Type             string `yaml:"type"`     // sqlite
	Database         string `yaml:"database"` // database file path
	LogRetentionDays int    `yaml:"log_retention_days"`
}

// DeviceConfig device section, sent verbatim inside the update check body
type DeviceConfig struct {
	ID          string            `yaml:"id" json:"id,omitempty"`
	Name        string            `yaml:"name" json:"name,omitempty"`
	Product     string            `yaml:"product" json:"product,omitempty"`
	DataDir     string            `yaml:"data_dir" json:"-"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Tags        map[string]string `yaml:"tags" json:"tags,omitempty"`
}

// UpdateConfig update section, read once per check cycle
type UpdateConfig struct {
	Enable    bool   `yaml:"enable"`
	Schedule  string `yaml:"schedule"` // cron expression for update checks
	Period    string `yaml:"period"`   // minimum spacing between checks
	Jitter    string `yaml:"jitter"`   // random offset added to the delay
	Apply     string `yaml:"apply"`    // cron expression for the apply window
	Throttle  int64  `yaml:"throttle"` // download throttle, bytes per second, 0 = unlimited
	HooksFile string `yaml:"hooks_file"`
}

// TimeoutConfig timeouts section
type TimeoutConfig struct {
	API      string `yaml:"api"`
	Download string `yaml:"download"`
}

// PeriodDuration parses the configured period, defaulting to 24h.
func (u *UpdateConfig) PeriodDuration() time.Duration {
	return parseDuration(u.Period, 24*time.Hour)
}

// JitterDuration parses the configured jitter, defaulting to 10m.
func (u *UpdateConfig) JitterDuration() time.Duration {
	return parseDuration(u.Jitter, 10*time.Minute)
}

// APITimeout parses the api timeout, defaulting to 30s.
func (t *TimeoutConfig) APITimeout() time.Duration {
	return parseDuration(t.API, 30*time.Second)
}

// DownloadTimeout parses the download timeout, defaulting to 2h.
// Images can be large, so this is independent from the api timeout.
func (t *TimeoutConfig) DownloadTimeout() time.Duration {
	return parseDuration(t.Download, 2*time.Hour)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Claims JWT claim structure
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// UserResponse user response structure
type UserResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ClientSession client session structure
type ClientSession struct {
	ID        int       `json:"id"`
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	LastUsed  time.Time `json:"lastUsed"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientResponse client response structure
type ClientResponse struct {
	Token string `json:"token"`
	ID    int    `json:"id"`
	Name  string `json:"name"`
}

// UpdateStatusResponse local API view of the update loop
type UpdateStatusResponse struct {
	Enabled      bool   `json:"enabled"`
	Provisioned  bool   `json:"provisioned"`
	Version      string `json:"version"`
	AgentVersion string `json:"agentVersion"`
	LastUpdate   string `json:"lastUpdate,omitempty"`
	NextCheck    string `json:"nextCheck,omitempty"`
	PendingApply string `json:"pendingApply,omitempty"`
}

// WSMessage websocket envelope
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// UpdateCheckMessage broadcast after every check cycle
type UpdateCheckMessage struct {
	Success    bool   `json:"success"`
	Version    string `json:"version,omitempty"`
	Available  bool   `json:"available"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// UpdateApplyingMessage broadcast right before the apply hook runs,
// giving cooperating components a chance to quiesce
type UpdateApplyingMessage struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// UpdateAppliedMessage broadcast once the apply hook returned
type UpdateAppliedMessage struct {
	Version   string `json:"version"`
	Directive string `json:"directive"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
}

var GootaAppConfig *AppConfig // application config

var GootaUsersConfig *UsersConfig // user config

func (c *AppConfig) SetMode(mode string) {
	// only "test" or "dev" or "prod" is allowed
	if mode != "test" && mode != "dev" && mode != "prod" {
		mode = "test"
	}
	c.Mode = mode
}
