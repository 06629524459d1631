// ABOUTME: Configuration loading for the krill bridge
// ABOUTME: YAML with ${VAR} expansion, duration strings, defaults and validation

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Pairing store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete bridge configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Matrix  MatrixConfig  `yaml:"matrix"`
	Gateway GatewayConfig `yaml:"gateway"`
	Pairing PairingConfig `yaml:"pairing"`
	Senses  SensesConfig  `yaml:"senses"`
	Patch   PatchConfig   `yaml:"patch"`
	Health  HealthConfig  `yaml:"health"`
	Dedupe  DedupeConfig  `yaml:"dedupe"`
	Logging LoggingConfig `yaml:"logging"`
}

// MatrixConfig holds the bridge account. Either access_token or
// username/password is required.
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	DeviceName   string   `yaml:"device_name"`
	Encryption   bool     `yaml:"encryption"`
	RecoveryKey  string   `yaml:"recovery_key"`
	PickleSecret string   `yaml:"pickle_secret"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

// GatewayConfig points at the agent gateway HTTP API.
type GatewayConfig struct {
	URL      string `yaml:"url"`
	Frontend string `yaml:"frontend"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// AgentConfig describes a pairable agent.
type AgentConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// PairingConfig selects the pairing store.
type PairingConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	DefaultAgent string        `yaml:"default_agent"`
	Agents       []AgentConfig `yaml:"agents"`
}

// SensesConfig groups the per-sense settings.
type SensesConfig struct {
	Location LocationConfig `yaml:"location"`
	Audio    AudioConfig    `yaml:"audio"`
	Camera   CameraConfig   `yaml:"camera"`
}

// GeofenceConfig is a default geofence applied to agents without their own.
type GeofenceConfig struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	RadiusM float64 `yaml:"radius_m"`
}

// LocationConfig configures the location sense.
type LocationConfig struct {
	Enabled            *bool            `yaml:"enabled"`
	MovementThresholdM float64          `yaml:"movement_threshold_m"`
	GeocoderURL        string           `yaml:"geocoder_url"`
	GeocoderUserAgent  string           `yaml:"geocoder_user_agent"`
	Geofences          []GeofenceConfig `yaml:"geofences"`

	GeocodeTimeout    time.Duration `yaml:"-"`
	GeocodeTimeoutRaw string        `yaml:"geocode_timeout"`
}

// AudioConfig configures the audio sense.
type AudioConfig struct {
	Enabled              *bool    `yaml:"enabled"`
	RingCapacity         int      `yaml:"ring_capacity"`
	MaxTranscriptBytes   int64    `yaml:"max_transcript_bytes"`
	WakeWords            []string `yaml:"wake_words"`
	Language             string   `yaml:"language"`
	ContextWindowSeconds int      `yaml:"context_window_seconds"`
}

// CameraConfig configures the camera sense.
type CameraConfig struct {
	Enabled      *bool `yaml:"enabled"`
	MinBytes     int   `yaml:"min_bytes"`
	MaxCaptures  int   `yaml:"max_captures"`
	MaxMotionLog int   `yaml:"max_motion_log"`
	CaptureBurst int   `yaml:"capture_burst"`
	// MediaToken is sent as a bearer token for https media URLs.
	MediaToken string `yaml:"media_token"`

	FetchTimeout       time.Duration `yaml:"-"`
	FetchTimeoutRaw    string        `yaml:"fetch_timeout"`
	CaptureInterval    time.Duration `yaml:"-"`
	CaptureIntervalRaw string        `yaml:"capture_interval"`
}

// PatchConfig configures the configuration patch engine. An empty target
// disables config.update and the allow-list commands.
type PatchConfig struct {
	Target         string   `yaml:"target"`
	Backup         string   `yaml:"backup"`
	AllowedSenders []string `yaml:"allowed_senders"`
	AllowlistPath  string   `yaml:"allowlist_path"`
	RestartCommand []string `yaml:"restart_command"`
	HealthURL      string   `yaml:"health_url"`

	RestartTimeout    time.Duration `yaml:"-"`
	RestartTimeoutRaw string        `yaml:"restart_timeout"`
	HealthTimeout     time.Duration `yaml:"-"`
	HealthTimeoutRaw  string        `yaml:"health_timeout"`
	HealthInterval    time.Duration `yaml:"-"`
	HealthIntervalRaw string        `yaml:"health_interval"`
}

// HealthConfig configures the health responder.
type HealthConfig struct {
	Grace           time.Duration `yaml:"-"`
	GraceRaw        string        `yaml:"grace"`
	ProbeTimeout    time.Duration `yaml:"-"`
	ProbeTimeoutRaw string        `yaml:"probe_timeout"`
}

// DedupeConfig bounds the duplicate-delivery window.
type DedupeConfig struct {
	MaxEvents int           `yaml:"max_events"`
	TTL       time.Duration `yaml:"-"`
	TTLRaw    string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, parses, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// DefaultPath returns the config location.
// Priority: KRILL_CONFIG > $XDG_CONFIG_HOME/krill/bridge.yaml > ~/.config/krill/bridge.yaml
func DefaultPath() string {
	if p := os.Getenv("KRILL_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "krill", "bridge.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/krill or ~/.local/share/krill.
func DefaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "krill")
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Gateway.Frontend == "" {
		c.Gateway.Frontend = "krill-matrix"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 5 * time.Minute
	}
	if c.Pairing.Backend == "" {
		c.Pairing.Backend = BackendFile
	}
	if c.Pairing.Path == "" {
		name := "pairings.json"
		if c.Pairing.Backend == BackendSQLite {
			name = "pairings.db"
		}
		c.Pairing.Path = filepath.Join(c.DataDir, name)
	}
	if c.Pairing.DefaultAgent == "" && len(c.Pairing.Agents) > 0 {
		c.Pairing.DefaultAgent = c.Pairing.Agents[0].ID
	}
	if c.Senses.Location.GeocoderUserAgent == "" {
		c.Senses.Location.GeocoderUserAgent = "krill-matrix"
	}
	if c.Patch.RestartTimeout == 0 {
		c.Patch.RestartTimeout = 60 * time.Second
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEvents == 0 {
		c.Dedupe.MaxEvents = 4096
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate reports the first invalid or missing field.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
	}
	if c.Matrix.AccessToken != "" && c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required with matrix.access_token")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}

	if c.Pairing.Backend != BackendFile && c.Pairing.Backend != BackendSQLite {
		return fmt.Errorf("pairing.backend must be %q or %q", BackendFile, BackendSQLite)
	}
	if len(c.Pairing.Agents) == 0 {
		return fmt.Errorf("pairing.agents must list at least one agent")
	}
	found := false
	for _, a := range c.Pairing.Agents {
		if a.ID == "" {
			return fmt.Errorf("pairing.agents entries require an id")
		}
		if a.ID == c.Pairing.DefaultAgent {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("pairing.default_agent %q is not listed in pairing.agents", c.Pairing.DefaultAgent)
	}

	for _, g := range c.Senses.Location.Geofences {
		if g.ID == "" || g.RadiusM <= 0 {
			return fmt.Errorf("senses.location.geofences entries require an id and a positive radius_m")
		}
	}

	if c.Patch.Target != "" {
		if len(c.Patch.AllowedSenders) == 0 {
			return fmt.Errorf("patch.allowed_senders is required when patch.target is set")
		}
		if c.Patch.HealthURL != "" && len(c.Patch.RestartCommand) == 0 {
			return fmt.Errorf("patch.health_url requires patch.restart_command")
		}
		if len(c.Patch.RestartCommand) > 0 && c.Patch.HealthURL == "" {
			return fmt.Errorf("patch.restart_command requires patch.health_url")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// SenseEnabled reports whether a sense is turned on; senses default to on.
func SenseEnabled(flag *bool) bool {
	return flag == nil || *flag
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.timeout", cfg.Gateway.TimeoutRaw, &cfg.Gateway.Timeout},
		{"senses.location.geocode_timeout", cfg.Senses.Location.GeocodeTimeoutRaw, &cfg.Senses.Location.GeocodeTimeout},
		{"senses.camera.fetch_timeout", cfg.Senses.Camera.FetchTimeoutRaw, &cfg.Senses.Camera.FetchTimeout},
		{"senses.camera.capture_interval", cfg.Senses.Camera.CaptureIntervalRaw, &cfg.Senses.Camera.CaptureInterval},
		{"patch.restart_timeout", cfg.Patch.RestartTimeoutRaw, &cfg.Patch.RestartTimeout},
		{"patch.health_timeout", cfg.Patch.HealthTimeoutRaw, &cfg.Patch.HealthTimeout},
		{"patch.health_interval", cfg.Patch.HealthIntervalRaw, &cfg.Patch.HealthInterval},
		{"health.grace", cfg.Health.GraceRaw, &cfg.Health.Grace},
		{"health.probe_timeout", cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
