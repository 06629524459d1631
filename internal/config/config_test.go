// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
matrix:
  homeserver: "https://matrix.example.org"
  username: "krill"
  password: "hunter2"
gateway:
  url: "http://localhost:8080"
pairing:
  agents:
    - id: jarvis
      display_name: Jarvis
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bridge.yaml")

	configContent := `
data_dir: "` + tmpDir + `"
matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@krill:example.org"
  access_token: "syt_token"
  encryption: true
  allowed_rooms: ["!room:example.org"]
gateway:
  url: "http://localhost:8080"
  timeout: "2m"
pairing:
  backend: sqlite
  default_agent: friday
  agents:
    - id: jarvis
      display_name: Jarvis
    - id: friday
      display_name: Friday
senses:
  location:
    movement_threshold_m: 75
    geocode_timeout: "3s"
    geofences:
      - {id: home, name: Home, lat: 41.38, lon: 2.17, radius_m: 120}
  audio:
    wake_words: ["krill", "hey krill"]
    context_window_seconds: 90
  camera:
    enabled: false
    fetch_timeout: "15s"
    capture_interval: "10s"
patch:
  target: "/etc/agent/config.json"
  allowed_senders: ["@owner:example.org"]
  allowlist_path: "channels.matrix.allow_from"
  restart_command: ["systemctl", "restart", "agent"]
  health_url: "http://localhost:9000/health"
  health_timeout: "45s"
  health_interval: "1s"
health:
  grace: "10m"
  probe_timeout: "20s"
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.UserID != "@krill:example.org" {
		t.Errorf("Matrix.UserID = %q", cfg.Matrix.UserID)
	}
	if !cfg.Matrix.Encryption {
		t.Error("Matrix.Encryption = false, want true")
	}
	if cfg.Gateway.Timeout != 2*time.Minute {
		t.Errorf("Gateway.Timeout = %v, want 2m", cfg.Gateway.Timeout)
	}
	if cfg.Pairing.Backend != BackendSQLite {
		t.Errorf("Pairing.Backend = %q", cfg.Pairing.Backend)
	}
	if want := filepath.Join(tmpDir, "pairings.db"); cfg.Pairing.Path != want {
		t.Errorf("Pairing.Path = %q, want %q", cfg.Pairing.Path, want)
	}
	if cfg.Pairing.DefaultAgent != "friday" {
		t.Errorf("Pairing.DefaultAgent = %q", cfg.Pairing.DefaultAgent)
	}
	if cfg.Senses.Location.MovementThresholdM != 75 {
		t.Errorf("MovementThresholdM = %v", cfg.Senses.Location.MovementThresholdM)
	}
	if cfg.Senses.Location.GeocodeTimeout != 3*time.Second {
		t.Errorf("GeocodeTimeout = %v", cfg.Senses.Location.GeocodeTimeout)
	}
	if len(cfg.Senses.Location.Geofences) != 1 || cfg.Senses.Location.Geofences[0].RadiusM != 120 {
		t.Errorf("Geofences = %+v", cfg.Senses.Location.Geofences)
	}
	if len(cfg.Senses.Audio.WakeWords) != 2 {
		t.Errorf("WakeWords = %v", cfg.Senses.Audio.WakeWords)
	}
	if SenseEnabled(cfg.Senses.Camera.Enabled) {
		t.Error("camera should be disabled")
	}
	if !SenseEnabled(cfg.Senses.Audio.Enabled) {
		t.Error("audio should default to enabled")
	}
	if cfg.Senses.Camera.CaptureInterval != 10*time.Second {
		t.Errorf("CaptureInterval = %v", cfg.Senses.Camera.CaptureInterval)
	}
	if cfg.Patch.HealthTimeout != 45*time.Second || cfg.Patch.HealthInterval != time.Second {
		t.Errorf("Patch health timings = %v / %v", cfg.Patch.HealthTimeout, cfg.Patch.HealthInterval)
	}
	if strings.Join(cfg.Patch.RestartCommand, " ") != "systemctl restart agent" {
		t.Errorf("RestartCommand = %v", cfg.Patch.RestartCommand)
	}
	if cfg.Health.Grace != 10*time.Minute || cfg.Health.ProbeTimeout != 20*time.Second {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestParse_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.DataDir != "/tmp/xdg-data/krill" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Pairing.Backend != BackendFile {
		t.Errorf("Pairing.Backend = %q", cfg.Pairing.Backend)
	}
	if cfg.Pairing.Path != "/tmp/xdg-data/krill/pairings.json" {
		t.Errorf("Pairing.Path = %q", cfg.Pairing.Path)
	}
	if cfg.Pairing.DefaultAgent != "jarvis" {
		t.Errorf("DefaultAgent = %q", cfg.Pairing.DefaultAgent)
	}
	if cfg.Gateway.Frontend != "krill-matrix" {
		t.Errorf("Frontend = %q", cfg.Gateway.Frontend)
	}
	if cfg.Dedupe.TTL != 10*time.Minute || cfg.Dedupe.MaxEvents != 4096 {
		t.Errorf("Dedupe = %+v", cfg.Dedupe)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Patch.Target != "" {
		t.Errorf("Patch.Target = %q, want disabled", cfg.Patch.Target)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("KRILL_TEST_PASSWORD", "from-env")

	cfg, err := Parse([]byte(strings.Replace(minimalConfig, `"hunter2"`, `"${KRILL_TEST_PASSWORD}"`, 1)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Matrix.Password != "from-env" {
		t.Errorf("Password = %q, want from-env", cfg.Matrix.Password)
	}

	if got := expandEnvVars("x=${KRILL_TEST_UNSET_VAR}"); got != "x=" {
		t.Errorf("expandEnvVars unset = %q", got)
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing homeserver",
			mutate:  func(s string) string { return strings.Replace(s, `homeserver: "https://matrix.example.org"`, "", 1) },
			wantErr: "matrix.homeserver is required",
		},
		{
			name:    "missing credentials",
			mutate:  func(s string) string { return strings.Replace(s, `password: "hunter2"`, "", 1) },
			wantErr: "matrix.access_token or matrix.username",
		},
		{
			name:    "bad gateway scheme",
			mutate:  func(s string) string { return strings.Replace(s, "http://localhost:8080", "ftp://localhost", 1) },
			wantErr: "gateway.url must use http or https",
		},
		{
			name:    "unknown backend",
			mutate:  func(s string) string { return s + "\n  backend: redis\n" },
			wantErr: "pairing.backend",
		},
		{
			name:    "unknown default agent",
			mutate:  func(s string) string { return s + "\n  default_agent: nobody\n" },
			wantErr: "pairing.default_agent",
		},
		{
			name:    "no agents",
			mutate:  func(s string) string { return s[:strings.Index(s, "pairing:")] },
			wantErr: "pairing.agents",
		},
		{
			name:    "patch without senders",
			mutate:  func(s string) string { return s + "patch:\n  target: /tmp/x.json\n" },
			wantErr: "patch.allowed_senders",
		},
		{
			name: "restart without health url",
			mutate: func(s string) string {
				return s + "patch:\n  target: /tmp/x.json\n  allowed_senders: [\"@a:b\"]\n  restart_command: [\"true\"]\n"
			},
			wantErr: "patch.restart_command requires patch.health_url",
		},
		{
			name:    "bad duration",
			mutate:  func(s string) string { return s + "health:\n  grace: soon\n" },
			wantErr: "health.grace",
		},
		{
			name:    "bad log format",
			mutate:  func(s string) string { return s + "logging:\n  format: xml\n" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(minimalConfig)))
			if err == nil {
				t.Fatalf("Parse() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("KRILL_CONFIG", "/etc/krill/custom.yaml")
	if got := DefaultPath(); got != "/etc/krill/custom.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("KRILL_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	if got := DefaultPath(); got != "/tmp/xdg-config/krill/bridge.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}
