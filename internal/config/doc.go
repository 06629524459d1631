// Package config handles configuration loading for the krill bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the KRILL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/krill/bridge.yaml
//  3. ~/.config/krill/bridge.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}; unset
// variables expand to the empty string:
//
//	matrix:
//	  password: "${KRILL_MATRIX_PASSWORD}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	patch:
//	  health_timeout: "60s"
//	  health_interval: "2s"
//
// # Example
//
//	data_dir: /var/lib/krill
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  username: "krill"
//	  password: "${KRILL_MATRIX_PASSWORD}"
//	  encryption: true
//
//	gateway:
//	  url: "http://localhost:8080"
//
//	pairing:
//	  backend: sqlite
//	  agents:
//	    - id: jarvis
//	      display_name: Jarvis
//
//	senses:
//	  location:
//	    geocoder_url: "https://nominatim.openstreetmap.org"
//	    geofences:
//	      - {id: home, name: Home, lat: 41.3874, lon: 2.1686, radius_m: 100}
//	  audio:
//	    wake_words: ["krill"]
//
//	patch:
//	  target: /etc/agent/config.json
//	  allowed_senders: ["@owner:example.org"]
//	  allowlist_path: channels.matrix.allow_from
//	  restart_command: ["systemctl", "restart", "agent"]
//	  health_url: "http://localhost:8080/health"
//
//	logging:
//	  level: info
//	  format: json
package config
