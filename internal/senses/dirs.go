// ABOUTME: Per-agent sense directory layout under the bridge data directory
// ABOUTME: senses/<agent>/{location,audio,camera}; agent ids are sanitized for the filesystem

package senses

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// dayLayout names daily files (history, transcripts).
const dayLayout = "2006-01-02"

// Dirs resolves sense storage paths.
type Dirs struct {
	Root string
}

// NewDirs returns the layout rooted at dataDir/senses.
func NewDirs(dataDir string) Dirs {
	return Dirs{Root: filepath.Join(dataDir, "senses")}
}

// Agent returns the root directory for one agent.
func (d Dirs) Agent(agentID string) string {
	return filepath.Join(d.Root, sanitize(agentID))
}

func (d Dirs) location(agentID string) string { return filepath.Join(d.Agent(agentID), "location") }
func (d Dirs) audio(agentID string) string    { return filepath.Join(d.Agent(agentID), "audio") }
func (d Dirs) camera(agentID string) string   { return filepath.Join(d.Agent(agentID), "camera") }

// CurrentLocationPath is the latest significant fix.
func (d Dirs) CurrentLocationPath(agentID string) string {
	return filepath.Join(d.location(agentID), "current.json")
}

// GeofencesPath holds geofence definitions.
func (d Dirs) GeofencesPath(agentID string) string {
	return filepath.Join(d.location(agentID), "geofences.json")
}

// GeofenceStatePath holds per-geofence containment state.
func (d Dirs) GeofenceStatePath(agentID string) string {
	return filepath.Join(d.location(agentID), "geofence-state.json")
}

// HistoryPath is the append-only history log for the day of t.
func (d Dirs) HistoryPath(agentID string, t time.Time) string {
	return filepath.Join(d.location(agentID), "history", t.Format(dayLayout)+".jsonl")
}

// AudioConfigPath holds persisted audio settings.
func (d Dirs) AudioConfigPath(agentID string) string {
	return filepath.Join(d.audio(agentID), "config.json")
}

// MicSessionPath holds the microphone-active record.
func (d Dirs) MicSessionPath(agentID string) string {
	return filepath.Join(d.audio(agentID), "session.json")
}

// TranscriptDir holds daily transcript logs.
func (d Dirs) TranscriptDir(agentID string) string {
	return filepath.Join(d.audio(agentID), "transcripts")
}

// TranscriptPath is the transcript log for the day of t.
func (d Dirs) TranscriptPath(agentID string, t time.Time) string {
	return filepath.Join(d.TranscriptDir(agentID), t.Format(dayLayout)+".log")
}

// CaptureDir holds timestamp-named motion captures.
func (d Dirs) CaptureDir(agentID string) string {
	return filepath.Join(d.camera(agentID), "captures")
}

// LatestCapturePath is the "latest" pointer for the given extension.
func (d Dirs) LatestCapturePath(agentID, ext string) string {
	return filepath.Join(d.camera(agentID), "latest"+ext)
}

// MotionLogPath holds the bounded motion event log.
func (d Dirs) MotionLogPath(agentID string) string {
	return filepath.Join(d.camera(agentID), "motion-log.json")
}

// sanitize maps an agent id to a single safe path segment.
func sanitize(id string) string {
	if id == "" {
		return "_default"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s == "." || s == ".." {
		return "_" + s
	}
	return s
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
