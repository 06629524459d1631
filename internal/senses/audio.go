// ABOUTME: Audio sense: silent transcript buffering and wake-word promotion to the agent
// ABOUTME: Daily transcript logs are size-capped; earlier days are compressed with zstd

package senses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/silverbacking/krill/internal/fsutil"
	"github.com/silverbacking/krill/internal/keylock"
	"github.com/silverbacking/krill/internal/protocol"
)

// Audio event kinds.
const (
	AudioTranscriptChunk = "transcript_chunk"
	AudioWakeWord        = "wake_word"
	AudioConfigure       = "config"
	AudioSessionStart    = "session_start"
	AudioSessionEnd      = "session_end"
)

// Audio defaults.
const (
	DefaultRingCapacity       = 256
	DefaultContextWindow      = 120 * time.Second
	DefaultMaxTranscriptBytes = 5 << 20
)

// AudioConfig is the persisted audio configuration.
type AudioConfig struct {
	WakeWords            []string `json:"wake_words"`
	Language             string   `json:"language"`
	ContextWindowSeconds int      `json:"context_window_seconds"`
}

// AudioSettings is a partial AudioConfig; nil fields are left unchanged.
type AudioSettings struct {
	WakeWords            []string `json:"wake_words,omitempty"`
	Language             *string  `json:"language,omitempty"`
	ContextWindowSeconds *int     `json:"context_window_seconds,omitempty"`
}

// MicSession records whether the microphone is active.
type MicSession struct {
	Active    bool       `json:"active"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// AudioEvent is the content of a sense.audio message.
type AudioEvent struct {
	Event     string         `json:"event"`
	Text      string         `json:"text,omitempty"`
	Query     string         `json:"query,omitempty"`
	WakeWord  string         `json:"wake_word,omitempty"`
	Snippet   string         `json:"snippet,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
	Settings  *AudioSettings `json:"settings,omitempty"`
}

// AudioResult is the outcome of one audio event. Derived is the text to
// inject toward the agent; it is set only for wake words.
type AudioResult struct {
	Event    string       `json:"event"`
	Buffered int          `json:"buffered"`
	Logged   bool         `json:"logged"`
	Config   *AudioConfig `json:"config,omitempty"`
	Session  *MicSession  `json:"session,omitempty"`
	Derived  string       `json:"-"`
}

// AudioOptions configures an AudioSense.
type AudioOptions struct {
	RingCapacity       int
	MaxTranscriptBytes int64
	Defaults           AudioConfig
}

// AudioSense owns transcript buffers for all agents.
type AudioSense struct {
	dirs    Dirs
	opts    AudioOptions
	locks   *keylock.Map
	encoder *zstd.Encoder
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	rings     map[string]*TranscriptRing
	compacted map[string]string // agent -> day whose predecessors are compressed
}

// NewAudioSense creates the audio sense.
func NewAudioSense(dirs Dirs, opts AudioOptions, locks *keylock.Map, logger *slog.Logger) (*AudioSense, error) {
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = DefaultRingCapacity
	}
	if opts.MaxTranscriptBytes <= 0 {
		opts.MaxTranscriptBytes = DefaultMaxTranscriptBytes
	}
	if opts.Defaults.ContextWindowSeconds <= 0 {
		opts.Defaults.ContextWindowSeconds = int(DefaultContextWindow / time.Second)
	}
	if locks == nil {
		locks = &keylock.Map{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	return &AudioSense{
		dirs:      dirs,
		opts:      opts,
		locks:     locks,
		encoder:   encoder,
		logger:    logger.With("component", "sense-audio"),
		now:       func() time.Time { return time.Now().UTC() },
		rings:     make(map[string]*TranscriptRing),
		compacted: make(map[string]string),
	}, nil
}

// Handle processes one audio event for agentID.
func (a *AudioSense) Handle(ctx context.Context, agentID string, ev AudioEvent) (*AudioResult, error) {
	now := a.now()
	at := ev.Timestamp.orNow(now)
	ring := a.ring(agentID)

	switch ev.Event {
	case AudioTranscriptChunk:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: transcript_chunk requires text", protocol.ErrValidation)
		}
		ring.Add(text, now)
		logged := a.appendTranscript(agentID, at, now, text)
		return &AudioResult{Event: ev.Event, Buffered: ring.Len(), Logged: logged}, nil

	case AudioWakeWord:
		return a.wakeWord(agentID, ev, at, now, ring)

	case AudioConfigure:
		if ev.Settings == nil {
			return nil, fmt.Errorf("%w: config requires settings", protocol.ErrValidation)
		}
		cfg, err := a.mergeConfig(agentID, *ev.Settings)
		if err != nil {
			return nil, err
		}
		return &AudioResult{Event: ev.Event, Buffered: ring.Len(), Config: cfg}, nil

	case AudioSessionStart, AudioSessionEnd:
		session, err := a.setSession(agentID, ev.Event == AudioSessionStart, now)
		if err != nil {
			return nil, err
		}
		if ev.Event == AudioSessionEnd {
			ring.Clear()
		}
		return &AudioResult{Event: ev.Event, Buffered: ring.Len(), Session: session}, nil

	default:
		return nil, fmt.Errorf("%w: unknown audio event %q", protocol.ErrValidation, ev.Event)
	}
}

func (a *AudioSense) wakeWord(agentID string, ev AudioEvent, at, now time.Time, ring *TranscriptRing) (*AudioResult, error) {
	query := strings.TrimSpace(ev.Query)
	if query == "" {
		query = strings.TrimSpace(ev.Text)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: wake_word requires a query", protocol.ErrValidation)
	}

	cfg, err := a.Config(agentID)
	if err != nil {
		a.logger.Warn("unreadable audio config, using defaults", "agent_id", agentID, "error", err)
		cfg = a.defaults()
	}

	snippet := strings.TrimSpace(ev.Snippet)
	if snippet == "" {
		window := time.Duration(cfg.ContextWindowSeconds) * time.Second
		snippet = joinEntries(ring.Since(now.Add(-window)))
	}

	wake := ev.WakeWord
	if wake == "" && len(cfg.WakeWords) > 0 {
		wake = cfg.WakeWords[0]
	}

	var b strings.Builder
	if wake != "" {
		fmt.Fprintf(&b, "🎙️ Voice query (wake word %q)\n", wake)
	} else {
		b.WriteString("🎙️ Voice query\n")
	}
	if snippet != "" {
		fmt.Fprintf(&b, "Context: %q\n", snippet)
	}
	fmt.Fprintf(&b, "Query: %s", query)

	logged := a.appendTranscript(agentID, at, now, "[wake] "+query)
	return &AudioResult{Event: ev.Event, Buffered: ring.Len(), Logged: logged, Derived: b.String()}, nil
}

// Config returns the persisted audio configuration or the defaults.
func (a *AudioSense) Config(agentID string) (*AudioConfig, error) {
	cfg := a.defaults()
	err := fsutil.ReadJSON(a.dirs.AudioConfigPath(agentID), cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *AudioSense) defaults() *AudioConfig {
	d := a.opts.Defaults
	d.WakeWords = append([]string(nil), d.WakeWords...)
	return &d
}

func (a *AudioSense) mergeConfig(agentID string, s AudioSettings) (*AudioConfig, error) {
	if s.ContextWindowSeconds != nil && *s.ContextWindowSeconds <= 0 {
		return nil, fmt.Errorf("%w: context_window_seconds must be positive", protocol.ErrValidation)
	}

	unlock := a.locks.Lock("audio:" + agentID)
	defer unlock()

	cfg, err := a.Config(agentID)
	if err != nil {
		a.logger.Warn("unreadable audio config, rebuilding from defaults", "agent_id", agentID, "error", err)
		cfg = a.defaults()
	}
	if s.WakeWords != nil {
		cfg.WakeWords = s.WakeWords
	}
	if s.Language != nil {
		cfg.Language = *s.Language
	}
	if s.ContextWindowSeconds != nil {
		cfg.ContextWindowSeconds = *s.ContextWindowSeconds
	}

	if err := fsutil.WriteJSONAtomic(a.dirs.AudioConfigPath(agentID), cfg, 0644); err != nil {
		return nil, fmt.Errorf("%w: saving audio config: %v", protocol.ErrTransient, err)
	}
	return cfg, nil
}

func (a *AudioSense) setSession(agentID string, active bool, now time.Time) (*MicSession, error) {
	unlock := a.locks.Lock("audio:" + agentID)
	defer unlock()

	var session MicSession
	if err := fsutil.ReadJSON(a.dirs.MicSessionPath(agentID), &session); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("unreadable mic session, resetting", "agent_id", agentID, "error", err)
		session = MicSession{}
	}
	session.Active = active
	if active {
		session.StartedAt = &now
		session.EndedAt = nil
	} else {
		session.EndedAt = &now
	}

	if err := fsutil.WriteJSONAtomic(a.dirs.MicSessionPath(agentID), session, 0644); err != nil {
		return nil, fmt.Errorf("%w: saving mic session: %v", protocol.ErrTransient, err)
	}
	a.logger.Info("microphone session changed", "agent_id", agentID, "active", active)
	return &session, nil
}

func (a *AudioSense) ring(agentID string) *TranscriptRing {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rings[agentID]
	if !ok {
		r = NewTranscriptRing(a.opts.RingCapacity)
		a.rings[agentID] = r
	}
	return r
}

// appendTranscript mirrors a fragment to the log for the day it was received.
// The line carries the client timestamp at. It returns false when the line
// was dropped (size cap reached or I/O failure).
func (a *AudioSense) appendTranscript(agentID string, at, now time.Time, text string) bool {
	unlock := a.locks.Lock("audio:" + agentID)
	defer unlock()

	a.compactPreviousDays(agentID, now)

	path := a.dirs.TranscriptPath(agentID, now)
	line := []byte(fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), strings.ReplaceAll(text, "\n", " ")))

	if info, err := os.Stat(path); err == nil && info.Size()+int64(len(line))+1 > a.opts.MaxTranscriptBytes {
		a.logger.Warn("daily transcript log full, dropping fragment", "agent_id", agentID, "path", path, "size", info.Size())
		return false
	}
	if err := appendLine(path, line); err != nil {
		a.logger.Warn("failed to append transcript", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// compactPreviousDays compresses uncompressed logs older than the day of now.
// It runs at most once per agent per day. An existing archive gets the log
// appended as another zstd frame.
func (a *AudioSense) compactPreviousDays(agentID string, now time.Time) {
	today := now.UTC().Format(dayLayout)

	a.mu.Lock()
	done := a.compacted[agentID] == today
	a.compacted[agentID] = today
	a.mu.Unlock()
	if done {
		return
	}

	dir := a.dirs.TranscriptDir(agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") || strings.TrimSuffix(name, ".log") >= today {
			continue
		}
		src := filepath.Join(dir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			a.logger.Warn("failed to read transcript for compression", "path", src, "error", err)
			continue
		}
		archive, err := os.ReadFile(src + ".zst")
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			a.logger.Warn("failed to read transcript archive", "path", src+".zst", "error", err)
			continue
		}
		if err := fsutil.WriteFileAtomic(src+".zst", a.encoder.EncodeAll(data, archive), 0644); err != nil {
			a.logger.Warn("failed to compress transcript", "path", src, "error", err)
			continue
		}
		if err := os.Remove(src); err != nil {
			a.logger.Warn("failed to remove compressed transcript", "path", src, "error", err)
		}
	}
}

// Close releases the compressor.
func (a *AudioSense) Close() error {
	return a.encoder.Close()
}
