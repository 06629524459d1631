// ABOUTME: Camera sense: downloads motion captures, keeps a bounded capture set and motion log
// ABOUTME: Captures are rate limited per agent and never forwarded to the agent

package senses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/silverbacking/krill/internal/fsutil"
	"github.com/silverbacking/krill/internal/keylock"
	"github.com/silverbacking/krill/internal/protocol"
)

// CameraMotion is the only camera event kind.
const CameraMotion = "motion"

// Camera defaults.
const (
	DefaultMinCaptureBytes = 1024
	DefaultMaxCaptures     = 50
	DefaultMaxMotionLog    = 100
	DefaultFetchTimeout    = 30 * time.Second
	DefaultCaptureInterval = 5 * time.Second
	DefaultCaptureBurst    = 3
)

const captureLayout = "20060102T150405.000Z"

// CameraEvent is the content of a sense.camera message.
type CameraEvent struct {
	Event       string    `json:"event"`
	MediaURL    string    `json:"media_url"`
	ContentType string    `json:"content_type,omitempty"`
	Zone        string    `json:"zone,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Timestamp   Timestamp `json:"timestamp"`
}

// MotionEntry is one record in the motion log.
type MotionEntry struct {
	At         time.Time `json:"timestamp"`
	File       string    `json:"file"`
	Bytes      int       `json:"size"`
	MediaURL   string    `json:"media_url"`
	Zone       string    `json:"zone,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// CameraResult is the outcome of a captured motion event.
type CameraResult struct {
	Event    string `json:"event"`
	File     string `json:"file"`
	Bytes    int    `json:"bytes"`
	Retained int    `json:"retained"`
}

// CameraOptions configures a CameraSense.
type CameraOptions struct {
	MinBytes        int
	MaxCaptures     int
	MaxMotionLog    int
	FetchTimeout    time.Duration
	CaptureInterval time.Duration
	CaptureBurst    int
}

// CameraSense stores motion captures for all agents.
type CameraSense struct {
	dirs    Dirs
	opts    CameraOptions
	fetcher MediaFetcher
	locks   *keylock.Map
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCameraSense creates the camera sense.
func NewCameraSense(dirs Dirs, fetcher MediaFetcher, opts CameraOptions, locks *keylock.Map, logger *slog.Logger) *CameraSense {
	if opts.MinBytes <= 0 {
		opts.MinBytes = DefaultMinCaptureBytes
	}
	if opts.MaxCaptures <= 0 {
		opts.MaxCaptures = DefaultMaxCaptures
	}
	if opts.MaxMotionLog <= 0 {
		opts.MaxMotionLog = DefaultMaxMotionLog
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.CaptureInterval <= 0 {
		opts.CaptureInterval = DefaultCaptureInterval
	}
	if opts.CaptureBurst <= 0 {
		opts.CaptureBurst = DefaultCaptureBurst
	}
	if locks == nil {
		locks = &keylock.Map{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CameraSense{
		dirs:     dirs,
		opts:     opts,
		fetcher:  fetcher,
		locks:    locks,
		logger:   logger.With("component", "sense-camera"),
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handle downloads and stores one motion capture.
func (c *CameraSense) Handle(ctx context.Context, agentID string, ev CameraEvent) (*CameraResult, error) {
	if ev.Event != CameraMotion {
		return nil, fmt.Errorf("%w: unknown camera event %q", protocol.ErrValidation, ev.Event)
	}
	if strings.TrimSpace(ev.MediaURL) == "" {
		return nil, fmt.Errorf("%w: motion requires media_url", protocol.ErrValidation)
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("%w: no media fetcher configured", protocol.ErrTransient)
	}
	if !c.limiter(agentID).Allow() {
		return nil, fmt.Errorf("%w: motion captures arriving too fast", protocol.ErrRateLimited)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	res := c.fetcher.Fetch(fetchCtx, ev.MediaURL)
	cancel()

	switch res.Status {
	case FetchFound:
	case FetchNotFound:
		return nil, fmt.Errorf("%w: media %s: %v", protocol.ErrNotFound, ev.MediaURL, res.Err)
	default:
		return nil, fmt.Errorf("%w: downloading media: %v", protocol.ErrTransient, res.Err)
	}
	if len(res.Data) < c.opts.MinBytes {
		return nil, fmt.Errorf("%w: downloaded media is %d bytes, below minimum %d", protocol.ErrTransient, len(res.Data), c.opts.MinBytes)
	}

	at := ev.Timestamp.orNow(c.now()).UTC()
	ext := captureExt(firstNonEmpty(ev.ContentType, res.ContentType), ev.MediaURL)

	unlock := c.locks.Lock("camera:" + agentID)
	defer unlock()

	file, err := c.writeCapture(agentID, at, ext, res.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: storing capture: %v", protocol.ErrTransient, err)
	}

	if err := c.appendMotion(agentID, MotionEntry{
		At:         at,
		File:       file,
		Bytes:      len(res.Data),
		MediaURL:   ev.MediaURL,
		Zone:       ev.Zone,
		Confidence: ev.Confidence,
	}); err != nil {
		c.logger.Warn("failed to update motion log", "agent_id", agentID, "error", err)
	}

	retained := c.prune(agentID)
	c.logger.Info("motion capture stored", "agent_id", agentID, "file", file, "bytes", len(res.Data))

	return &CameraResult{Event: ev.Event, File: file, Bytes: len(res.Data), Retained: retained}, nil
}

// MotionLog returns the motion log, oldest first.
func (c *CameraSense) MotionLog(agentID string) ([]MotionEntry, error) {
	var entries []MotionEntry
	err := fsutil.ReadJSON(c.dirs.MotionLogPath(agentID), &entries)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func (c *CameraSense) limiter(agentID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.opts.CaptureInterval), c.opts.CaptureBurst)
		c.limiters[agentID] = l
	}
	return l
}

func (c *CameraSense) writeCapture(agentID string, at time.Time, ext string, data []byte) (string, error) {
	dir := c.dirs.CaptureDir(agentID)
	base := at.Format(captureLayout)
	name := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(c.dirs.LatestCapturePath(agentID, ext), data, 0644); err != nil {
		return "", err
	}
	return name, nil
}

func (c *CameraSense) appendMotion(agentID string, entry MotionEntry) error {
	entries, err := c.MotionLog(agentID)
	if err != nil {
		c.logger.Warn("unreadable motion log, starting fresh", "agent_id", agentID, "error", err)
		entries = nil
	}
	entries = append(entries, entry)
	if over := len(entries) - c.opts.MaxMotionLog; over > 0 {
		entries = entries[over:]
	}
	return fsutil.WriteJSONAtomic(c.dirs.MotionLogPath(agentID), entries, 0644)
}

// prune removes the oldest captures beyond MaxCaptures and returns how many remain.
func (c *CameraSense) prune(agentID string) int {
	dir := c.dirs.CaptureDir(agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("failed to list captures", "agent_id", agentID, "error", err)
		return 0
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	// Names start with a fixed-width UTC timestamp, so lexical order is chronological.
	sort.Strings(names)

	for len(names) > c.opts.MaxCaptures {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			c.logger.Warn("failed to prune capture", "file", names[0], "error", err)
		}
		names = names[1:]
	}
	return len(names)
}

func captureExt(contentType, mediaURL string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(mediaURL, "?", 2)[0]))
	if len(ext) > 1 && len(ext) <= 5 && !strings.ContainsAny(ext, "/:") {
		return ext
	}
	return ".jpg"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
