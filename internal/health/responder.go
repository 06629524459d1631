// ABOUTME: Health responder: immediate ack, then a status built from an agent reasoning probe
// ABOUTME: The probe is skipped when genuine conversation happened recently

package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
)

// Defaults.
const (
	DefaultGrace        = 5 * time.Minute
	DefaultProbeTimeout = 30 * time.Second
)

// Status values.
const (
	StatusOnline       = "online"
	StatusUnresponsive = "unresponsive"
)

// Probe outcomes.
const (
	ProbeOK      = "ok"
	ProbeSkipped = "skipped"
	ProbeFailed  = "failed"
	ProbeTimeout = "timeout"
)

// Prober exercises the agent's reasoning path.
type Prober interface {
	Probe(ctx context.Context) error
}

// Activity records when the agent last handled genuine (non-protocol) traffic.
type Activity struct {
	mu   sync.Mutex
	last time.Time
}

// Touch marks activity at t.
func (a *Activity) Touch(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.last) {
		a.last = t
	}
}

// Last returns the last activity time, zero if none.
func (a *Activity) Last() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Ping is the content of health.ping.
type Ping struct {
	SkipProbe bool   `json:"skip_probe,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// Ack is the content of health.ack.
type Ack struct {
	Received bool      `json:"received"`
	Nonce    string    `json:"nonce,omitempty"`
	At       time.Time `json:"at"`
}

// Load is the host load average.
type Load struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Pong is the content of health.pong.
type Pong struct {
	Status              string `json:"status"`
	Probe               string `json:"probe"`
	Reason              string `json:"reason,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	LatencyMS           int64  `json:"latency_ms"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
	LastActivitySeconds *int64 `json:"last_activity_seconds,omitempty"`
	HostUptimeSeconds   uint64 `json:"host_uptime_seconds,omitempty"`
	Load                *Load  `json:"load,omitempty"`
	DiskFreeBytes       uint64 `json:"disk_free_bytes,omitempty"`
}

// Options configures a Responder.
type Options struct {
	Grace        time.Duration
	ProbeTimeout time.Duration
	// DataDir, when set, reports free disk space for the bridge's storage.
	DataDir string
}

// Responder answers health.ping.
type Responder struct {
	prober   Prober
	activity *Activity
	opts     Options
	started  time.Time
	logger   *slog.Logger
	now      func() time.Time
}

// NewResponder creates a responder. prober may be nil, in which case the
// probe is always reported as skipped.
func NewResponder(prober Prober, activity *Activity, opts Options, logger *slog.Logger) *Responder {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if activity == nil {
		activity = &Activity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		prober:   prober,
		activity: activity,
		opts:     opts,
		started:  time.Now(),
		logger:   logger.With("component", "health"),
		now:      time.Now,
	}
}

// Activity returns the tracker the dispatcher should touch.
func (r *Responder) Activity() *Activity {
	return r.activity
}

// Ack builds the immediate acknowledgement.
func (r *Responder) Ack(p Ping) Ack {
	return Ack{Received: true, Nonce: p.Nonce, At: r.now().UTC()}
}

// Status probes the agent (unless skipped) and reports host metadata.
func (r *Responder) Status(ctx context.Context, p Ping) Pong {
	now := r.now()
	pong := Pong{
		Status:        StatusOnline,
		Nonce:         p.Nonce,
		UptimeSeconds: int64(now.Sub(r.started).Seconds()),
	}

	last := r.activity.Last()
	if !last.IsZero() {
		secs := int64(now.Sub(last).Seconds())
		pong.LastActivitySeconds = &secs
	}

	switch {
	case p.SkipProbe:
		pong.Probe, pong.Reason = ProbeSkipped, "requested"
	case !last.IsZero() && now.Sub(last) < r.opts.Grace:
		pong.Probe, pong.Reason = ProbeSkipped, "recent_activity"
	case r.prober == nil:
		pong.Probe, pong.Reason = ProbeSkipped, "no_prober"
	default:
		r.probe(ctx, &pong)
	}

	r.hostInfo(ctx, &pong)
	return pong
}

func (r *Responder) probe(ctx context.Context, pong *Pong) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := r.prober.Probe(ctx)
	pong.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		pong.Probe = ProbeOK
	case errors.Is(err, context.DeadlineExceeded):
		pong.Status, pong.Probe = StatusUnresponsive, ProbeTimeout
		r.logger.Warn("agent probe timed out", "timeout", r.opts.ProbeTimeout)
	default:
		pong.Status, pong.Probe = StatusUnresponsive, ProbeFailed
		r.logger.Warn("agent probe failed", "error", err)
	}
}

// hostInfo is best effort; unsupported platforms just omit fields.
func (r *Responder) hostInfo(ctx context.Context, pong *Pong) {
	if up, err := host.UptimeWithContext(ctx); err == nil {
		pong.HostUptimeSeconds = up
	} else {
		r.logger.Debug("host uptime unavailable", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		pong.Load = &Load{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	} else {
		r.logger.Debug("load average unavailable", "error", err)
	}
	if r.opts.DataDir != "" {
		if usage, err := disk.UsageWithContext(ctx, r.opts.DataDir); err == nil {
			pong.DiskFreeBytes = usage.Free
		} else {
			r.logger.Debug("disk usage unavailable", "error", err)
		}
	}
}
