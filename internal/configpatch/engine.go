// ABOUTME: Config patch state machine: backup, merge, atomic write, restart, health gate, rollback
// ABOUTME: One cycle at a time; a concurrent request fails fast with ErrBusy

package configpatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/silverbacking/krill/internal/fsutil"
	"github.com/silverbacking/krill/internal/protocol"
)

// State is a step of the patch cycle.
type State string

const (
	StateIdle           State = "idle"
	StatePatching       State = "patching"
	StateRestarting     State = "restarting"
	StateHealthChecking State = "health_checking"
	StateCommitted      State = "committed"
	StateRollingBack    State = "rolling_back"
	StateRolledBack     State = "rolled_back"
	StateFailed         State = "failed"
)

// Defaults for the health gate.
const (
	DefaultHealthTimeout  = 60 * time.Second
	DefaultHealthInterval = 2 * time.Second
)

// Options configures an Engine.
type Options struct {
	TargetPath     string
	BackupPath     string
	AllowedSenders []string
	AllowlistPath  string
	Restarter      Restarter
	Health         HealthChecker
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// Request is one config.update.
type Request struct {
	Sender  string
	Patch   map[string]any
	Restart bool
}

// Result reports the terminal state of a cycle.
type Result struct {
	Success   bool     `json:"success"`
	State     State    `json:"state"`
	Restarted bool     `json:"restarted"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
	Critical  bool     `json:"critical,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// Engine applies patches to one target configuration file.
type Engine struct {
	opts    Options
	format  Format
	allowed map[string]bool
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an engine for opts.TargetPath.
func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.TargetPath == "" {
		return nil, errors.New("config patch target path is required")
	}
	format, err := FormatFor(opts.TargetPath)
	if err != nil {
		return nil, err
	}
	if opts.BackupPath == "" {
		opts.BackupPath = opts.TargetPath + ".bak"
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(opts.AllowedSenders))
	for _, s := range opts.AllowedSenders {
		allowed[s] = true
	}

	return &Engine{
		opts:    opts,
		format:  format,
		allowed: allowed,
		sem:     semaphore.NewWeighted(1),
		logger:  logger.With("component", "configpatch", "target", opts.TargetPath),
		state:   StateIdle,
	}, nil
}

// Authorized reports whether sender may patch the configuration.
func (e *Engine) Authorized(sender string) bool {
	return e.allowed[sender]
}

// State returns the current (or last terminal) state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	e.logger.Info("config patch state", "from", prev, "to", s)
}

// Apply runs one patch cycle. Errors before the target is touched are
// returned without a Result; once the cycle has started, a Result is
// always returned alongside any error.
func (e *Engine) Apply(ctx context.Context, req Request) (*Result, error) {
	if !e.Authorized(req.Sender) {
		return nil, fmt.Errorf("%w: %s may not patch configuration", protocol.ErrUnauthorized, req.Sender)
	}
	if len(req.Patch) == 0 {
		return nil, fmt.Errorf("%w: patch must be a non-empty object", protocol.ErrValidation)
	}
	return e.cycle(ctx, req.Restart, func(map[string]any) (map[string]any, error) {
		return req.Patch, nil
	})
}

// patchBuilder derives the patch from the current document. A nil patch
// means there is nothing to change.
type patchBuilder func(doc map[string]any) (map[string]any, error)

func (e *Engine) cycle(ctx context.Context, restart bool, build patchBuilder) (*Result, error) {
	if restart && e.opts.Restarter == nil {
		return nil, fmt.Errorf("%w: restart requested but no restart command is configured", protocol.ErrValidation)
	}
	if restart && e.opts.Health == nil {
		return nil, fmt.Errorf("%w: restart requested but no health check is configured", protocol.ErrValidation)
	}
	if !e.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: a configuration patch is already in progress", protocol.ErrBusy)
	}
	defer e.sem.Release(1)

	e.setState(StatePatching)

	info, err := os.Stat(e.opts.TargetPath)
	if err != nil {
		e.setState(StateIdle)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s", protocol.ErrNotFound, e.opts.TargetPath)
		}
		return nil, fmt.Errorf("%w: reading config: %v", protocol.ErrTransient, err)
	}
	data, err := os.ReadFile(e.opts.TargetPath)
	if err != nil {
		e.setState(StateIdle)
		return nil, fmt.Errorf("%w: reading config: %v", protocol.ErrTransient, err)
	}
	doc, err := Decode(e.format, data)
	if err != nil {
		e.setState(StateIdle)
		return nil, fmt.Errorf("%w: current config is unparseable: %v", protocol.ErrValidation, err)
	}

	patch, err := build(doc)
	if err != nil {
		e.setState(StateIdle)
		return nil, err
	}
	if patch == nil {
		e.setState(StateCommitted)
		return &Result{Success: true, State: StateCommitted, Message: "no change"}, nil
	}

	out, err := Encode(e.format, Merge(doc, patch))
	if err != nil {
		e.setState(StateIdle)
		return nil, fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}

	if err := fsutil.CopyFile(e.opts.TargetPath, e.opts.BackupPath); err != nil {
		e.setState(StateIdle)
		return nil, fmt.Errorf("%w: backing up config: %v", protocol.ErrTransient, err)
	}
	if err := fsutil.WriteFileAtomic(e.opts.TargetPath, out, info.Mode().Perm()); err != nil {
		e.discardBackup()
		e.setState(StateIdle)
		return nil, fmt.Errorf("%w: writing config: %v", protocol.ErrTransient, err)
	}

	if !restart {
		e.discardBackup()
		e.setState(StateCommitted)
		return &Result{Success: true, State: StateCommitted}, nil
	}

	e.setState(StateRestarting)
	if err := e.opts.Restarter.Restart(ctx); err != nil {
		e.logger.Error("restart failed, restoring backup", "error", err)
		if rerr := e.restoreBackup(); rerr != nil {
			return e.fail(true, fmt.Errorf("%w: restart failed (%v) and backup restore failed: %v", protocol.ErrCriticalRecovery, err, rerr))
		}
		e.setState(StateRolledBack)
		return e.fail(false, fmt.Errorf("%w: restart failed, previous configuration restored: %v", protocol.ErrTransient, err))
	}

	e.setState(StateHealthChecking)
	if e.waitHealthy(ctx) {
		e.discardBackup()
		e.setState(StateCommitted)
		return &Result{Success: true, State: StateCommitted, Restarted: true}, nil
	}

	e.setState(StateRollingBack)
	e.logger.Warn("process unhealthy after patch, rolling back")
	if err := e.restoreBackup(); err != nil {
		return e.fail(true, fmt.Errorf("%w: backup restore failed: %v", protocol.ErrCriticalRecovery, err))
	}
	if err := e.opts.Restarter.Restart(ctx); err != nil {
		e.logger.Error("restart after rollback failed", "error", err)
	}
	if !e.waitHealthy(ctx) {
		return e.fail(true, fmt.Errorf("%w: process still unhealthy after rollback, manual intervention required", protocol.ErrCriticalRecovery))
	}

	e.setState(StateRolledBack)
	return e.fail(false, fmt.Errorf("%w: health check failed, previous configuration restored", protocol.ErrTransient))
}

// fail builds the failure result. critical moves the engine to Failed.
func (e *Engine) fail(critical bool, err error) (*Result, error) {
	state := StateRolledBack
	if critical {
		state = StateFailed
		e.setState(StateFailed)
		e.logger.Error("CRITICAL: configuration recovery failed", "error", err)
	}
	return &Result{
		Success:   false,
		State:     state,
		Restarted: true,
		Error:     protocol.Code(err),
		Message:   err.Error(),
		Critical:  critical,
	}, err
}

// waitHealthy polls the health checker until it succeeds or HealthTimeout elapses.
// Without a checker nothing proves liveness, so the answer is no.
func (e *Engine) waitHealthy(ctx context.Context) bool {
	if e.opts.Health == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.HealthTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		err := e.opts.Health.Check(ctx)
		if err == nil {
			return true
		}
		e.logger.Debug("health check failed", "error", err)
	}
}

func (e *Engine) restoreBackup() error {
	if err := fsutil.CopyFile(e.opts.BackupPath, e.opts.TargetPath); err != nil {
		return err
	}
	e.discardBackup()
	return nil
}

func (e *Engine) discardBackup() {
	if err := os.Remove(e.opts.BackupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove config backup", "path", e.opts.BackupPath, "error", err)
	}
}

// Allowlist returns the allow-list array at the configured dotted path.
func (e *Engine) Allowlist(sender string) ([]string, error) {
	if !e.Authorized(sender) {
		return nil, fmt.Errorf("%w: %s may not read the allow-list", protocol.ErrUnauthorized, sender)
	}
	if e.opts.AllowlistPath == "" {
		return nil, fmt.Errorf("%w: no allow-list path configured", protocol.ErrValidation)
	}
	data, err := os.ReadFile(e.opts.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config: %v", protocol.ErrTransient, err)
	}
	doc, err := Decode(e.format, data)
	if err != nil {
		return nil, fmt.Errorf("%w: current config is unparseable: %v", protocol.ErrValidation, err)
	}
	return e.allowlistFrom(doc), nil
}

func (e *Engine) allowlistFrom(doc map[string]any) []string {
	v, ok := lookupPath(doc, e.opts.AllowlistPath)
	if !ok {
		return []string{}
	}
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// Allow-list actions.
const (
	AllowlistAdd    = "add"
	AllowlistRemove = "remove"
)

// UpdateAllowlist adds or removes userID through a normal patch cycle.
// The array is replaced wholesale.
func (e *Engine) UpdateAllowlist(ctx context.Context, sender, action, userID string, restart bool) (*Result, error) {
	if !e.Authorized(sender) {
		return nil, fmt.Errorf("%w: %s may not update the allow-list", protocol.ErrUnauthorized, sender)
	}
	if e.opts.AllowlistPath == "" {
		return nil, fmt.Errorf("%w: no allow-list path configured", protocol.ErrValidation)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", protocol.ErrValidation)
	}
	if action != AllowlistAdd && action != AllowlistRemove {
		return nil, fmt.Errorf("%w: action must be add or remove", protocol.ErrValidation)
	}

	var updated []string
	res, err := e.cycle(ctx, restart, func(doc map[string]any) (map[string]any, error) {
		current := e.allowlistFrom(doc)
		updated = make([]string, 0, len(current)+1)
		present := false
		for _, u := range current {
			if u == userID {
				present = true
				if action == AllowlistRemove {
					continue
				}
			}
			updated = append(updated, u)
		}
		if action == AllowlistAdd && !present {
			updated = append(updated, userID)
		}
		if (action == AllowlistAdd) == present {
			return nil, nil
		}

		list := make([]any, len(updated))
		for i, u := range updated {
			list[i] = u
		}
		return patchAt(e.opts.AllowlistPath, list), nil
	})
	if res != nil && res.Success {
		res.Allowlist = updated
	}
	return res, err
}
