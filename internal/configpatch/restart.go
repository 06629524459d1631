// ABOUTME: Restart mechanism and liveness signal for the process whose config is patched
// ABOUTME: CommandRestarter runs an external command; HTTPHealthChecker polls a health URL

package configpatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/silverbacking/krill/internal/config"
)

// Restarter restarts the process that reads the target configuration.
type Restarter interface {
	Restart(ctx context.Context) error
}

// HealthChecker reports whether the restarted process is live.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// RestarterFunc adapts a function to Restarter.
type RestarterFunc func(ctx context.Context) error

func (f RestarterFunc) Restart(ctx context.Context) error { return f(ctx) }

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// CommandRestarter runs an external command such as
// ["systemctl", "--user", "restart", "agent-gateway"].
type CommandRestarter struct {
	Command []string
	Timeout time.Duration
}

// Restart implements Restarter.
func (r CommandRestarter) Restart(ctx context.Context) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no restart command configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w: %s", r.Command[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// HTTPHealthChecker treats any 2xx response from URL as healthy.
type HTTPHealthChecker struct {
	URL    string
	Client *http.Client
}

// Check implements HealthChecker.
func (h HTTPHealthChecker) Check(ctx context.Context) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// FromConfig builds an engine from the bridge's patch settings. The
// restarter and health checker are attached only when configured.
func FromConfig(pc config.PatchConfig, logger *slog.Logger) (*Engine, error) {
	opts := Options{
		TargetPath:     pc.Target,
		BackupPath:     pc.Backup,
		AllowedSenders: pc.AllowedSenders,
		AllowlistPath:  pc.AllowlistPath,
		HealthTimeout:  pc.HealthTimeout,
		HealthInterval: pc.HealthInterval,
	}
	if len(pc.RestartCommand) > 0 {
		opts.Restarter = CommandRestarter{Command: pc.RestartCommand, Timeout: pc.RestartTimeout}
	}
	if pc.HealthURL != "" {
		opts.Health = HTTPHealthChecker{URL: pc.HealthURL, Client: &http.Client{Timeout: 10 * time.Second}}
	}
	engine, err := New(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating config patch engine: %w", err)
	}
	return engine, nil
}
