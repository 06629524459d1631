// ABOUTME: Per-type protocol handlers and their response payloads
// ABOUTME: Handlers return a result or an error; the dispatcher turns either into one response

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/silverbacking/krill/internal/configpatch"
	"github.com/silverbacking/krill/internal/health"
	"github.com/silverbacking/krill/internal/pairing"
	"github.com/silverbacking/krill/internal/protocol"
	"github.com/silverbacking/krill/internal/senses"
)

type request struct {
	in      Inbound
	env     *protocol.Envelope
	pairing *pairing.Pairing // nil for auth-exempt types
	logger  *slog.Logger
}

// result is a handler outcome. A nil content sends no response.
type result struct {
	typ     string
	content any
	derived []string
}

type handlerFunc func(ctx context.Context, req *request) (*result, error)

type route struct {
	respType string
	handle   handlerFunc
	// background handlers run outside the inbound call.
	background bool
}

func (r route) responseType(reqType string) string {
	if r.respType != "" {
		return r.respType
	}
	return protocol.SenseResponseType(reqType)
}

func (d *Dispatcher) buildRoutes() map[string]route {
	return map[string]route{
		protocol.TypePairRequest:     {respType: protocol.TypePairResponse, handle: d.handlePairRequest},
		protocol.TypePairRevoke:      {respType: protocol.TypePairRevoked, handle: d.handlePairRevoke},
		protocol.TypeVerifyRequest:   {respType: protocol.TypeVerifyResponse, handle: d.handleVerify},
		protocol.TypeSensesUpdate:    {respType: protocol.TypeSensesUpdated, handle: d.handleSensesUpdate},
		protocol.TypeConfigUpdate:    {respType: protocol.TypeConfigResponse, handle: d.handleConfigUpdate, background: true},
		protocol.TypeAllowlistGet:    {respType: protocol.TypeAllowlistResponse, handle: d.handleAllowlistGet},
		protocol.TypeAllowlistUpdate: {respType: protocol.TypeAllowlistResponse, handle: d.handleAllowlistUpdate, background: true},
		protocol.TypeHealthPing:      {respType: protocol.TypeHealthAck, handle: d.handleHealthPing},
	}
}

// lookup routes exact types first, then the sense.* family by prefix.
func (d *Dispatcher) lookup(t string) (route, bool) {
	if rt, ok := d.routes[t]; ok {
		return rt, true
	}
	kind := protocol.SenseKind(t)
	for _, known := range pairing.KnownSenses {
		if kind == known {
			return route{handle: d.handleSense}, true
		}
	}
	return route{}, false
}

// Pairing

type pairRequestContent struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	AgentID    string `json:"agent_id"`
	Force      bool   `json:"force"`
}

type pairResponse struct {
	Success          bool            `json:"success"`
	PairingID        string          `json:"pairing_id"`
	PairingToken     string          `json:"pairing_token,omitempty"`
	Existing         bool            `json:"existing"`
	AgentID          string          `json:"agent_id"`
	AgentDisplayName string          `json:"agent_display_name"`
	CreatedAt        time.Time       `json:"created_at"`
	Senses           map[string]bool `json:"senses"`
}

func (d *Dispatcher) handlePairRequest(ctx context.Context, req *request) (*result, error) {
	var c pairRequestContent
	if err := req.env.Decode(&c); err != nil {
		return nil, err
	}
	res, err := d.deps.Pairing.CreatePairing(ctx, pairing.PairRequest{
		UserID:     req.in.Sender,
		DeviceID:   c.DeviceID,
		DeviceName: c.DeviceName,
		AgentID:    c.AgentID,
		Force:      c.Force,
	})
	if err != nil {
		return nil, err
	}
	return &result{content: pairResponse{
		Success:          true,
		PairingID:        res.PairingID,
		PairingToken:     res.Token,
		Existing:         res.Existing,
		AgentID:          res.Agent.ID,
		AgentDisplayName: res.Agent.DisplayName,
		CreatedAt:        res.CreatedAt,
		Senses:           res.Senses,
	}}, nil
}

type revokedResponse struct {
	Success   bool   `json:"success"`
	Revoked   bool   `json:"revoked"`
	PairingID string `json:"pairing_id"`
}

func (d *Dispatcher) handlePairRevoke(ctx context.Context, req *request) (*result, error) {
	p, err := d.deps.Pairing.RevokePairing(ctx, req.env.Token())
	if err != nil {
		return nil, err
	}
	return &result{content: revokedResponse{Success: true, Revoked: true, PairingID: p.PairingID}}, nil
}

type verifyResponse struct {
	Success    bool            `json:"success"`
	Valid      bool            `json:"valid"`
	PairingID  string          `json:"pairing_id"`
	AgentID    string          `json:"agent_id"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Senses     map[string]bool `json:"senses"`
}

func (d *Dispatcher) handleVerify(_ context.Context, req *request) (*result, error) {
	p := req.pairing
	return &result{content: verifyResponse{
		Success:    true,
		Valid:      true,
		PairingID:  p.PairingID,
		AgentID:    p.AgentID,
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		Senses:     p.Clone().Senses,
	}}, nil
}

type sensesResponse struct {
	Success   bool            `json:"success"`
	PairingID string          `json:"pairing_id"`
	Senses    map[string]bool `json:"senses"`
}

// handleSensesUpdate accepts {"senses": {...}} or a bare {"location": true} map.
func (d *Dispatcher) handleSensesUpdate(ctx context.Context, req *request) (*result, error) {
	var wrapped struct {
		Senses map[string]bool `json:"senses"`
	}
	var updates map[string]bool
	if err := json.Unmarshal(req.env.Content, &wrapped); err == nil && len(wrapped.Senses) > 0 {
		updates = wrapped.Senses
	} else if err := req.env.Decode(&updates); err != nil {
		return nil, err
	}

	p, err := d.deps.Pairing.UpdateSenses(ctx, req.pairing.PairingID, updates)
	if err != nil {
		return nil, err
	}
	return &result{content: sensesResponse{Success: true, PairingID: p.PairingID, Senses: p.Senses}}, nil
}

// Senses

func (d *Dispatcher) handleSense(ctx context.Context, req *request) (*result, error) {
	kind := protocol.SenseKind(req.env.Type)
	if !req.pairing.SenseEnabled(kind) {
		return nil, fmt.Errorf("%w: %s is not enabled for this pairing", protocol.ErrSenseDisabled, kind)
	}
	agentID := req.pairing.AgentID

	switch kind {
	case pairing.SenseLocation:
		return d.handleLocation(ctx, agentID, req)
	case pairing.SenseAudio:
		return d.handleAudio(ctx, agentID, req)
	case pairing.SenseCamera:
		return d.handleCamera(ctx, agentID, req)
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrSenseDisabled, kind)
}

type locationResponse struct {
	Success bool `json:"success"`
	*senses.LocationUpdate
}

func (d *Dispatcher) handleLocation(ctx context.Context, agentID string, req *request) (*result, error) {
	if d.deps.Location == nil {
		return nil, fmt.Errorf("%w: location sense is not configured", protocol.ErrSenseDisabled)
	}
	var fix senses.Fix
	if err := req.env.Decode(&fix); err != nil {
		return nil, err
	}
	update, err := d.deps.Location.Update(ctx, agentID, fix)
	if err != nil {
		return nil, err
	}

	res := &result{content: locationResponse{Success: true, LocationUpdate: update}}
	for _, e := range update.Events {
		res.derived = append(res.derived, e.Describe())
	}
	return res, nil
}

type audioResponse struct {
	Success bool `json:"success"`
	*senses.AudioResult
}

func (d *Dispatcher) handleAudio(ctx context.Context, agentID string, req *request) (*result, error) {
	if d.deps.Audio == nil {
		return nil, fmt.Errorf("%w: audio sense is not configured", protocol.ErrSenseDisabled)
	}
	var ev senses.AudioEvent
	if err := req.env.Decode(&ev); err != nil {
		return nil, err
	}
	out, err := d.deps.Audio.Handle(ctx, agentID, ev)
	if err != nil {
		return nil, err
	}

	res := &result{content: audioResponse{Success: true, AudioResult: out}}
	if out.Derived != "" {
		res.derived = []string{out.Derived}
	}
	return res, nil
}

type cameraResponse struct {
	Success bool `json:"success"`
	*senses.CameraResult
}

func (d *Dispatcher) handleCamera(ctx context.Context, agentID string, req *request) (*result, error) {
	if d.deps.Camera == nil {
		return nil, fmt.Errorf("%w: camera sense is not configured", protocol.ErrSenseDisabled)
	}
	var ev senses.CameraEvent
	if err := req.env.Decode(&ev); err != nil {
		return nil, err
	}
	out, err := d.deps.Camera.Handle(ctx, agentID, ev)
	if err != nil {
		return nil, err
	}
	return &result{content: cameraResponse{Success: true, CameraResult: out}}, nil
}

// Configuration

type configUpdateContent struct {
	Patch   json.RawMessage `json:"patch"`
	Restart bool            `json:"restart"`
}

func (d *Dispatcher) configEngine() (*configpatch.Engine, error) {
	if d.deps.Config == nil {
		return nil, fmt.Errorf("%w: configuration patching is not enabled", protocol.ErrValidation)
	}
	return d.deps.Config, nil
}

func (d *Dispatcher) handleConfigUpdate(ctx context.Context, req *request) (*result, error) {
	engine, err := d.configEngine()
	if err != nil {
		return nil, err
	}
	var c configUpdateContent
	if err := req.env.Decode(&c); err != nil {
		return nil, err
	}
	patch, err := configpatch.DecodePatch(c.Patch)
	if err != nil {
		return nil, err
	}

	out, err := engine.Apply(ctx, configpatch.Request{Sender: req.in.Sender, Patch: patch, Restart: c.Restart})
	return cycleResult(out, err)
}

type allowlistResponse struct {
	Success   bool     `json:"success"`
	Allowlist []string `json:"allowlist"`
}

func (d *Dispatcher) handleAllowlistGet(_ context.Context, req *request) (*result, error) {
	engine, err := d.configEngine()
	if err != nil {
		return nil, err
	}
	list, err := engine.Allowlist(req.in.Sender)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return &result{content: allowlistResponse{Success: true, Allowlist: list}}, nil
}

type allowlistUpdateContent struct {
	Action  string `json:"action"`
	UserID  string `json:"user_id"`
	Restart bool   `json:"restart"`
}

func (d *Dispatcher) handleAllowlistUpdate(ctx context.Context, req *request) (*result, error) {
	engine, err := d.configEngine()
	if err != nil {
		return nil, err
	}
	var c allowlistUpdateContent
	if err := req.env.Decode(&c); err != nil {
		return nil, err
	}
	out, err := engine.UpdateAllowlist(ctx, req.in.Sender, c.Action, c.UserID, c.Restart)
	return cycleResult(out, err)
}

// cycleResult reports an engine Result when the cycle started, and a
// plain failure otherwise.
func cycleResult(out *configpatch.Result, err error) (*result, error) {
	if out == nil {
		if err == nil {
			err = fmt.Errorf("configuration engine returned no result")
		}
		return nil, err
	}
	return &result{content: out}, err
}

// Health

func (d *Dispatcher) handleHealthPing(ctx context.Context, req *request) (*result, error) {
	var ping health.Ping
	if err := req.env.Decode(&ping); err != nil {
		return nil, err
	}

	d.respond(ctx, req.in, protocol.TypeHealthAck, d.deps.Health.Ack(ping))
	d.spawn(func(bgCtx context.Context) {
		pong := d.deps.Health.Status(bgCtx, ping)
		req.logger.Info("health status", "status", pong.Status, "probe", pong.Probe)
		d.respond(bgCtx, req.in, protocol.TypeHealthPong, pong)
	})
	return nil, nil
}
