// ABOUTME: Pairing lifecycle and auth gate: create, revoke, validate, authenticate, sense toggles
// ABOUTME: Tokens are disclosed exactly once, at creation or forced rotation

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silverbacking/krill/internal/protocol"
)

// maxFieldLen bounds sender-supplied identifiers.
const maxFieldLen = 256

// Agent describes an agent that devices may pair with.
type Agent struct {
	ID          string `json:"agent_id"`
	DisplayName string `json:"display_name"`
}

// PairRequest is the input to CreatePairing.
type PairRequest struct {
	UserID     string
	DeviceID   string
	DeviceName string
	AgentID    string // empty selects the default agent
	Force      bool   // rotate the token of an existing pairing
}

// PairResult is returned by CreatePairing. Token is empty unless a new
// secret was minted by this call.
type PairResult struct {
	PairingID string
	Token     string
	Existing  bool
	Agent     Agent
	CreatedAt time.Time
	Senses    map[string]bool
}

// Service implements the pairing lifecycle on top of a Store.
type Service struct {
	store        Store
	agents       map[string]Agent
	defaultAgent string
	logger       *slog.Logger
	now          func() time.Time

	// mu serializes mutations so the (user, device, agent) check-then-insert
	// and token rotation are atomic.
	mu sync.Mutex
}

// NewService creates a pairing service. defaultAgent must be a key of agents.
func NewService(store Store, agents []Agent, defaultAgent string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &Service{
		store:        store,
		agents:       byID,
		defaultAgent: defaultAgent,
		logger:       logger.With("component", "pairing"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RequiresAuth reports whether a protocol type needs a valid bearer token.
// Pairing requests and health pings are the only exemptions.
func RequiresAuth(msgType string) bool {
	switch msgType {
	case protocol.TypePairRequest, protocol.TypeHealthPing:
		return false
	default:
		return true
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Agent resolves an agent id, falling back to the default for "".
func (s *Service) Agent(agentID string) (Agent, bool) {
	if agentID == "" {
		agentID = s.defaultAgent
	}
	a, ok := s.agents[agentID]
	return a, ok
}

// CreatePairing pairs a device with an agent. Repeating the call for the
// same (user, device, agent) returns the existing pairing without a token
// unless Force is set, in which case the token is rotated.
func (s *Service) CreatePairing(ctx context.Context, req PairRequest) (*PairResult, error) {
	if err := validatePairRequest(req); err != nil {
		return nil, err
	}
	agent, ok := s.Agent(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent %q", protocol.ErrValidation, req.AgentID)
	}
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = req.DeviceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetByDevice(ctx, req.UserID, req.DeviceID, agent.ID)
	switch {
	case err == nil && !req.Force:
		s.logger.Info("pairing already exists", "pairing_id", existing.PairingID, "user_id", req.UserID, "device_id", req.DeviceID)
		return &PairResult{
			PairingID: existing.PairingID,
			Existing:  true,
			Agent:     agent,
			CreatedAt: existing.CreatedAt,
			Senses:    existing.Clone().Senses,
		}, nil
	case err == nil && req.Force:
		return s.rotateLocked(ctx, existing, deviceName, agent)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("%w: looking up device pairing: %v", protocol.ErrTransient, err)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	now := s.now()
	p := &Pairing{
		PairingID:  uuid.New().String(),
		TokenHash:  HashToken(token),
		AgentID:    agent.ID,
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		DeviceName: deviceName,
		CreatedAt:  now,
		LastSeenAt: now,
		Senses:     make(map[string]bool),
	}
	if err := s.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: saving pairing: %v", protocol.ErrTransient, err)
	}

	s.logger.Info("pairing created", "pairing_id", p.PairingID, "user_id", p.UserID, "device_id", p.DeviceID, "agent_id", p.AgentID)
	return &PairResult{
		PairingID: p.PairingID,
		Token:     token,
		Agent:     agent,
		CreatedAt: p.CreatedAt,
		Senses:    map[string]bool{},
	}, nil
}

// rotateLocked supersedes the token of an existing pairing. Must be called with mu held.
func (s *Service) rotateLocked(ctx context.Context, p *Pairing, deviceName string, agent Agent) (*PairResult, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	p.TokenHash = HashToken(token)
	p.DeviceName = deviceName
	p.LastSeenAt = s.now()
	if err := s.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: saving pairing: %v", protocol.ErrTransient, err)
	}

	s.logger.Info("pairing token rotated", "pairing_id", p.PairingID, "user_id", p.UserID, "device_id", p.DeviceID)
	return &PairResult{
		PairingID: p.PairingID,
		Token:     token,
		Agent:     agent,
		CreatedAt: p.CreatedAt,
		Senses:    p.Clone().Senses,
	}, nil
}

// RevokePairing deletes the pairing identified by token.
// Returns an error wrapping ErrNotFound when no pairing matches.
func (s *Service) RevokePairing(ctx context.Context, token string) (*Pairing, error) {
	if !ValidTokenShape(token) {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, lookupError(err)
	}
	if err := s.store.Delete(ctx, p.PairingID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: deleting pairing: %v", protocol.ErrTransient, err)
	}

	s.logger.Info("pairing revoked", "pairing_id", p.PairingID, "user_id", p.UserID, "device_id", p.DeviceID)
	return p, nil
}

// RevokeByID deletes a pairing by id. It is the operator path; devices
// revoke with their token.
func (s *Service) RevokeByID(ctx context.Context, pairingID string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.Get(ctx, pairingID)
	if err != nil {
		return nil, lookupError(err)
	}
	if err := s.store.Delete(ctx, pairingID); err != nil {
		return nil, lookupError(err)
	}
	s.logger.Info("pairing revoked by operator", "pairing_id", p.PairingID, "user_id", p.UserID)
	return p, nil
}

// ValidateToken looks up the pairing for token and bumps its last-seen time.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Pairing, error) {
	if !ValidTokenShape(token) {
		return nil, fmt.Errorf("%w: malformed token", protocol.ErrUnauthorized)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, lookupError(err)
	}
	p.LastSeenAt = s.now()
	if err := s.store.Put(ctx, p); err != nil {
		// Liveness bookkeeping only; the token itself is valid.
		s.logger.Warn("failed to record last_seen_at", "pairing_id", p.PairingID, "error", err)
	}
	return p, nil
}

// Authenticate validates an inline token on behalf of sender. The pairing
// must belong to sender; a token presented by anyone else is rejected.
func (s *Service) Authenticate(ctx context.Context, token, senderID string) (*Pairing, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", protocol.ErrUnauthorized)
	}
	p, err := s.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown token", protocol.ErrUnauthorized)
		}
		return nil, err
	}
	if p.UserID != senderID {
		return nil, fmt.Errorf("%w: token not issued to sender", protocol.ErrUnauthorized)
	}
	return p, nil
}

// UpdateSenses merges per-sense grants into a pairing.
func (s *Service) UpdateSenses(ctx context.Context, pairingID string, updates map[string]bool) (*Pairing, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: senses must not be empty", protocol.ErrValidation)
	}
	for name := range updates {
		if !isKnownSense(name) {
			return nil, fmt.Errorf("%w: unknown sense %q", protocol.ErrValidation, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.Get(ctx, pairingID)
	if err != nil {
		return nil, lookupError(err)
	}
	for name, enabled := range updates {
		p.Senses[name] = enabled
	}
	if err := s.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: saving senses: %v", protocol.ErrTransient, err)
	}

	s.logger.Info("senses updated", "pairing_id", p.PairingID, "senses", p.Senses)
	return p, nil
}

// lookupError keeps ErrNotFound and classifies anything else as transient.
func lookupError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: pairing lookup: %v", protocol.ErrTransient, err)
}

func validatePairRequest(req PairRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: sender is required", protocol.ErrValidation)
	case req.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", protocol.ErrValidation)
	case len(req.DeviceID) > maxFieldLen, len(req.DeviceName) > maxFieldLen, len(req.AgentID) > maxFieldLen:
		return fmt.Errorf("%w: field too long", protocol.ErrValidation)
	}
	return nil
}

func isKnownSense(name string) bool {
	for _, known := range KnownSenses {
		if name == known {
			return true
		}
	}
	return false
}
