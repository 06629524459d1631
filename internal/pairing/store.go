// ABOUTME: Pairing record type and the Store interface shared by the file and SQLite backends
// ABOUTME: Records hold token hashes only; raw tokens never reach a Store

package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/silverbacking/krill/internal/protocol"
)

// ErrNotFound is returned when a pairing does not exist.
var ErrNotFound = fmt.Errorf("pairing %w", protocol.ErrNotFound)

// Known sense names a pairing can toggle.
const (
	SenseLocation = "location"
	SenseAudio    = "audio"
	SenseCamera   = "camera"
)

// KnownSenses lists the senses accepted by senses.update.
var KnownSenses = []string{SenseLocation, SenseAudio, SenseCamera}

// Pairing binds one user device to one agent.
type Pairing struct {
	PairingID  string          `json:"pairing_id"`
	TokenHash  string          `json:"token_hash"`
	AgentID    string          `json:"agent_id"`
	UserID     string          `json:"user_id"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt time.Time       `json:"last_seen_at"`
	Senses     map[string]bool `json:"senses"`
}

// SenseEnabled reports whether the pairing has granted the named sense.
func (p *Pairing) SenseEnabled(name string) bool {
	return p.Senses[name]
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (p *Pairing) Clone() *Pairing {
	c := *p
	c.Senses = make(map[string]bool, len(p.Senses))
	for k, v := range p.Senses {
		c.Senses[k] = v
	}
	return &c
}

// Store persists pairings. Lookups return ErrNotFound when nothing matches.
type Store interface {
	Get(ctx context.Context, pairingID string) (*Pairing, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Pairing, error)
	GetByDevice(ctx context.Context, userID, deviceID, agentID string) (*Pairing, error)
	Put(ctx context.Context, p *Pairing) error
	Delete(ctx context.Context, pairingID string) error
	List(ctx context.Context) ([]*Pairing, error)
	Close() error
}

// Open returns the store for backend ("file" or "sqlite") at path.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path, logger), nil
	case "sqlite":
		return NewSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown pairing backend %q", backend)
	}
}
