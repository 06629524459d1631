// ABOUTME: JSON file backend for pairings, keyed by pairing id
// ABOUTME: Corrupt or missing files load as an empty store; save failures are logged, memory stays authoritative
// ABOUTME: Changes written by another process (krill-admin) are picked up before every operation

package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/silverbacking/krill/internal/fsutil"
)

// FileStore keeps pairings in memory and mirrors them to a JSON file after
// every mutation. When the file is replaced by another writer, the next
// operation reloads it first.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	pairings map[string]*Pairing
	seen     os.FileInfo // file as last loaded or written by this store
}

// NewFileStore loads the pairings file at path. It never fails on a bad
// file: unreadable or corrupt content yields an empty store and a warning.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:     path,
		logger:   logger.With("component", "pairing-store", "path", path),
		pairings: make(map[string]*Pairing),
	}
	s.load()
	return s
}

func (s *FileStore) load() {
	s.seen, _ = os.Stat(s.path)
	loaded, err := s.read()
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no pairings file, starting empty")
		return
	}
	if err != nil {
		s.logger.Warn("unreadable pairings file, starting empty", "error", err)
		return
	}
	s.pairings = loaded
	s.logger.Info("pairings loaded", "count", len(s.pairings))
}

func (s *FileStore) read() (map[string]*Pairing, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var raw map[string]*Pairing
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*Pairing, len(raw))
	for id, p := range raw {
		if p == nil || p.TokenHash == "" {
			s.logger.Warn("skipping malformed pairing record", "pairing_id", id)
			continue
		}
		p.PairingID = id
		if p.Senses == nil {
			p.Senses = make(map[string]bool)
		}
		out[id] = p
	}
	return out, nil
}

// refresh reloads the file if another writer replaced it.
func (s *FileStore) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
}

// refreshLocked is refresh with mu held. An unreadable replacement is ignored and
// memory stays authoritative.
func (s *FileStore) refreshLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if s.seen != nil && os.SameFile(s.seen, info) && info.ModTime().Equal(s.seen.ModTime()) && info.Size() == s.seen.Size() {
		return
	}
	s.seen = info

	loaded, err := s.read()
	if err != nil {
		s.logger.Warn("pairings file changed but is unreadable, keeping in-memory state", "error", err)
		return
	}
	s.pairings = loaded
	s.logger.Info("pairings reloaded from disk", "count", len(loaded))
}

// saveLocked writes the current map. Must be called with mu held.
func (s *FileStore) saveLocked() {
	if err := fsutil.WriteJSONAtomic(s.path, s.pairings, 0600); err != nil {
		s.logger.Error("failed to save pairings, keeping in-memory state", "error", err)
		return
	}
	if info, err := os.Stat(s.path); err == nil {
		s.seen = info
	}
}

// Get returns the pairing with the given id.
func (s *FileStore) Get(_ context.Context, pairingID string) (*Pairing, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairings[pairingID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// GetByTokenHash returns the pairing whose token hash matches.
func (s *FileStore) GetByTokenHash(_ context.Context, tokenHash string) (*Pairing, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pairings {
		if p.TokenHash == tokenHash {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// GetByDevice returns the pairing for a (user, device, agent) tuple.
func (s *FileStore) GetByDevice(_ context.Context, userID, deviceID, agentID string) (*Pairing, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pairings {
		if p.UserID == userID && p.DeviceID == deviceID && p.AgentID == agentID {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Put inserts or replaces a pairing by id.
func (s *FileStore) Put(_ context.Context, p *Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	s.pairings[p.PairingID] = p.Clone()
	s.saveLocked()
	return nil
}

// Delete removes a pairing. Returns ErrNotFound if it does not exist.
func (s *FileStore) Delete(_ context.Context, pairingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	if _, ok := s.pairings[pairingID]; !ok {
		return ErrNotFound
	}
	delete(s.pairings, pairingID)
	s.saveLocked()
	return nil
}

// List returns all pairings ordered by creation time.
func (s *FileStore) List(_ context.Context) ([]*Pairing, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Pairing, 0, len(s.pairings))
	for _, p := range s.pairings {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error {
	return nil
}
