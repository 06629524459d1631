// ABOUTME: SQLite backend for pairings using modernc.org/sqlite
// ABOUTME: token_hash and the (user, device, agent) tuple are unique at the schema level

package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pairing-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite pairing store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pairings (
			pairing_id   TEXT PRIMARY KEY,
			token_hash   TEXT NOT NULL UNIQUE,
			agent_id     TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			device_name  TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			senses_json  TEXT NOT NULL DEFAULT '{}'
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_pairings_device
			ON pairings(user_id, device_id, agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const pairingColumns = `pairing_id, token_hash, agent_id, user_id, device_id, device_name, created_at, last_seen_at, senses_json`

// Get returns the pairing with the given id.
func (s *SQLiteStore) Get(ctx context.Context, pairingID string) (*Pairing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pairingColumns+` FROM pairings WHERE pairing_id = ?`, pairingID)
	return scanPairing(row)
}

// GetByTokenHash returns the pairing whose token hash matches.
func (s *SQLiteStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Pairing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pairingColumns+` FROM pairings WHERE token_hash = ?`, tokenHash)
	return scanPairing(row)
}

// GetByDevice returns the pairing for a (user, device, agent) tuple.
func (s *SQLiteStore) GetByDevice(ctx context.Context, userID, deviceID, agentID string) (*Pairing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pairingColumns+` FROM pairings WHERE user_id = ? AND device_id = ? AND agent_id = ?`,
		userID, deviceID, agentID)
	return scanPairing(row)
}

// Put inserts or replaces a pairing by id.
func (s *SQLiteStore) Put(ctx context.Context, p *Pairing) error {
	senses, err := json.Marshal(p.Senses)
	if err != nil {
		return fmt.Errorf("marshaling senses: %w", err)
	}

	query := `
		INSERT INTO pairings (` + pairingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pairing_id) DO UPDATE SET
			token_hash = excluded.token_hash,
			agent_id = excluded.agent_id,
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			device_name = excluded.device_name,
			last_seen_at = excluded.last_seen_at,
			senses_json = excluded.senses_json
	`
	_, err = s.db.ExecContext(ctx, query,
		p.PairingID,
		p.TokenHash,
		p.AgentID,
		p.UserID,
		p.DeviceID,
		p.DeviceName,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.LastSeenAt.UTC().Format(time.RFC3339Nano),
		string(senses),
	)
	if err != nil {
		return fmt.Errorf("saving pairing: %w", err)
	}
	return nil
}

// Delete removes a pairing. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, pairingID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pairings WHERE pairing_id = ?`, pairingID)
	if err != nil {
		return fmt.Errorf("deleting pairing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all pairings ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]*Pairing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pairingColumns+` FROM pairings ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pairings: %w", err)
	}
	defer rows.Close()

	var out []*Pairing
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pairings: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairing(row rowScanner) (*Pairing, error) {
	var (
		p                   Pairing
		createdAt, lastSeen string
		senses              string
	)
	err := row.Scan(&p.PairingID, &p.TokenHash, &p.AgentID, &p.UserID, &p.DeviceID, &p.DeviceName,
		&createdAt, &lastSeen, &senses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pairing: %w", err)
	}

	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	p.Senses = make(map[string]bool)
	if err := json.Unmarshal([]byte(senses), &p.Senses); err != nil {
		return nil, fmt.Errorf("parsing senses: %w", err)
	}
	if p.Senses == nil {
		p.Senses = make(map[string]bool)
	}
	return &p, nil
}
