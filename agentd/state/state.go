// Package state persists watermarks and processed connection-request ids
// across process restarts. Without it the daemon still works: already
// accepted requests are then skipped only because the remote party shows
// up as established, and message replay falls back to the seeded window.
package state

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed durable state store, scoped to one agent
// identity. All rows carry the owner id, so switching identities clears
// only that identity's rows.
type Store struct {
	db      *sql.DB
	ownerID string
	mu      sync.Mutex
}

// Open opens (or creates) the database at path for the given owner.
func Open(path, ownerID string) (*Store, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, ownerID: ownerID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watermarks (
		owner_id   TEXT NOT NULL,
		stream_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL DEFAULT 0,
		replay_ts  INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, stream_id)
	);

	CREATE TABLE IF NOT EXISTS processed_requests (
		owner_id    TEXT NOT NULL,
		request_key TEXT NOT NULL,
		accepted_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, request_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWatermark upserts the watermark pair for a stream. Values only ever
// move forward; a stale write is ignored.
func (s *Store) PutWatermark(streamID string, seq uint64, replay time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replayUnix int64
	if !replay.IsZero() {
		replayUnix = replay.UnixNano()
	}

	_, err := s.db.Exec(`
		INSERT INTO watermarks (owner_id, stream_id, seq, replay_ts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, stream_id) DO UPDATE SET
			seq        = MAX(watermarks.seq, excluded.seq),
			replay_ts  = MAX(watermarks.replay_ts, excluded.replay_ts),
			updated_at = excluded.updated_at`,
		s.ownerID, streamID, int64(seq), replayUnix, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to persist watermark for %s: %w", streamID, err)
	}
	return nil
}

// LoadWatermarks returns all persisted watermarks for this owner.
func (s *Store) LoadWatermarks() (map[string]uint64, map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT stream_id, seq, replay_ts FROM watermarks WHERE owner_id = ?`, s.ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load watermarks: %w", err)
	}
	defer rows.Close()

	seqs := make(map[string]uint64)
	replays := make(map[string]time.Time)
	for rows.Next() {
		var streamID string
		var seq, replayUnix int64
		if err := rows.Scan(&streamID, &seq, &replayUnix); err != nil {
			return nil, nil, fmt.Errorf("failed to scan watermark row: %w", err)
		}
		if seq > 0 {
			seqs[streamID] = uint64(seq)
		}
		if replayUnix > 0 {
			replays[streamID] = time.Unix(0, replayUnix)
		}
	}
	return seqs, replays, rows.Err()
}

// MarkProcessed records that a connection request was handled.
func (s *Store) MarkProcessed(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO processed_requests (owner_id, request_key, accepted_at)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id, request_key) DO NOTHING`,
		s.ownerID, key, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to persist processed request %s: %w", key, err)
	}
	return nil
}

// IsProcessed reports whether the request was already handled, in this
// process run or a previous one.
func (s *Store) IsProcessed(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM processed_requests WHERE owner_id = ? AND request_key = ?`,
		s.ownerID, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processed request %s: %w", key, err)
	}
	return true, nil
}

// Reset deletes all rows for this owner. Used on identity switch.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM watermarks WHERE owner_id = ?`, s.ownerID); err != nil {
		return fmt.Errorf("failed to clear watermarks: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM processed_requests WHERE owner_id = ?`, s.ownerID); err != nil {
		return fmt.Errorf("failed to clear processed requests: %w", err)
	}
	return nil
}
