package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LifecycleState tracks where a connection attempt stands.
type LifecycleState string

const (
	// StatePendingOutbound: we asked, no confirmation seen yet.
	StatePendingOutbound LifecycleState = "pending-outbound"
	// StateNeedsConfirmation: they asked us, we have not replied.
	StateNeedsConfirmation LifecycleState = "needs-confirmation"
	// StateEstablished: both sides observed a confirmation.
	StateEstablished LifecycleState = "established"
	// StateUnknown: legacy or incomplete record.
	StateUnknown LifecycleState = "unknown"
)

// syntheticPrefix marks placeholder stream ids for connections that have no
// real channel stream yet.
const syntheticPrefix = "pending:"

// ProfileInfo is cached remote metadata, best-effort.
type ProfileInfo struct {
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Connection is one negotiated or negotiating channel between the local
// agent and a remote party. StreamID is the primary key once established;
// placeholders carry a synthetic id.
type Connection struct {
	StreamID              string         `json:"stream_id"`
	RemotePartyID         string         `json:"remote_party_id"`
	RemoteDisplayName     string         `json:"remote_display_name,omitempty"`
	RemoteInboundStreamID string         `json:"remote_inbound_stream_id,omitempty"`
	State                 LifecycleState `json:"state"`
	RequestID             uint64         `json:"request_id,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	LastActivityAt        time.Time      `json:"last_activity_at,omitempty"`
	Profile               *ProfileInfo   `json:"profile,omitempty"`
}

// IsSynthetic reports whether the connection carries a placeholder stream id.
func (c *Connection) IsSynthetic() bool {
	return strings.HasPrefix(c.StreamID, syntheticPrefix)
}

func syntheticStreamID(requestID uint64, remotePartyID string) string {
	return fmt.Sprintf("%s%d:%s", syntheticPrefix, requestID, remotePartyID)
}

// durableState is the optional persistence layer behind the store. It is
// satisfied by *state.Store; a nil value keeps everything in memory.
type durableState interface {
	PutWatermark(streamID string, seq uint64, replay time.Time) error
}

// ConnectionStore holds the authoritative connection set and both watermark
// maps for one agent identity. All methods are safe for concurrent use; the
// store is owned by a single process per identity.
type ConnectionStore struct {
	mu          sync.RWMutex
	byStream    map[string]*Connection
	order       []string // insertion order, backs the 1-based display index
	watermarks  map[string]uint64    // dedup watermarks, sequence based
	replayMarks map[string]time.Time // replay watermarks, wall-clock based

	durable durableState
}

// NewConnectionStore creates an empty store. durable may be nil.
func NewConnectionStore(durable durableState) *ConnectionStore {
	return &ConnectionStore{
		byStream:    make(map[string]*Connection),
		watermarks:  make(map[string]uint64),
		replayMarks: make(map[string]time.Time),
		durable:     durable,
	}
}

// Upsert merges the connection into the store by stream id. Fields present
// in the update win over stored values; absent fields are preserved. An
// established connection collapses any placeholder carrying the same
// request id, so a pending record and its established successor never
// coexist.
func (s *ConnectionStore) Upsert(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.State == StateEstablished {
		s.collapsePlaceholdersLocked(conn)
	}

	existing, ok := s.byStream[conn.StreamID]
	if !ok {
		c := conn
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		s.byStream[c.StreamID] = &c
		s.order = append(s.order, c.StreamID)
		return
	}

	if conn.RemotePartyID != "" {
		existing.RemotePartyID = conn.RemotePartyID
	}
	if conn.RemoteDisplayName != "" {
		existing.RemoteDisplayName = conn.RemoteDisplayName
	}
	if conn.RemoteInboundStreamID != "" {
		existing.RemoteInboundStreamID = conn.RemoteInboundStreamID
	}
	if conn.State != "" {
		existing.State = conn.State
	}
	if conn.RequestID != 0 {
		existing.RequestID = conn.RequestID
	}
	if !conn.CreatedAt.IsZero() {
		existing.CreatedAt = conn.CreatedAt
	}
	if conn.LastActivityAt.After(existing.LastActivityAt) {
		existing.LastActivityAt = conn.LastActivityAt
	}
	if conn.Profile != nil {
		existing.Profile = conn.Profile
	}
}

// collapsePlaceholdersLocked removes placeholder records that the given
// established connection supersedes.
func (s *ConnectionStore) collapsePlaceholdersLocked(conn Connection) {
	for id, c := range s.byStream {
		if id == conn.StreamID || !c.IsSynthetic() {
			continue
		}
		sameRequest := conn.RequestID != 0 && c.RequestID == conn.RequestID
		sameParty := conn.RemotePartyID != "" && c.RemotePartyID == conn.RemotePartyID
		if sameRequest || sameParty {
			delete(s.byStream, id)
			s.removeFromOrderLocked(id)
		}
	}
}

func (s *ConnectionStore) removeFromOrderLocked(streamID string) {
	for i, id := range s.order {
		if id == streamID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// List returns a snapshot copy of all connections in display order.
func (s *ConnectionStore) List() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Connection, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.byStream[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// GetByIdentifier resolves a user-supplied token to a connection. It tries
// a 1-based display index first, then an exact remote party id, then an
// exact stream id. Index takes precedence.
func (s *ConnectionStore) GetByIdentifier(token string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx int
	if _, err := fmt.Sscanf(token, "%d", &idx); err == nil && fmt.Sprintf("%d", idx) == token {
		if idx >= 1 && idx <= len(s.order) {
			if c, ok := s.byStream[s.order[idx-1]]; ok {
				return *c, nil
			}
		}
	}

	for _, id := range s.order {
		c, ok := s.byStream[id]
		if ok && c.RemotePartyID == token {
			return *c, nil
		}
	}

	if c, ok := s.byStream[token]; ok {
		return *c, nil
	}

	return Connection{}, fmt.Errorf("%w: connection %q", ErrNotFound, token)
}

// GetByRemoteParty returns the connection to the given party in the given
// state, if one exists.
func (s *ConnectionStore) GetByRemoteParty(remotePartyID string, state LifecycleState) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		c, ok := s.byStream[id]
		if ok && c.RemotePartyID == remotePartyID && c.State == state {
			return *c, true
		}
	}
	return Connection{}, false
}

// Watermark returns the dedup watermark for the stream, 0 if unseen.
func (s *ConnectionStore) Watermark(streamID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[streamID]
}

// SetWatermarkIfNewer advances the dedup watermark. It is a no-op unless
// the value is strictly greater, which makes it safe under duplicate and
// concurrent calls; the watermark never decreases.
func (s *ConnectionStore) SetWatermarkIfNewer(streamID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.watermarks[streamID] {
		return
	}
	s.watermarks[streamID] = seq
	s.persistWatermarkLocked(streamID)
}

// ReplayWatermark returns the wall-clock replay watermark for the stream.
func (s *ConnectionStore) ReplayWatermark(streamID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.replayMarks[streamID]
	return t, ok
}

// SetReplayWatermarkIfNewer advances the replay watermark. Monotonic, like
// the dedup watermark; the two semantics never mix.
func (s *ConnectionStore) SetReplayWatermarkIfNewer(streamID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.replayMarks[streamID]; ok && !ts.After(cur) {
		return
	}
	s.replayMarks[streamID] = ts
	s.persistWatermarkLocked(streamID)
}

func (s *ConnectionStore) persistWatermarkLocked(streamID string) {
	if s.durable == nil {
		return
	}
	if err := s.durable.PutWatermark(streamID, s.watermarks[streamID], s.replayMarks[streamID]); err != nil {
		// Durable state is an optimization for restarts; the in-memory
		// watermark is still authoritative for this process.
		log.Warn().Str("stream_id", streamID).Err(err).Msg("Failed to persist watermark")
	}
}

// SeedWatermarks loads previously persisted watermarks. Called once at
// startup, before any loop runs.
func (s *ConnectionStore) SeedWatermarks(seqs map[string]uint64, replays map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seq := range seqs {
		if seq > s.watermarks[id] {
			s.watermarks[id] = seq
		}
	}
	for id, ts := range replays {
		if cur, ok := s.replayMarks[id]; !ok || ts.After(cur) {
			s.replayMarks[id] = ts
		}
	}
}

// Reset destroys all connections and watermarks. Used when the active agent
// identity switches; no state leaks across identities.
func (s *ConnectionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byStream = make(map[string]*Connection)
	s.order = nil
	s.watermarks = make(map[string]uint64)
	s.replayMarks = make(map[string]time.Time)
}
