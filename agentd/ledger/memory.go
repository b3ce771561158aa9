package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Ledger used by tests and by dev mode. Appends
// assign sequence numbers starting at 1 per stream; reads return copies.
type Memory struct {
	mu      sync.RWMutex
	streams map[string][]Entry
	objects map[string][]byte

	// Clock lets tests control entry timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]Entry),
		objects: make(map[string][]byte),
		Clock:   time.Now,
	}
}

// Append assigns the next sequence number on the stream and stores the entry.
func (m *Memory) Append(ctx context.Context, streamID string, e Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.Seq = uint64(len(m.streams[streamID]) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = m.Clock()
	}
	m.streams[streamID] = append(m.streams[streamID], e)
	return e.Seq, nil
}

// ReadAll returns a copy of the stream contents.
func (m *Memory) ReadAll(ctx context.Context, streamID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// ResolveLargePayload returns a stored object.
func (m *Memory) ResolveLargePayload(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[ref]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutObject stores a large payload under the given reference.
func (m *Memory) PutObject(ref string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = append([]byte(nil), data...)
}

// SetTimestamp rewrites the timestamp of an existing entry. Test helper for
// building streams with controlled history.
func (m *Memory) SetTimestamp(streamID string, seq uint64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[streamID]
	for i := range entries {
		if entries[i].Seq == seq {
			entries[i].Timestamp = ts
			return nil
		}
	}
	return fmt.Errorf("no entry %d on stream %s", seq, streamID)
}
