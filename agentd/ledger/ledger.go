// Package ledger provides access to the append-only log service that carries
// all agent-to-agent traffic. Every logical stream is an ordered sequence of
// entries; ordering is monotonic by sequence number within one stream and
// undefined across streams.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Operation values carried by stream entries.
const (
	OpRequest   = "request"   // connection request
	OpConfirmed = "confirmed" // confirmation of an earlier request
	OpMessage   = "message"   // application chat message
	OpProfile   = "profile"   // agent profile announcement
)

// LargePayloadPrefix marks a payload that was offloaded to the object store.
// The remainder of the payload is the object reference.
const LargePayloadPrefix = "objref:"

// ErrStreamNotFound is returned when a stream does not exist.
var ErrStreamNotFound = errors.New("ledger: stream not found")

// ErrObjectNotFound is returned when a large-payload reference cannot be resolved.
var ErrObjectNotFound = errors.New("ledger: object not found")

// Entry is one message on a stream. Seq and Timestamp are assigned by the
// log service on append; everything else is authored by the sender.
type Entry struct {
	Seq           uint64
	Timestamp     time.Time
	AuthorID      string
	Op            string
	CorrelationID uint64
	Payload       []byte
	Memo          string
}

// IsLargeRef reports whether the payload is an object-store reference.
func (e Entry) IsLargeRef() bool {
	return strings.HasPrefix(string(e.Payload), LargePayloadPrefix)
}

// LargeRef returns the object reference, or "" if the payload is inline.
func (e Entry) LargeRef() string {
	if !e.IsLargeRef() {
		return ""
	}
	return strings.TrimPrefix(string(e.Payload), LargePayloadPrefix)
}

// Reader reads entries from streams.
type Reader interface {
	// ReadAll returns every entry on the stream since genesis, in ascending
	// sequence order. A missing stream returns ErrStreamNotFound.
	ReadAll(ctx context.Context, streamID string) ([]Entry, error)
}

// Appender appends entries to streams.
type Appender interface {
	// Append writes the entry and returns the sequence number the log
	// service assigned to it. The stream is created if it does not exist.
	Append(ctx context.Context, streamID string, e Entry) (uint64, error)
}

// PayloadResolver fetches offloaded large payloads.
type PayloadResolver interface {
	ResolveLargePayload(ctx context.Context, ref string) ([]byte, error)
}

// Ledger is the full log-service surface the agent consumes.
type Ledger interface {
	Reader
	Appender
	PayloadResolver
}

// envelope is the on-wire body of a stream entry. CBOR keeps the envelope
// compact and unambiguous for binary payloads. Seq and Timestamp stay off
// the wire: the log service assigns both on append.
type envelope struct {
	Author      string `cbor:"1,keyasint"`
	Op          string `cbor:"2,keyasint"`
	Correlation uint64 `cbor:"3,keyasint,omitempty"`
	Payload     []byte `cbor:"4,keyasint,omitempty"`
	Memo        string `cbor:"5,keyasint,omitempty"`
}

func encodeEnvelope(e Entry) ([]byte, error) {
	env := envelope{
		Author:      e.AuthorID,
		Op:          e.Op,
		Correlation: e.CorrelationID,
		Payload:     e.Payload,
		Memo:        e.Memo,
	}
	return cbor.Marshal(env)
}

func decodeEnvelope(data []byte) (Entry, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Entry{}, err
	}
	return Entry{
		AuthorID:      env.Author,
		Op:            env.Op,
		CorrelationID: env.Correlation,
		Payload:       env.Payload,
		Memo:          env.Memo,
	}, nil
}
