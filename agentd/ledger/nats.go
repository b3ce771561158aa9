package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds connection settings for the JetStream-backed ledger.
type Config struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`

	// ObjectBucket is the object-store bucket for offloaded payloads.
	ObjectBucket string `yaml:"object_bucket"`

	// LargePayloadLimit is the inline payload size ceiling in bytes.
	// Payloads above it are inscribed into the object store and the
	// entry carries a reference instead.
	LargePayloadLimit int `yaml:"large_payload_limit"`
}

// DefaultConfig returns settings suitable for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		ReconnectWait:     2000,
		MaxReconnects:     -1,
		ObjectBucket:      "agentlink-payloads",
		LargePayloadLimit: 64 * 1024,
	}
}

// Client is a Ledger backed by NATS JetStream. Each logical stream id maps
// to one JetStream stream; the JetStream per-stream sequence is the entry
// sequence number.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
}

// Dial connects to NATS and prepares the JetStream context.
func Dial(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name("agentlink-ledger"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Ledger connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Ledger reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js, cfg: cfg}, nil
}

// Close drops the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}

// IsConnected reports whether the NATS connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// streamName maps a logical stream id to a JetStream-safe stream name.
func streamName(streamID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_")
	return "LGR_" + r.Replace(streamID)
}

func streamSubject(streamID string) string {
	return "ledger." + streamName(streamID)
}

// Append writes an entry to the stream, creating the stream on first use.
func (c *Client) Append(ctx context.Context, streamID string, e Entry) (uint64, error) {
	if c.cfg.LargePayloadLimit > 0 && len(e.Payload) > c.cfg.LargePayloadLimit {
		ref, err := c.inscribePayload(ctx, e.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to inscribe large payload: %w", err)
		}
		e.Payload = []byte(LargePayloadPrefix + ref)
	}

	data, err := encodeEnvelope(e)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entry: %w", err)
	}

	name := streamName(streamID)
	_, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{streamSubject(streamID)},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to ensure stream %s: %w", streamID, err)
	}

	ack, err := c.js.Publish(ctx, streamSubject(streamID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to append to stream %s: %w", streamID, err)
	}

	log.Debug().
		Str("stream_id", streamID).
		Uint64("seq", ack.Sequence).
		Str("op", e.Op).
		Msg("Entry appended")

	return ack.Sequence, nil
}

// ReadAll returns every entry on the stream in ascending sequence order.
// Entries whose envelope cannot be decoded are skipped; a corrupt entry
// must not hide the rest of the stream.
func (c *Client) ReadAll(ctx context.Context, streamID string) ([]Entry, error) {
	s, err := c.js.Stream(ctx, streamName(streamID))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to open stream %s: %w", streamID, err)
	}

	info, err := s.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info for %s: %w", streamID, err)
	}

	entries := make([]Entry, 0, info.State.Msgs)
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && seq > 0; seq++ {
		raw, err := s.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s seq %d: %w", streamID, seq, err)
		}

		e, err := decodeEnvelope(raw.Data)
		if err != nil {
			log.Warn().
				Str("stream_id", streamID).
				Uint64("seq", seq).
				Err(err).
				Msg("Skipping undecodable entry")
			continue
		}
		e.Seq = raw.Sequence
		e.Timestamp = raw.Time
		entries = append(entries, e)
	}

	return entries, nil
}

// ResolveLargePayload fetches an offloaded payload from the object store.
func (c *Client) ResolveLargePayload(ctx context.Context, ref string) ([]byte, error) {
	obs, err := c.js.ObjectStore(ctx, c.cfg.ObjectBucket)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object bucket: %w", err)
	}

	data, err := obs.GetBytes(ctx, ref)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to fetch object %s: %w", ref, err)
	}
	return data, nil
}

func (c *Client) inscribePayload(ctx context.Context, data []byte) (string, error) {
	obs, err := c.js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket: c.cfg.ObjectBucket,
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure object bucket: %w", err)
	}

	ref := uuid.New().String()
	if _, err := obs.PutBytes(ctx, ref, data); err != nil {
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	log.Debug().Str("ref", ref).Int("bytes", len(data)).Msg("Large payload inscribed")
	return ref, nil
}
