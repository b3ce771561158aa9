package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// InboundMessage is one application message handed to the reasoning
// collaborator.
type InboundMessage struct {
	StreamID  string
	Seq       uint64
	AuthorID  string
	Timestamp time.Time
	Text      string
	Memo      string
}

// Handler is the external reasoning collaborator that consumes chat turns.
type Handler interface {
	HandleMessage(ctx context.Context, conn Connection, msg InboundMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn Connection, msg InboundMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, conn Connection, msg InboundMessage) error {
	return f(ctx, conn, msg)
}

// DeliveryConfig tunes the message delivery loop.
type DeliveryConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	BatchLimit            int `yaml:"batch_limit"`
	HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`
	ReplayWindowHours     int `yaml:"replay_window_hours"`
}

func (c DeliveryConfig) interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c DeliveryConfig) batchLimit() int {
	if c.BatchLimit <= 0 {
		return 5
	}
	return c.BatchLimit
}

func (c DeliveryConfig) handlerTimeout() time.Duration {
	if c.HandlerTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

func (c DeliveryConfig) replayWindow() time.Duration {
	if c.ReplayWindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.ReplayWindowHours) * time.Hour
}

// Deliverer polls every established connection for new application
// messages and hands each one to the reasoning collaborator exactly once
// within this process run. Failures and timeouts still mark the message
// processed: forward progress beats completeness, and an infinite retry of
// a poisoned message would starve the rest of the channel.
type Deliverer struct {
	ledger  ledger.Ledger
	store   *ConnectionStore
	handler Handler
	id      Identity
	cfg     DeliveryConfig
	log     zerolog.Logger

	mu        sync.Mutex
	inFlight  map[string]map[uint64]struct{}
	processed map[string]map[uint64]struct{}
}

// NewDeliverer wires a delivery loop. The handler is an explicit named
// dependency; it is never discovered by scanning.
func NewDeliverer(l ledger.Ledger, store *ConnectionStore, handler Handler, id Identity, cfg DeliveryConfig, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		ledger:    l,
		store:     store,
		handler:   handler,
		id:        id,
		cfg:       cfg,
		log:       logger.With().Str("component", "delivery").Logger(),
		inFlight:  make(map[string]map[uint64]struct{}),
		processed: make(map[string]map[uint64]struct{}),
	}
}

// Run ticks until the context is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	if err := d.id.Validate(); err != nil {
		return err
	}

	ticker := time.NewTicker(d.cfg.interval())
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.cfg.interval()).Msg("Delivery loop started")

	for {
		if err := d.RunOnce(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Delivery tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single delivery tick across all established
// connections. The per-cycle batch limit is global so one noisy channel
// cannot starve the others; leftovers wait for the next tick.
func (d *Deliverer) RunOnce(ctx context.Context) error {
	budget := d.cfg.batchLimit()

	for _, conn := range d.store.List() {
		if conn.State != StateEstablished {
			continue
		}
		if budget == 0 {
			break
		}

		entries, err := d.ledger.ReadAll(ctx, conn.StreamID)
		if err != nil {
			if !errors.Is(err, ledger.ErrStreamNotFound) {
				d.log.Warn().
					Str("stream_id", conn.StreamID).
					Err(err).
					Msg("Failed to read channel stream")
			}
			continue
		}

		replayMark := d.replayWatermark(conn.StreamID, entries)

		for _, e := range entries {
			if budget == 0 {
				break
			}
			if !d.isNew(conn.StreamID, e, replayMark) {
				continue
			}

			budget--
			d.deliverOne(ctx, conn, e)
		}
	}
	return nil
}

// isNew applies the spec for "new": an application message, authored by the
// other side, newer than the replay watermark, above the dedup watermark,
// and neither processed nor in flight.
func (d *Deliverer) isNew(streamID string, e ledger.Entry, replayMark time.Time) bool {
	if e.Op != ledger.OpMessage {
		return false
	}
	if e.AuthorID == d.id.AgentID {
		return false
	}
	if !e.Timestamp.After(replayMark) {
		return false
	}
	if e.Seq <= d.store.Watermark(streamID) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processed[streamID][e.Seq]; ok {
		return false
	}
	if _, ok := d.inFlight[streamID][e.Seq]; ok {
		return false
	}
	return true
}

// deliverOne hands a single message to the reasoning collaborator with a
// hard timeout. Success and failure both mark the sequence processed; the
// in-flight mark is always cleared last.
func (d *Deliverer) deliverOne(ctx context.Context, conn Connection, e ledger.Entry) {
	d.markInFlight(conn.StreamID, e.Seq)
	defer d.clearInFlight(conn.StreamID, e.Seq)

	msg := InboundMessage{
		StreamID:  conn.StreamID,
		Seq:       e.Seq,
		AuthorID:  e.AuthorID,
		Timestamp: e.Timestamp,
		Text:      d.resolveText(ctx, e),
		Memo:      e.Memo,
	}

	err := d.handOff(ctx, conn, msg)
	switch {
	case err == nil:
		d.log.Debug().
			Str("stream_id", conn.StreamID).
			Uint64("seq", e.Seq).
			Msg("Message handed off")
	case errors.Is(err, ErrTimeout):
		d.log.Warn().
			Str("stream_id", conn.StreamID).
			Uint64("seq", e.Seq).
			Msg("Reasoning hand-off timed out, message marked processed")
	default:
		d.log.Warn().
			Str("stream_id", conn.StreamID).
			Uint64("seq", e.Seq).
			Err(err).
			Msg("Reasoning hand-off failed, message marked processed")
	}

	d.markProcessed(conn.StreamID, e.Seq)
	d.store.SetWatermarkIfNewer(conn.StreamID, e.Seq)
	d.store.SetReplayWatermarkIfNewer(conn.StreamID, e.Timestamp)
}

// handOff races the handler against a timer. The handler receives a
// context that expires with the timer, but the race does not depend on it
// honoring cancellation.
func (d *Deliverer) handOff(ctx context.Context, conn Connection, msg InboundMessage) error {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.handlerTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.handler.HandleMessage(hctx, conn, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("%w after %s", ErrTimeout, d.cfg.handlerTimeout())
	}
}

// resolveText inlines an offloaded payload. A failed resolution degrades to
// the raw reference; the message is still delivered.
func (d *Deliverer) resolveText(ctx context.Context, e ledger.Entry) string {
	if !e.IsLargeRef() {
		return string(e.Payload)
	}
	data, err := d.ledger.ResolveLargePayload(ctx, e.LargeRef())
	if err != nil {
		d.log.Warn().Str("ref", e.LargeRef()).Err(err).Msg("Failed to resolve large payload")
		return string(e.Payload)
	}
	return string(data)
}

// replayWatermark returns the stream's replay watermark, seeding it on
// first observation. A cold start with no persisted state seeds from the
// newest message the local agent itself authored, else from now minus the
// replay window, so an entire history is never replayed.
func (d *Deliverer) replayWatermark(streamID string, entries []ledger.Entry) time.Time {
	if mark, ok := d.store.ReplayWatermark(streamID); ok {
		return mark
	}

	seed := time.Now().Add(-d.cfg.replayWindow())
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op == ledger.OpMessage && entries[i].AuthorID == d.id.AgentID {
			if entries[i].Timestamp.After(seed) {
				seed = entries[i].Timestamp
			}
			break
		}
	}

	d.store.SetReplayWatermarkIfNewer(streamID, seed)
	d.log.Debug().
		Str("stream_id", streamID).
		Time("seed", seed).
		Msg("Replay watermark seeded")
	return seed
}

func (d *Deliverer) markInFlight(streamID string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[streamID] == nil {
		d.inFlight[streamID] = make(map[uint64]struct{})
	}
	d.inFlight[streamID][seq] = struct{}{}
}

func (d *Deliverer) clearInFlight(streamID string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight[streamID], seq)
}

func (d *Deliverer) markProcessed(streamID string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.processed[streamID] == nil {
		d.processed[streamID] = make(map[uint64]struct{})
	}
	d.processed[streamID][seq] = struct{}{}
}
