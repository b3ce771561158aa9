package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// Identity names the local agent and its two public logs.
type Identity struct {
	AgentID          string `yaml:"agent_id"`
	InboundStreamID  string `yaml:"inbound_stream"`
	OutboundStreamID string `yaml:"outbound_stream"`
}

// Validate reports a structural configuration problem.
func (id Identity) Validate() error {
	if id.AgentID == "" || id.InboundStreamID == "" || id.OutboundStreamID == "" {
		return fmt.Errorf("%w: agent identity is incomplete", ErrConfiguration)
	}
	return nil
}

const (
	remoteLookupAttempts = 3
	remoteLookupDelay    = 500 * time.Millisecond
)

// ReconcileOptions tunes a reconciliation pass.
type ReconcileOptions struct {
	// SkipEnrichment skips the best-effort profile and last-activity
	// passes. Used by the acceptance monitor for cheap refreshes.
	SkipEnrichment bool
}

// Reconciler rebuilds the authoritative connection set from the local
// outbound and inbound logs. Each side of a negotiation appends to a
// different stream, so neither log alone is a complete view; the reconciler
// matches requests to confirmations across both and writes the result into
// the store. Re-running it with no new log entries is a no-op.
type Reconciler struct {
	ledger    ledger.Ledger
	directory Directory
	store     *ConnectionStore
	id        Identity
	log       zerolog.Logger

	// lookupDelay spaces remote-confirmation retries. Tests shrink it.
	lookupDelay time.Duration
}

// NewReconciler wires a reconciler. All collaborators are explicit; nothing
// is discovered at runtime.
func NewReconciler(l ledger.Ledger, dir Directory, store *ConnectionStore, id Identity, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger:      l,
		directory:   dir,
		store:       store,
		id:          id,
		log:         logger.With().Str("component", "reconciler").Logger(),
		lookupDelay: remoteLookupDelay,
	}
}

// requestKey returns the canonical correlation id of a request entry: the
// id stamped on the delivered copy when present, else the entry's own
// sequence number.
func requestKey(e ledger.Entry) uint64 {
	if e.CorrelationID != 0 {
		return e.CorrelationID
	}
	return e.Seq
}

// pairMatch couples a request with its confirmation from the same log.
type pairMatch struct {
	request      ledger.Entry
	confirmation ledger.Entry
}

// logMatch is the outcome of partitioning both logs. Pure data; no I/O has
// happened beyond the two reads that produced the inputs.
type logMatch struct {
	outboundConfirmed []pairMatch
	outboundPending   []ledger.Entry
	inboundConfirmed  []pairMatch
	inboundPending    []ledger.Entry
}

// matchLogs partitions the two logs into requests and confirmations and
// pairs them by correlation id. It is a pure function over two immutable
// snapshots, so the matching rules are testable without any log service.
func matchLogs(outbound, inbound []ledger.Entry) logMatch {
	var m logMatch

	outConfirms := make(map[uint64]ledger.Entry)
	for _, e := range outbound {
		if e.Op == ledger.OpConfirmed {
			outConfirms[e.CorrelationID] = e
		}
	}
	inConfirms := make(map[uint64]ledger.Entry)
	for _, e := range inbound {
		if e.Op == ledger.OpConfirmed {
			inConfirms[e.CorrelationID] = e
		}
	}

	for _, e := range outbound {
		if e.Op != ledger.OpRequest {
			continue
		}
		if c, ok := outConfirms[requestKey(e)]; ok {
			m.outboundConfirmed = append(m.outboundConfirmed, pairMatch{request: e, confirmation: c})
		} else {
			m.outboundPending = append(m.outboundPending, e)
		}
	}

	for _, e := range inbound {
		if e.Op != ledger.OpRequest {
			continue
		}
		if c, ok := inConfirms[requestKey(e)]; ok {
			m.inboundConfirmed = append(m.inboundConfirmed, pairMatch{request: e, confirmation: c})
		} else {
			m.inboundPending = append(m.inboundPending, e)
		}
	}

	return m
}

// Reconcile reads both local logs, infers the lifecycle state of every
// connection attempt, and upserts the results. Per-item failures (one
// unreachable profile, one unreadable remote stream) degrade that item
// only; the pass never aborts for them.
func (r *Reconciler) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	if err := r.id.Validate(); err != nil {
		return err
	}

	outbound, err := r.readLog(ctx, r.id.OutboundStreamID)
	if err != nil {
		return fmt.Errorf("failed to read outbound log: %w", err)
	}
	inbound, err := r.readLog(ctx, r.id.InboundStreamID)
	if err != nil {
		return fmt.Errorf("failed to read inbound log: %w", err)
	}

	m := matchLogs(outbound, inbound)

	results := newResultSet()

	// Fast path first: a local confirmation is authoritative and beats any
	// remote-stream lookup for the same request.
	for _, pair := range m.outboundConfirmed {
		r.materializeEstablished(results, pair, r.remotePartyOfOutbound(pair.request))
	}
	for _, pair := range m.inboundConfirmed {
		r.materializeEstablished(results, pair, pair.request.AuthorID)
	}

	for _, req := range m.outboundPending {
		r.resolveOutboundPending(ctx, results, req)
	}

	for _, req := range m.inboundPending {
		remote := req.AuthorID
		if results.hasEstablished(remote) {
			continue
		}
		if _, ok := r.store.GetByRemoteParty(remote, StateEstablished); ok {
			continue
		}
		key := requestKey(req)
		results.add(Connection{
			StreamID:              syntheticStreamID(key, remote),
			RemotePartyID:         remote,
			RemoteInboundStreamID: inboundStreamOfRequest(req),
			State:                 StateNeedsConfirmation,
			RequestID:             key,
			CreatedAt:             req.Timestamp,
		})
	}

	if !opts.SkipEnrichment {
		r.enrichProfiles(ctx, results)
		r.fillLastActivity(ctx, results)
	}

	for _, conn := range results.ordered {
		r.store.Upsert(*conn)
	}

	r.log.Debug().
		Int("outbound_confirmed", len(m.outboundConfirmed)).
		Int("outbound_pending", len(m.outboundPending)).
		Int("inbound_confirmed", len(m.inboundConfirmed)).
		Int("inbound_pending", len(m.inboundPending)).
		Msg("Reconciliation pass complete")
	return nil
}

// readLog reads one of the local logs. A stream that does not exist yet is
// an empty log, not an error.
func (r *Reconciler) readLog(ctx context.Context, streamID string) ([]ledger.Entry, error) {
	entries, err := r.ledger.ReadAll(ctx, streamID)
	if err != nil {
		if errors.Is(err, ledger.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// remotePartyOfOutbound extracts the target party from an outbound request.
func (r *Reconciler) remotePartyOfOutbound(req ledger.Entry) string {
	var body requestBody
	if err := json.Unmarshal(req.Payload, &body); err == nil && body.Target != "" {
		return body.Target
	}
	return ""
}

func inboundStreamOfRequest(req ledger.Entry) string {
	var body requestBody
	if err := json.Unmarshal(req.Payload, &body); err == nil {
		return body.InboundStream
	}
	return ""
}

// materializeEstablished turns a matched request/confirmation pair into an
// established connection. A confirmation with no readable channel stream is
// a legacy record and lands as unknown.
func (r *Reconciler) materializeEstablished(results *resultSet, pair pairMatch, remoteParty string) {
	key := requestKey(pair.request)

	var body confirmBody
	if err := json.Unmarshal(pair.confirmation.Payload, &body); err != nil || body.ChannelStream == "" {
		r.log.Warn().
			Uint64("request_id", key).
			Msg("Confirmation carries no channel stream, keeping record as unknown")
		results.add(Connection{
			StreamID:      syntheticStreamID(key, remoteParty),
			RemotePartyID: remoteParty,
			State:         StateUnknown,
			RequestID:     key,
			CreatedAt:     pair.request.Timestamp,
		})
		return
	}

	if remoteParty != "" && results.hasEstablished(remoteParty) {
		r.log.Debug().
			Str("remote_party", remoteParty).
			Uint64("request_id", key).
			Msg("Suppressing duplicate established connection")
		return
	}

	// The inbound_stream field of a request names the requester's own
	// inbound log, so it identifies the remote side only when the request
	// came from them.
	remoteInbound := ""
	if pair.request.AuthorID != r.id.AgentID {
		remoteInbound = inboundStreamOfRequest(pair.request)
	}

	results.add(Connection{
		StreamID:              body.ChannelStream,
		RemotePartyID:         remoteParty,
		RemoteInboundStreamID: remoteInbound,
		State:                 StateEstablished,
		RequestID:             key,
		CreatedAt:             pair.request.Timestamp,
		LastActivityAt:        pair.confirmation.Timestamp,
	})
}

// resolveOutboundPending handles an outbound request with no local
// confirmation: the remote party may have confirmed on their own inbound
// log without the confirmation having been mirrored back yet. Look there,
// with a few retries because their log is asynchronously replicated; fall
// back to a pending placeholder.
func (r *Reconciler) resolveOutboundPending(ctx context.Context, results *resultSet, req ledger.Entry) {
	key := requestKey(req)
	remote := r.remotePartyOfOutbound(req)

	if remote != "" && results.hasEstablished(remote) {
		return
	}

	if remote != "" {
		// An established record from an earlier pass means the request was
		// already resolved; a degraded lookup must not resurrect a pending
		// placeholder next to it.
		if _, ok := r.store.GetByRemoteParty(remote, StateEstablished); ok {
			return
		}
		for attempt := 1; attempt <= remoteLookupAttempts; attempt++ {
			conf, ok := r.findRemoteConfirmation(ctx, remote, key)
			if ok {
				r.materializeEstablished(results, pairMatch{request: req, confirmation: conf}, remote)
				return
			}
			if attempt < remoteLookupAttempts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.lookupDelay):
				}
			}
		}
	}

	results.add(Connection{
		StreamID:      syntheticStreamID(key, remote),
		RemotePartyID: remote,
		State:         StatePendingOutbound,
		RequestID:     key,
		CreatedAt:     req.Timestamp,
	})
}

// findRemoteConfirmation searches the remote party's public inbound stream
// for a confirmation of the given request. Any failure along the way is
// insufficient data for this item, nothing more.
func (r *Reconciler) findRemoteConfirmation(ctx context.Context, remoteParty string, key uint64) (ledger.Entry, bool) {
	streamID, err := r.directory.InboundStreamID(ctx, remoteParty)
	if err != nil {
		r.log.Warn().
			Str("remote_party", remoteParty).
			Err(err).
			Msg("Cannot resolve remote inbound stream")
		return ledger.Entry{}, false
	}

	entries, err := r.ledger.ReadAll(ctx, streamID)
	if err != nil {
		r.log.Warn().
			Str("remote_party", remoteParty).
			Str("stream_id", streamID).
			Err(err).
			Msg("Cannot read remote inbound stream")
		return ledger.Entry{}, false
	}

	for _, e := range entries {
		if e.Op == ledger.OpConfirmed && e.CorrelationID == key {
			return e, true
		}
	}
	return ledger.Entry{}, false
}

// enrichProfiles fills display names and profile info for every
// materialized connection, one deduplicated fetch per remote party.
// Failures leave the field unset.
func (r *Reconciler) enrichProfiles(ctx context.Context, results *resultSet) {
	parties := make(map[string][]*Connection)
	for _, conn := range results.ordered {
		if conn.RemotePartyID == "" {
			continue
		}
		parties[conn.RemotePartyID] = append(parties[conn.RemotePartyID], conn)
	}

	for party, conns := range parties {
		info, err := r.directory.Profile(ctx, party)
		if err != nil {
			r.log.Debug().Str("remote_party", party).Err(err).Msg("Profile fetch failed")
			for _, conn := range conns {
				if conn.RemoteDisplayName == "" {
					conn.RemoteDisplayName = placeholderName(party)
				}
			}
			continue
		}
		for _, conn := range conns {
			p := info
			conn.Profile = &p
			if info.DisplayName != "" {
				conn.RemoteDisplayName = info.DisplayName
			} else {
				conn.RemoteDisplayName = placeholderName(party)
			}
		}
	}
}

// fillLastActivity reads each established channel and records the newest
// entry timestamp. Best effort; a failed read leaves the field as is.
func (r *Reconciler) fillLastActivity(ctx context.Context, results *resultSet) {
	for _, conn := range results.ordered {
		if conn.State != StateEstablished {
			continue
		}
		entries, err := r.ledger.ReadAll(ctx, conn.StreamID)
		if err != nil || len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1].Timestamp
		if last.After(conn.LastActivityAt) {
			conn.LastActivityAt = last
		}
	}
}

// resultSet accumulates materialized connections within one pass, keeping
// insertion order and the established-per-party uniqueness invariant.
type resultSet struct {
	ordered     []*Connection
	established map[string]bool // remote party -> established seen this pass
}

func newResultSet() *resultSet {
	return &resultSet{established: make(map[string]bool)}
}

func (rs *resultSet) add(conn Connection) {
	c := conn
	rs.ordered = append(rs.ordered, &c)
	if c.State == StateEstablished && c.RemotePartyID != "" {
		rs.established[c.RemotePartyID] = true
	}
}

func (rs *resultSet) hasEstablished(remoteParty string) bool {
	return rs.established[remoteParty]
}
