package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// ErrMonitorBusy is returned when Run is invoked while a previous
// invocation is still ticking. The guard is per instance, not a
// distributed lock: two processes sharing one identity must not both run
// acceptance loops.
var ErrMonitorBusy = errors.New("acceptance monitor already running")

// Acceptor is the connection-acceptance collaborator. It performs whatever
// the log service requires to accept a request and returns the id of the
// new channel stream.
type Acceptor interface {
	AcceptRequest(ctx context.Context, localInboundStreamID, remoteAgentID string, requestID uint64, fee *FeeSchedule) (string, error)
}

// MonitorConfig tunes the acceptance monitor loop.
type MonitorConfig struct {
	Enabled             bool         `yaml:"enabled"`
	PollIntervalSeconds int          `yaml:"poll_interval_seconds"`
	DurationSeconds     int          `yaml:"duration_seconds"`
	AutoAccept          bool         `yaml:"auto_accept"`
	// TargetFilter restricts acceptance to requests from one party.
	TargetFilter  string       `yaml:"target_filter"`
	Fee           *FeeSchedule `yaml:"fee"`
	ExemptParties []string     `yaml:"exempt_parties"`
}

func (c MonitorConfig) pollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c MonitorConfig) duration() time.Duration {
	if c.DurationSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DurationSeconds) * time.Second
}

// durableRequests is the optional persistence for processed request ids.
// Satisfied by *state.Store; nil falls back to the process-lifetime set,
// in which case a restarted process relies on the established-party check
// to skip already-accepted requests.
type durableRequests interface {
	MarkProcessed(key string) error
	IsProcessed(key string) (bool, error)
}

// Monitor polls the local inbound log for new connection requests and,
// when auto-accept is on, accepts them with the configured fee terms.
// Acceptance is idempotent against an already-established remote party, so
// re-offering a handled request after a restart is safe.
type Monitor struct {
	reconciler *Reconciler
	ledger     ledger.Ledger
	store      *ConnectionStore
	acceptor   Acceptor
	id         Identity
	cfg        MonitorConfig
	durable    durableRequests
	log        zerolog.Logger

	running atomic.Bool

	mu        sync.Mutex
	processed map[string]struct{}
	announced map[string]struct{}
	highWater uint64 // inbound log position, separate from per-connection watermarks
}

// NewMonitor wires an acceptance monitor. durable may be nil.
func NewMonitor(rec *Reconciler, l ledger.Ledger, store *ConnectionStore, acc Acceptor, id Identity, cfg MonitorConfig, durable durableRequests, logger zerolog.Logger) *Monitor {
	return &Monitor{
		reconciler: rec,
		ledger:     l,
		store:      store,
		acceptor:   acc,
		id:         id,
		cfg:        cfg,
		durable:    durable,
		log:        logger.With().Str("component", "monitor").Logger(),
		processed:  make(map[string]struct{}),
		announced:  make(map[string]struct{}),
	}
}

func (m *Monitor) requestKeyFor(requestID uint64) string {
	return fmt.Sprintf("%s:%d", m.id.AgentID, requestID)
}

// Run ticks until the duration ceiling or context cancellation, whichever
// comes first. It terminates normally at the ceiling even if requests
// remain; the next invocation picks them up.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrMonitorBusy
	}
	defer m.running.Store(false)

	if err := m.id.Validate(); err != nil {
		return err
	}

	deadline := time.NewTimer(m.cfg.duration())
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.pollInterval())
	defer ticker.Stop()

	m.log.Info().
		Bool("auto_accept", m.cfg.AutoAccept).
		Dur("duration", m.cfg.duration()).
		Msg("Acceptance monitor started")

	for {
		if err := m.tick(ctx); err != nil {
			if errors.Is(err, ErrConfiguration) {
				return err
			}
			m.log.Warn().Err(err).Msg("Monitor tick failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			m.log.Info().Msg("Acceptance monitor reached its duration ceiling")
			return nil
		case <-ticker.C:
		}
	}
}

// tick performs one poll: refresh connections cheaply, read new inbound
// entries, and handle each new connection request.
func (m *Monitor) tick(ctx context.Context) error {
	if err := m.reconciler.Reconcile(ctx, ReconcileOptions{SkipEnrichment: true}); err != nil {
		if errors.Is(err, ErrConfiguration) {
			return err
		}
		m.log.Warn().Err(err).Msg("Reconcile before poll failed, using stale connection list")
	}

	entries, err := m.ledger.ReadAll(ctx, m.id.InboundStreamID)
	if err != nil {
		if errors.Is(err, ledger.ErrStreamNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read inbound log: %w", err)
	}

	for _, e := range entries {
		if e.Seq <= m.highWater {
			continue
		}
		if e.Op != ledger.OpRequest {
			m.highWater = e.Seq
			continue
		}
		if err := m.handleRequest(ctx, e); err != nil {
			// Leave the high-water mark below this entry so the next
			// tick retries it; later entries stay unprocessed to keep
			// ordering.
			return err
		}
		m.highWater = e.Seq
	}
	return nil
}

func (m *Monitor) handleRequest(ctx context.Context, e ledger.Entry) error {
	requestID := requestKey(e)
	key := m.requestKeyFor(requestID)
	remote := e.AuthorID

	if m.alreadyProcessed(key) {
		// ConflictIgnored: a duplicate offer is not an error.
		return nil
	}
	if m.cfg.TargetFilter != "" && remote != m.cfg.TargetFilter {
		return nil
	}
	if _, ok := m.store.GetByRemoteParty(remote, StateEstablished); ok {
		m.markProcessed(key)
		return nil
	}

	if !m.cfg.AutoAccept {
		m.mu.Lock()
		_, seen := m.announced[key]
		m.announced[key] = struct{}{}
		m.mu.Unlock()
		if !seen {
			m.log.Info().
				Str("remote_party", remote).
				Uint64("request_id", requestID).
				Msg("Connection request discovered (auto-accept disabled)")
		}
		return nil
	}

	fee, err := m.feeScheduleFor(remote)
	if err != nil {
		return err
	}

	channelID, err := m.acceptor.AcceptRequest(ctx, m.id.InboundStreamID, remote, requestID, fee)
	if err != nil {
		return fmt.Errorf("failed to accept request %d from %s: %w", requestID, remote, err)
	}

	m.store.Upsert(Connection{
		StreamID:              channelID,
		RemotePartyID:         remote,
		RemoteInboundStreamID: inboundStreamOfRequest(e),
		State:                 StateEstablished,
		RequestID:             requestID,
		CreatedAt:             e.Timestamp,
		LastActivityAt:        time.Now().UTC(),
	})
	m.markProcessed(key)

	m.log.Info().
		Str("remote_party", remote).
		Uint64("request_id", requestID).
		Str("channel_stream", channelID).
		Msg("Connection request accepted")
	return nil
}

// feeScheduleFor builds the per-acceptance fee terms: the configured base
// schedule with the requester and the configured exemptions always exempt.
func (m *Monitor) feeScheduleFor(requester string) (*FeeSchedule, error) {
	if m.cfg.Fee == nil {
		return nil, nil
	}

	fee := &FeeSchedule{
		FlatAmount: m.cfg.Fee.FlatAmount,
		Collector:  m.cfg.Fee.Collector,
	}
	fee.Exempt = append(fee.Exempt, m.cfg.Fee.Exempt...)
	fee.Exempt = append(fee.Exempt, m.cfg.ExemptParties...)
	if !fee.exempts(requester) {
		fee.Exempt = append(fee.Exempt, requester)
	}

	if err := fee.Validate(); err != nil {
		return nil, err
	}
	return fee, nil
}

func (m *Monitor) alreadyProcessed(key string) bool {
	m.mu.Lock()
	_, ok := m.processed[key]
	m.mu.Unlock()
	if ok {
		return true
	}
	if m.durable != nil {
		done, err := m.durable.IsProcessed(key)
		if err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("Processed-request lookup failed")
			return false
		}
		return done
	}
	return false
}

func (m *Monitor) markProcessed(key string) {
	m.mu.Lock()
	m.processed[key] = struct{}{}
	m.mu.Unlock()
	if m.durable != nil {
		if err := m.durable.MarkProcessed(key); err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("Failed to persist processed request")
		}
	}
}

// LedgerAcceptor accepts a request by appending the confirmation to the
// local inbound log and opening the channel stream.
type LedgerAcceptor struct {
	ledger ledger.Ledger
	id     Identity
}

// NewLedgerAcceptor creates the default acceptance collaborator.
func NewLedgerAcceptor(l ledger.Ledger, id Identity) *LedgerAcceptor {
	return &LedgerAcceptor{ledger: l, id: id}
}

// AcceptRequest opens a fresh channel stream and records the confirmation,
// back-referencing the request by correlation id.
func (a *LedgerAcceptor) AcceptRequest(ctx context.Context, localInboundStreamID, remoteAgentID string, requestID uint64, fee *FeeSchedule) (string, error) {
	channelID := "chan-" + newChannelSuffix()

	payload, err := marshalConfirmBody(confirmBody{ChannelStream: channelID, Fee: fee})
	if err != nil {
		return "", err
	}

	if _, err := a.ledger.Append(ctx, localInboundStreamID, ledger.Entry{
		AuthorID:      a.id.AgentID,
		Op:            ledger.OpConfirmed,
		CorrelationID: requestID,
		Payload:       payload,
	}); err != nil {
		return "", fmt.Errorf("failed to append confirmation: %w", err)
	}

	return channelID, nil
}
