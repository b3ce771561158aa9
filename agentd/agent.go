package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
	"github.com/relaymesh/agentlink/agentd/state"
)

// Agent owns the full connection machinery for one agent identity: the
// connection store, the reconciler, the two periodic loops, and the tool
// surface. All state lives on this instance, so several identities can run
// in one process as separate Agents.
type Agent struct {
	cfg     *Config
	ledger  ledger.Ledger
	handler Handler
	log     zerolog.Logger

	mu         sync.Mutex
	id         Identity
	durable    *state.Store
	store      *ConnectionStore
	directory  *LedgerDirectory
	reconciler *Reconciler
	monitor    *Monitor
	deliverer  *Deliverer
	tools      *Tools
}

// NewAgent wires an agent from its configuration, ledger, and reasoning
// handler.
func NewAgent(cfg *Config, l ledger.Ledger, handler Handler, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		ledger:  l,
		handler: handler,
		log:     logger,
	}
	if err := a.bind(cfg.Identity); err != nil {
		return nil, err
	}
	return a, nil
}

// bind builds every identity-scoped component. Called at construction and
// again on identity switch.
func (a *Agent) bind(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	var durable *state.Store
	if a.cfg.State.Path != "" {
		var err error
		durable, err = state.Open(a.cfg.State.Path, id.AgentID)
		if err != nil {
			return fmt.Errorf("failed to open durable state: %w", err)
		}
	}

	store := NewConnectionStore(durableOrNil(durable))
	if durable != nil {
		seqs, replays, err := durable.LoadWatermarks()
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to load persisted watermarks, starting cold")
		} else {
			store.SeedWatermarks(seqs, replays)
		}
	}

	directory := NewLedgerDirectory(a.ledger)
	reconciler := NewReconciler(a.ledger, directory, store, id, a.log)
	acceptor := NewLedgerAcceptor(a.ledger, id)
	monitor := NewMonitor(reconciler, a.ledger, store, acceptor, id, a.cfg.Monitor, requestsOrNil(durable), a.log)
	deliverer := NewDeliverer(a.ledger, store, a.handler, id, a.cfg.Delivery, a.log)
	tools := NewTools(a.ledger, store, reconciler, directory, id, a.log)

	a.id = id
	a.durable = durable
	a.store = store
	a.directory = directory
	a.reconciler = reconciler
	a.monitor = monitor
	a.deliverer = deliverer
	a.tools = tools
	return nil
}

func durableOrNil(s *state.Store) durableState {
	if s == nil {
		return nil
	}
	return s
}

func requestsOrNil(s *state.Store) durableRequests {
	if s == nil {
		return nil
	}
	return s
}

// Tools returns the surface exposed to the reasoning collaborator.
func (a *Agent) Tools() *Tools {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tools
}

// SwitchIdentity destroys all state for the current identity and rebinds
// to the new one. Callers must not switch while either loop is mid-tick.
func (a *Agent) SwitchIdentity(id Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.store.Reset()
	if a.durable != nil {
		// The switch destroys all state for the old identity, persisted
		// rows included; switching back starts cold.
		if err := a.durable.Reset(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to clear durable state for previous identity")
		}
		a.durable.Close()
		a.durable = nil
	}

	if err := a.bind(id); err != nil {
		return err
	}

	a.log.Info().Str("agent_id", id.AgentID).Msg("Switched active identity")
	return nil
}

// Run announces the local profile and drives both periodic loops until the
// context is cancelled. The acceptance monitor restarts after each
// duration ceiling so monitoring is continuous while the daemon runs.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	id := a.id
	directory := a.directory
	monitor := a.monitor
	deliverer := a.deliverer
	a.mu.Unlock()

	if err := directory.Announce(ctx, id.AgentID, a.cfg.Profile, id.InboundStreamID); err != nil {
		a.log.Warn().Err(err).Msg("Profile announcement failed, discovery will lag")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := deliverer.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("Delivery loop exited")
		}
	}()

	if a.cfg.Monitor.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := monitor.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					a.log.Error().Err(err).Msg("Acceptance monitor exited")
					return
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()

	a.mu.Lock()
	if a.durable != nil {
		a.durable.Close()
	}
	a.mu.Unlock()

	return ctx.Err()
}
