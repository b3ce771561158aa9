package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// CheckOptions tunes CheckNewMessages.
type CheckOptions struct {
	// LatestOnly returns only the newest message.
	LatestOnly bool
	// Count caps how many recent messages are returned. 0 means all.
	Count int
}

// Tools is the surface exposed to the reasoning collaborator. Failures come
// back as descriptive text, not errors: the downstream consumer is a
// language model that reads string results.
type Tools struct {
	ledger     ledger.Ledger
	store      *ConnectionStore
	reconciler *Reconciler
	directory  Directory
	id         Identity
	log        zerolog.Logger
}

// NewTools wires the tool surface.
func NewTools(l ledger.Ledger, store *ConnectionStore, rec *Reconciler, dir Directory, id Identity, logger zerolog.Logger) *Tools {
	return &Tools{
		ledger:     l,
		store:      store,
		reconciler: rec,
		directory:  dir,
		id:         id,
		log:        logger.With().Str("component", "tools").Logger(),
	}
}

// ListConnections reconciles both logs and returns the current snapshot.
func (t *Tools) ListConnections(ctx context.Context) ([]Connection, error) {
	if err := t.reconciler.Reconcile(ctx, ReconcileOptions{}); err != nil {
		return nil, err
	}
	return t.store.List(), nil
}

// GetConnection resolves a token (display index, remote party id, or
// stream id) to a connection.
func (t *Tools) GetConnection(token string) (Connection, error) {
	return t.store.GetByIdentifier(token)
}

// RequestConnection initiates a new channel with the target agent: the
// request lands on our outbound log first (its sequence number there is the
// request id), then a copy is delivered to the target's inbound log
// carrying that id.
func (t *Tools) RequestConnection(ctx context.Context, targetAgentID, greeting string) string {
	if err := t.id.Validate(); err != nil {
		return fmt.Sprintf("Cannot send request: %v", err)
	}
	if targetAgentID == "" || targetAgentID == t.id.AgentID {
		return "Cannot send request: invalid target agent"
	}
	if _, ok := t.store.GetByRemoteParty(targetAgentID, StateEstablished); ok {
		return fmt.Sprintf("Already connected to %s", targetAgentID)
	}

	targetInbound, err := t.directory.InboundStreamID(ctx, targetAgentID)
	if err != nil {
		return fmt.Sprintf("Cannot reach %s: %v", targetAgentID, err)
	}

	body, err := json.Marshal(requestBody{
		Target:        targetAgentID,
		InboundStream: t.id.InboundStreamID,
		Greeting:      greeting,
	})
	if err != nil {
		return fmt.Sprintf("Cannot send request: %v", err)
	}

	requestID, err := t.ledger.Append(ctx, t.id.OutboundStreamID, ledger.Entry{
		AuthorID: t.id.AgentID,
		Op:       ledger.OpRequest,
		Payload:  body,
	})
	if err != nil {
		return fmt.Sprintf("Cannot record request: %v", err)
	}

	if _, err := t.ledger.Append(ctx, targetInbound, ledger.Entry{
		AuthorID:      t.id.AgentID,
		Op:            ledger.OpRequest,
		CorrelationID: requestID,
		Payload:       body,
	}); err != nil {
		// The outbound record exists, so reconciliation keeps the attempt
		// visible as pending even though the delivery failed.
		t.log.Warn().
			Str("target", targetAgentID).
			Uint64("request_id", requestID).
			Err(err).
			Msg("Failed to deliver request to target inbound log")
		return fmt.Sprintf("Request %d recorded but could not be delivered to %s yet", requestID, targetAgentID)
	}

	t.store.Upsert(Connection{
		StreamID:              syntheticStreamID(requestID, targetAgentID),
		RemotePartyID:         targetAgentID,
		RemoteInboundStreamID: targetInbound,
		State:                 StatePendingOutbound,
		RequestID:             requestID,
		CreatedAt:             time.Now().UTC(),
	})

	return fmt.Sprintf("Connection request %d sent to %s", requestID, targetAgentID)
}

// CheckNewMessages returns recent chat on the channel as display text.
// Offloaded payloads are resolved inline.
func (t *Tools) CheckNewMessages(ctx context.Context, token string, opts CheckOptions) string {
	conn, err := t.store.GetByIdentifier(token)
	if err != nil {
		return fmt.Sprintf("No such connection: %s", token)
	}
	if conn.State != StateEstablished {
		return fmt.Sprintf("Connection to %s is %s; no message channel yet", conn.RemotePartyID, conn.State)
	}

	entries, err := t.ledger.ReadAll(ctx, conn.StreamID)
	if err != nil {
		return fmt.Sprintf("Cannot read channel %s: %v", conn.StreamID, err)
	}

	var messages []ledger.Entry
	for _, e := range entries {
		if e.Op == ledger.OpMessage {
			messages = append(messages, e)
		}
	}
	if len(messages) == 0 {
		return "No messages yet on this channel"
	}

	if opts.LatestOnly {
		messages = messages[len(messages)-1:]
	} else if opts.Count > 0 && opts.Count < len(messages) {
		messages = messages[len(messages)-opts.Count:]
	}

	var b strings.Builder
	for _, e := range messages {
		label := e.AuthorID
		if e.AuthorID == t.id.AgentID {
			label = "me"
		} else if conn.RemoteDisplayName != "" {
			label = conn.RemoteDisplayName
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			e.Timestamp.UTC().Format(time.RFC3339), label, t.resolveText(ctx, e))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SendMessage appends a chat message to the channel stream.
func (t *Tools) SendMessage(ctx context.Context, token, text, memo string) string {
	conn, err := t.store.GetByIdentifier(token)
	if err != nil {
		return fmt.Sprintf("No such connection: %s", token)
	}
	if conn.State != StateEstablished {
		return fmt.Sprintf("Connection to %s is %s; cannot send yet", conn.RemotePartyID, conn.State)
	}
	if text == "" {
		return "Cannot send an empty message"
	}

	seq, err := t.ledger.Append(ctx, conn.StreamID, ledger.Entry{
		AuthorID: t.id.AgentID,
		Op:       ledger.OpMessage,
		Payload:  []byte(text),
		Memo:     memo,
	})
	if err != nil {
		return fmt.Sprintf("Failed to send message: %v", err)
	}

	t.store.Upsert(Connection{
		StreamID:       conn.StreamID,
		LastActivityAt: time.Now().UTC(),
	})

	return fmt.Sprintf("Message %d sent to %s", seq, conn.RemotePartyID)
}

func (t *Tools) resolveText(ctx context.Context, e ledger.Entry) string {
	if !e.IsLargeRef() {
		return string(e.Payload)
	}
	data, err := t.ledger.ResolveLargePayload(ctx, e.LargeRef())
	if err != nil {
		t.log.Warn().Str("ref", e.LargeRef()).Err(err).Msg("Failed to resolve large payload")
		return "(unresolvable attachment " + e.LargeRef() + ")"
	}
	return string(data)
}
