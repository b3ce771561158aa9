package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// ErrNoProfile is returned when an agent has never announced a profile.
var ErrNoProfile = errors.New("no profile")

// Directory resolves agent identities to their public inbound stream and
// profile metadata.
type Directory interface {
	InboundStreamID(ctx context.Context, agentID string) (string, error)
	Profile(ctx context.Context, agentID string) (ProfileInfo, error)
}

// profileDoc is the payload of an OpProfile entry on an agent's profile
// stream. The newest entry wins.
type profileDoc struct {
	DisplayName   string `json:"display_name,omitempty"`
	Bio           string `json:"bio,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Type          string `json:"type,omitempty"`
	InboundStream string `json:"inbound_stream"`
}

func profileStreamID(agentID string) string {
	return "profile-" + agentID
}

// LedgerDirectory resolves profiles from well-known per-agent profile
// streams on the ledger itself.
type LedgerDirectory struct {
	ledger ledger.Ledger
}

// NewLedgerDirectory creates a directory backed by the given ledger.
func NewLedgerDirectory(l ledger.Ledger) *LedgerDirectory {
	return &LedgerDirectory{ledger: l}
}

func (d *LedgerDirectory) latestDoc(ctx context.Context, agentID string) (profileDoc, error) {
	entries, err := d.ledger.ReadAll(ctx, profileStreamID(agentID))
	if err != nil {
		if errors.Is(err, ledger.ErrStreamNotFound) {
			return profileDoc{}, fmt.Errorf("%w: %s", ErrNoProfile, agentID)
		}
		return profileDoc{}, fmt.Errorf("%w: profile read for %s: %v", ErrRemoteUnavailable, agentID, err)
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op != ledger.OpProfile {
			continue
		}
		var doc profileDoc
		if err := json.Unmarshal(entries[i].Payload, &doc); err != nil {
			log.Warn().
				Str("agent_id", agentID).
				Uint64("seq", entries[i].Seq).
				Err(err).
				Msg("Skipping malformed profile entry")
			continue
		}
		return doc, nil
	}
	return profileDoc{}, fmt.Errorf("%w: %s", ErrNoProfile, agentID)
}

// InboundStreamID returns the agent's public inbound stream id.
func (d *LedgerDirectory) InboundStreamID(ctx context.Context, agentID string) (string, error) {
	doc, err := d.latestDoc(ctx, agentID)
	if err != nil {
		return "", err
	}
	if doc.InboundStream == "" {
		return "", fmt.Errorf("%w: %s announced no inbound stream", ErrNoProfile, agentID)
	}
	return doc.InboundStream, nil
}

// Profile returns the agent's announced profile metadata.
func (d *LedgerDirectory) Profile(ctx context.Context, agentID string) (ProfileInfo, error) {
	doc, err := d.latestDoc(ctx, agentID)
	if err != nil {
		return ProfileInfo{}, err
	}
	return ProfileInfo{
		DisplayName: doc.DisplayName,
		Bio:         doc.Bio,
		Avatar:      doc.Avatar,
		Type:        doc.Type,
	}, nil
}

// Announce publishes the local agent's profile so other agents can discover
// its inbound stream.
func (d *LedgerDirectory) Announce(ctx context.Context, agentID string, info ProfileInfo, inboundStream string) error {
	doc := profileDoc{
		DisplayName:   info.DisplayName,
		Bio:           info.Bio,
		Avatar:        info.Avatar,
		Type:          info.Type,
		InboundStream: inboundStream,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	_, err = d.ledger.Append(ctx, profileStreamID(agentID), ledger.Entry{
		AuthorID: agentID,
		Op:       ledger.OpProfile,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to announce profile: %w", err)
	}

	log.Info().Str("agent_id", agentID).Str("inbound_stream", inboundStream).Msg("Profile announced")
	return nil
}

// placeholderName synthesizes a display label when no profile is available.
func placeholderName(agentID string) string {
	if len(agentID) > 12 {
		return "agent-" + agentID[:12]
	}
	return "agent-" + agentID
}
