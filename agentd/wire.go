package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// requestBody is the JSON payload of an OpRequest entry. A request is
// appended to the requester's own outbound log first; the sequence number
// it receives there is the canonical request id. The copy delivered to the
// target's inbound log carries that id in the entry's correlation field.
type requestBody struct {
	// Target is the party the requester wants to reach. Present on the
	// outbound copy; the inbound copy identifies the requester by author.
	Target string `json:"target,omitempty"`
	// InboundStream is the requester's public inbound stream, so the
	// target can locate the requester's side of the negotiation.
	InboundStream string `json:"inbound_stream,omitempty"`
	Greeting      string `json:"greeting,omitempty"`
}

// confirmBody is the JSON payload of an OpConfirmed entry. The correlation
// field of the entry references the request being confirmed.
type confirmBody struct {
	// ChannelStream is the dedicated message stream for the new channel.
	ChannelStream string       `json:"channel_stream"`
	Fee           *FeeSchedule `json:"fee,omitempty"`
}

// FeeSchedule is the optional fee terms attached to an acceptance.
type FeeSchedule struct {
	FlatAmount float64  `json:"flat_amount" yaml:"flat_amount"`
	Collector  string   `json:"collector" yaml:"collector"`
	Exempt     []string `json:"exempt,omitempty" yaml:"exempt"`
}

// Validate rejects malformed fee terms before any acceptance is attempted.
func (f *FeeSchedule) Validate() error {
	if f == nil {
		return nil
	}
	if f.FlatAmount < 0 {
		return fmt.Errorf("%w: negative fee amount", ErrConfiguration)
	}
	if f.FlatAmount > 0 && f.Collector == "" {
		return fmt.Errorf("%w: fee schedule has no collector account", ErrConfiguration)
	}
	return nil
}

func marshalConfirmBody(body confirmBody) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal confirmation: %w", err)
	}
	return data, nil
}

func newChannelSuffix() string {
	return uuid.New().String()
}

// exempts reports whether the party pays no fee under this schedule.
func (f *FeeSchedule) exempts(partyID string) bool {
	if f == nil {
		return true
	}
	for _, id := range f.Exempt {
		if id == partyID {
			return true
		}
	}
	return false
}
