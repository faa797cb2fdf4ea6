// Package ws replicates operation stores over websockets. A Hub relays
// operations between connected replicas and replays its history to late
// joiners; a Client connects one store to a Hub.
package ws

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jrhy/sharedmap/opstore"
)

// MessageType represents the type of the message.
type MessageType string

const (
	// OpsMessage carries operations.
	OpsMessage MessageType = "ops"
	// WelcomeMessage tells a newly connected peer its ID.
	WelcomeMessage MessageType = "welcome"
)

// Message represents the message sent over the wire.
type Message struct {
	Type MessageType `json:"type"`

	// Replica is the hub-assigned ID of the peer that sent the operations,
	// or of the receiving peer in a WelcomeMessage.
	Replica uuid.UUID `json:"replica"`

	// Ops are msgpack-encoded operations.
	Ops [][]byte `json:"ops,omitempty"`
}

func encodeOps(ops []*opstore.Operation) ([][]byte, error) {
	out := make([][]byte, 0, len(ops))
	for _, op := range ops {
		b, err := opstore.Encode(op)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeOps(msgs [][]byte) ([]*opstore.Operation, error) {
	ops := make([]*opstore.Operation, len(msgs))
	for i, b := range msgs {
		ops[i] = &opstore.Operation{}
		if err := opstore.Decode(b, ops[i]); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return ops, nil
}
