// Package channels defines the adapter contract and the registry that
// fans adapter traffic into a single inbound stream.
package channels

import (
	"context"
	"time"

	"switchboard/pkg/protocol"
)

// Status is an adapter's self-reported health snapshot
type Status struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Adapter is one messaging channel. Implementations own their transport
// and translate between channel-native events and the normalized message
// shapes.
type Adapter interface {
	// Type is the stable channel identifier ("websocket", "telegram", ...)
	Type() string

	// Connect starts the adapter. It must not block beyond initial setup;
	// long-running receive loops run in adapter-owned goroutines.
	Connect(ctx context.Context) error

	// Disconnect stops the adapter and closes its Incoming channel
	Disconnect() error

	// Send delivers one outgoing message to a user on this channel
	Send(ctx context.Context, userID string, msg protocol.OutgoingMessage) error

	// Incoming is the adapter's stream of normalized inbound messages
	Incoming() <-chan protocol.IncomingMessage

	// Status reports the adapter's current health
	Status() Status
}

// TypingIndicator is an optional adapter capability. Channels that can
// show a "typing" state implement it to mask reply latency.
type TypingIndicator interface {
	SendTyping(ctx context.Context, userID string) error
}
