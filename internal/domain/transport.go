package domain

import "context"

// MessageFunc receives inbound envelopes from a Transport. ctx is the
// connection's context and is cancelled when that connection closes.
type MessageFunc func(ctx context.Context, env Envelope)

// Transport is a message-framed, long-lived connection to the gateway.
// Implementations deliver inbound envelopes to the MessageFunc they were
// constructed with, one at a time and in arrival order.
type Transport interface {
	// Open dials the gateway and starts delivering envelopes.
	Open(ctx context.Context) error
	// Close tears the connection down. No envelope from the closed
	// connection is delivered after Close returns.
	Close() error
	// Restart closes the current connection and opens a new one.
	Restart(ctx context.Context) error
	// Send writes one envelope.
	Send(ctx context.Context, env Envelope) error
	// Running reports whether Open succeeded and Close has not been called.
	Running() bool
	// Alive reports whether the current connection is still readable.
	Alive() bool
}
