package core

import "context"

// SignalSender abstracts the outbound half of a signaling connection.
// Owned by the transport adapter; the adapter must Close() it.
type SignalSender interface {
	// Send marshals payload into an event envelope and queues it for writing.
	// It never blocks on the network; a full buffer yields ErrBackpressure.
	Send(ctx context.Context, event string, payload any) error
	Connected() bool
}
