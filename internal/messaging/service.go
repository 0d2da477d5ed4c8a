// Package messaging defines the outbound send abstraction used by the
// delivery executor.
package messaging

import "context"

// Sender defines the external send capability for one messaging channel
// implementation. It is deliberately small: the executor treats the wire
// format as opaque and only needs "send text to address" plus group lookup.
type Sender interface {
	// SendMessage sends a text message to a recipient address. The address is
	// either an individual number or a structural group identifier.
	SendMessage(ctx context.Context, to string, body string) error

	// ResolveGroup looks up the structural group identifier for a group the
	// account participates in, by display name. Used when a contact's stored
	// group identifier is not structural.
	ResolveGroup(ctx context.Context, name string) (string, error)
}
