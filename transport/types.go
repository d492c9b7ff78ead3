package transport

import (
	"context"
	"net"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for network transports used by the client.
// The same abstraction carries the relay server link and direct peer channels.
type Transport interface {
	// Send sends a packet over the open connection to addr. It does not
	// open new connections.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

// Dialer opens an outbound connection that subsequently carries packets in
// both directions. It returns the remote address the connection is keyed by.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Addr, error)
}

// AcceptPolicy decides whether an inbound connection is admitted.
// A non-nil error refuses the connection.
type AcceptPolicy interface {
	Admit(remote net.Addr) error
}

// AcceptPolicyFunc adapts a function to AcceptPolicy.
type AcceptPolicyFunc func(remote net.Addr) error

// Admit implements AcceptPolicy.
func (f AcceptPolicyFunc) Admit(remote net.Addr) error {
	return f(remote)
}
