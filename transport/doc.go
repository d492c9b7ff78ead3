// Package transport moves framed packets between peers over TCP.
//
// Every packet on the wire is a 4-byte big-endian length followed by a
// one-byte PacketType and the packet body. TCPTransport keeps one
// connection per remote address, dispatches inbound packets to the
// handler registered for their type, and consults an optional
// AcceptPolicy before serving an inbound connection.
//
//	t, err := transport.NewTCPTransport(":0")
//	t.RegisterHandler(transport.PacketReadFilePart, handler)
//	addr, err := t.Dial(ctx, "203.0.113.7:7000")
//	err = t.Send(&transport.Packet{PacketType: transport.PacketPeerHello, Data: body}, addr)
package transport
