// Package protocol encodes the TCPChat messages exchanged with the relay
// server and between peers.
//
// Every packet body is a frame:
//
//	[header_len (2 bytes)][header][payload]
//
// The header holds the message fields in big-endian order. Only
// WriteFilePart carries a payload, the raw bytes of the file part. Optional
// references (a file description, an endpoint, a user) are preceded by a
// one-byte presence flag so that a missing field survives the trip and is
// rejected by the component that requires it.
//
// Example:
//
//	pkt, err := protocol.Packet(protocol.ReadFilePart{
//	    File:   &desc,
//	    Room:   "lobby",
//	    Start:  0,
//	    Length: 64 * 1024,
//	}, nil)
//
//	msg, payload, err := protocol.Unmarshal(pkt.PacketType, pkt.Data)
package protocol
