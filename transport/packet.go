// Package transport implements the network transport layer for the TCPChat
// peer protocol.
//
// This package handles packet framing and TCP communication, both for the
// long-lived link to the relay server and for direct peer channels.
//
// Example:
//
//	t, err := transport.NewTCPTransport(":7000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    PacketType: transport.PacketReadFilePart,
//	    Data:       payload,
//	}
//
//	err = t.Send(packet, peerAddr)
package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a TCPChat packet.
type PacketType byte

const (
	// Relay server to client instructions
	PacketWaitPeerConnection PacketType = iota + 1
	PacketConnectToPeer
	PacketFileRemoved

	// Client to relay server notices
	PacketP2PReadyAccept
	PacketRemoveFileFromRoom

	// Peer to peer packet types
	PacketPeerHello
	PacketReadFilePart
	PacketWriteFilePart
)

var packetTypeNames = map[PacketType]string{
	PacketWaitPeerConnection: "WaitPeerConnection",
	PacketConnectToPeer:      "ConnectToPeer",
	PacketFileRemoved:        "FileRemoved",
	PacketP2PReadyAccept:     "P2PReadyAccept",
	PacketRemoveFileFromRoom: "RemoveFileFromRoom",
	PacketPeerHello:          "PeerHello",
	PacketReadFilePart:       "ReadFilePart",
	PacketWriteFilePart:      "WriteFilePart",
}

// String returns the protocol name of the packet type.
func (pt PacketType) String() string {
	if name, ok := packetTypeNames[pt]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", byte(pt))
}

// Packet represents a TCPChat protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}

	copy(packet.Data, data[1:])

	return packet, nil
}
