package api

import (
	"context"
	"fmt"
	"net"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/transport"
)

// PeerSender delivers a message over an established peer connection.
type PeerSender interface {
	SendToPeer(ctx context.Context, connID string, packetType transport.PacketType, header, payload []byte) error
}

// ServerSender delivers a message to the relay server.
type ServerSender interface {
	SendToServer(ctx context.Context, packetType transport.PacketType, payload []byte) error
}

// TransportPeers sends peer messages over a transport whose connections are
// keyed by remote address.
type TransportPeers struct {
	t transport.Transport
}

// NewTransportPeers creates a PeerSender over t.
func NewTransportPeers(t transport.Transport) *TransportPeers {
	return &TransportPeers{t: t}
}

// SendToPeer frames header and payload and sends them over the open
// connection connID. A closed channel is not reopened: the transport
// returns transport.ErrNotConnected.
func (p *TransportPeers) SendToPeer(ctx context.Context, connID string, packetType transport.PacketType, header, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", connID)
	if err != nil {
		return fmt.Errorf("peer connection %q: %w", connID, err)
	}
	data, err := protocol.Frame(header, payload)
	if err != nil {
		return err
	}
	return p.t.Send(&transport.Packet{PacketType: packetType, Data: data}, addr)
}

// Outbox encodes the outbound messages of the core components. It serves
// as the chunk server's sender, the downloader's requester and the
// rendezvous messenger.
type Outbox struct {
	peers  PeerSender
	server ServerSender
}

// NewOutbox creates an outbox sending peer messages through peers and
// server messages through server.
func NewOutbox(peers PeerSender, server ServerSender) *Outbox {
	return &Outbox{peers: peers, server: server}
}

func (o *Outbox) toPeer(ctx context.Context, connID string, msg protocol.Message, payload []byte) error {
	header, err := protocol.EncodeHeader(msg)
	if err != nil {
		return err
	}
	return o.peers.SendToPeer(ctx, connID, msg.PacketType(), header, payload)
}

func (o *Outbox) toServer(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg, nil)
	if err != nil {
		return err
	}
	return o.server.SendToServer(ctx, msg.PacketType(), data)
}

// SendFilePart sends a WriteFilePart to the requesting peer.
func (o *Outbox) SendFilePart(ctx context.Context, peer string, part file.Part) error {
	msg := protocol.WriteFilePart{File: part.File, Room: part.Room, Start: part.Start}
	return o.toPeer(ctx, peer, msg, part.Data)
}

// SendFileRemoved sends a RemoveFileFromRoom to the relay server.
func (o *Outbox) SendFileRemoved(ctx context.Context, id file.ID, room string) error {
	return o.toServer(ctx, protocol.RemoveFileFromRoom{FileID: id, Room: room})
}

// RequestFilePart sends a ReadFilePart to the file owner's peer connection.
func (o *Outbox) RequestFilePart(ctx context.Context, peer string, req file.Request) error {
	msg := protocol.ReadFilePart{File: req.File, Room: req.Room, Start: req.Start, Length: req.Length}
	return o.toPeer(ctx, peer, msg, nil)
}

// AnnounceReady sends a P2PReadyAccept to the relay server.
func (o *Outbox) AnnounceReady(ctx context.Context, ack protocol.P2PReadyAccept) error {
	return o.toServer(ctx, ack)
}

// SendHello sends a PeerHello on a peer connection.
func (o *Outbox) SendHello(ctx context.Context, peer string, hello protocol.PeerHello) error {
	return o.toPeer(ctx, peer, hello, nil)
}
