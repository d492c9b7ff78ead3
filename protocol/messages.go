package protocol

import (
	"fmt"
	"net"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/limits"
	"github.com/DepengLiu/TCPChat/session"
	"github.com/DepengLiu/TCPChat/transport"
)

// Message is a header carried by one packet type.
type Message interface {
	PacketType() transport.PacketType
	encode(e *encoder)
}

// ReadFilePart asks the owner of a posted file for a byte range.
type ReadFilePart struct {
	File   *file.Description
	Room   string
	Start  int64
	Length int64
}

func (ReadFilePart) PacketType() transport.PacketType { return transport.PacketReadFilePart }

func (m ReadFilePart) encode(e *encoder) {
	e.description(m.File)
	e.string(m.Room)
	e.int64(m.Start)
	e.int64(m.Length)
}

// Request converts the message into a chunk server request.
func (m ReadFilePart) Request() file.Request {
	return file.Request{File: m.File, Room: m.Room, Start: m.Start, Length: m.Length}
}

// WriteFilePart carries a byte range of a posted file. The bytes travel as
// the packet payload after the header.
type WriteFilePart struct {
	File  file.Description
	Room  string
	Start int64
}

func (WriteFilePart) PacketType() transport.PacketType { return transport.PacketWriteFilePart }

func (m WriteFilePart) encode(e *encoder) {
	e.description(&m.File)
	e.string(m.Room)
	e.int64(m.Start)
}

// Part joins the header with its payload.
func (m WriteFilePart) Part(payload []byte) file.Part {
	return file.Part{File: m.File, Room: m.Room, Start: m.Start, Data: payload}
}

// RemoveFileFromRoom tells the relay server a file is no longer offered in
// a room.
type RemoveFileFromRoom struct {
	FileID file.ID
	Room   string
}

func (RemoveFileFromRoom) PacketType() transport.PacketType {
	return transport.PacketRemoveFileFromRoom
}

func (m RemoveFileFromRoom) encode(e *encoder) {
	e.string(string(m.FileID))
	e.string(m.Room)
}

// FileRemoved is relayed by the server to room members after a file was
// withdrawn.
type FileRemoved struct {
	FileID file.ID
	Room   string
}

func (FileRemoved) PacketType() transport.PacketType { return transport.PacketFileRemoved }

func (m FileRemoved) encode(e *encoder) {
	e.string(string(m.FileID))
	e.string(m.Room)
}

// WaitPeerConnection instructs this client to expect a direct connection
// from SenderPoint and to tell the server it can be reached at RequestPoint.
type WaitPeerConnection struct {
	RemoteInfo   *session.User
	SenderPoint  *net.TCPAddr
	RequestPoint *net.TCPAddr
}

func (WaitPeerConnection) PacketType() transport.PacketType {
	return transport.PacketWaitPeerConnection
}

func (m WaitPeerConnection) encode(e *encoder) {
	e.user(m.RemoteInfo)
	e.endpoint(m.SenderPoint)
	e.endpoint(m.RequestPoint)
}

// ConnectToPeer instructs this client to dial PeerPoint, where RemoteInfo
// is waiting.
type ConnectToPeer struct {
	RemoteInfo *session.User
	PeerPoint  *net.TCPAddr
}

func (ConnectToPeer) PacketType() transport.PacketType { return transport.PacketConnectToPeer }

func (m ConnectToPeer) encode(e *encoder) {
	e.user(m.RemoteInfo)
	e.endpoint(m.PeerPoint)
}

// P2PReadyAccept acknowledges a WaitPeerConnection to the relay server.
type P2PReadyAccept struct {
	PeerPoint    *net.TCPAddr
	ReceiverNick string
	RemoteInfo   session.User
}

func (P2PReadyAccept) PacketType() transport.PacketType { return transport.PacketP2PReadyAccept }

func (m P2PReadyAccept) encode(e *encoder) {
	e.endpoint(m.PeerPoint)
	e.string(m.ReceiverNick)
	e.user(&m.RemoteInfo)
}

// PeerHello is the first packet on a direct connection. It names the
// dialing user.
type PeerHello struct {
	User session.User
}

func (PeerHello) PacketType() transport.PacketType { return transport.PacketPeerHello }

func (m PeerHello) encode(e *encoder) {
	e.user(&m.User)
}

// EncodeHeader encodes the fields of msg without framing.
func EncodeHeader(msg Message) ([]byte, error) {
	e := &encoder{}
	msg.encode(e)
	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.PacketType(), e.err)
	}
	return e.buf, nil
}

// Marshal encodes msg as a framed packet body followed by payload.
func Marshal(msg Message, payload []byte) ([]byte, error) {
	if len(payload) > 0 && msg.PacketType() != transport.PacketWriteFilePart {
		return nil, fmt.Errorf("%w: %s carries no payload", ErrMalformed, msg.PacketType())
	}
	if len(payload) > limits.MaxFilePartLength {
		return nil, fmt.Errorf("%w: payload of %d bytes", limits.ErrPacketTooLarge, len(payload))
	}

	header, err := EncodeHeader(msg)
	if err != nil {
		return nil, err
	}
	return Frame(header, payload)
}

// Packet encodes msg into a transport packet.
func Packet(msg Message, payload []byte) (*transport.Packet, error) {
	data, err := Marshal(msg, payload)
	if err != nil {
		return nil, err
	}
	return &transport.Packet{PacketType: msg.PacketType(), Data: data}, nil
}

// Unmarshal decodes the body of a packet of type pt. The payload is only
// non-empty for WriteFilePart and aliases data.
func Unmarshal(pt transport.PacketType, data []byte) (Message, []byte, error) {
	header, payload, err := SplitFrame(data)
	if err != nil {
		return nil, nil, err
	}
	if len(payload) > 0 && pt != transport.PacketWriteFilePart {
		return nil, nil, fmt.Errorf("%w: unexpected payload on %s", ErrMalformed, pt)
	}

	d := &decoder{data: header}
	var msg Message
	switch pt {
	case transport.PacketReadFilePart:
		msg = ReadFilePart{
			File:   d.description(),
			Room:   d.name("room", limits.MaxRoomNameLength),
			Start:  d.int64(),
			Length: d.int64(),
		}
	case transport.PacketWriteFilePart:
		desc := d.description()
		if desc == nil && d.err == nil {
			d.err = fmt.Errorf("%w: missing file", ErrMalformed)
		}
		m := WriteFilePart{
			Room:  d.name("room", limits.MaxRoomNameLength),
			Start: d.int64(),
		}
		if desc != nil {
			m.File = *desc
		}
		msg = m
	case transport.PacketRemoveFileFromRoom:
		msg = RemoveFileFromRoom{
			FileID: file.ID(d.name("file id", limits.MaxFileNameLength)),
			Room:   d.name("room", limits.MaxRoomNameLength),
		}
	case transport.PacketFileRemoved:
		msg = FileRemoved{
			FileID: file.ID(d.name("file id", limits.MaxFileNameLength)),
			Room:   d.name("room", limits.MaxRoomNameLength),
		}
	case transport.PacketWaitPeerConnection:
		msg = WaitPeerConnection{
			RemoteInfo:   d.user(),
			SenderPoint:  d.endpoint(),
			RequestPoint: d.endpoint(),
		}
	case transport.PacketConnectToPeer:
		msg = ConnectToPeer{
			RemoteInfo: d.user(),
			PeerPoint:  d.endpoint(),
		}
	case transport.PacketP2PReadyAccept:
		m := P2PReadyAccept{
			PeerPoint:    d.endpoint(),
			ReceiverNick: d.name("receiver nick", limits.MaxNickLength),
		}
		if u := d.user(); u != nil {
			m.RemoteInfo = *u
		}
		msg = m
	case transport.PacketPeerHello:
		m := PeerHello{}
		if u := d.user(); u != nil {
			m.User = *u
		}
		msg = m
	default:
		return nil, nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, pt)
	}

	if err := d.finish(); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", pt, err)
	}
	return msg, payload, nil
}
