package api

import (
	"github.com/DepengLiu/TCPChat/protocol"
)

// Command is one decoded inbound instruction. The set is closed: only the
// types in this package implement it, and Dispatch handles each of them.
type Command interface {
	command()
}

// ReadFilePartCommand is a part request from a peer.
type ReadFilePartCommand struct {
	Peer string
	Msg  protocol.ReadFilePart
}

// WriteFilePartCommand is a part delivered by a peer.
type WriteFilePartCommand struct {
	Peer    string
	Msg     protocol.WriteFilePart
	Payload []byte
}

// WaitPeerConnectionCommand is the relay server's instruction to wait for a
// direct connection.
type WaitPeerConnectionCommand struct {
	Msg protocol.WaitPeerConnection
}

// ConnectToPeerCommand is the relay server's instruction to dial a peer.
type ConnectToPeerCommand struct {
	Msg protocol.ConnectToPeer
}

// FileRemovedCommand is the relay server's notice that a file was withdrawn.
type FileRemovedCommand struct {
	Msg protocol.FileRemoved
}

// PeerHelloCommand introduces the user on an inbound peer connection.
type PeerHelloCommand struct {
	Peer string
	Msg  protocol.PeerHello
}

func (ReadFilePartCommand) command()       {}
func (WriteFilePartCommand) command()      {}
func (WaitPeerConnectionCommand) command() {}
func (ConnectToPeerCommand) command()      {}
func (FileRemovedCommand) command()        {}
func (PeerHelloCommand) command()          {}

// fromServer reports whether cmd may only be issued by the relay server.
func fromServer(cmd Command) bool {
	switch cmd.(type) {
	case WaitPeerConnectionCommand, ConnectToPeerCommand, FileRemovedCommand:
		return true
	default:
		return false
	}
}

// newCommand wraps a decoded message received from peer.
func newCommand(msg protocol.Message, payload []byte, peer string) (Command, bool) {
	switch m := msg.(type) {
	case protocol.ReadFilePart:
		return ReadFilePartCommand{Peer: peer, Msg: m}, true
	case protocol.WriteFilePart:
		return WriteFilePartCommand{Peer: peer, Msg: m, Payload: payload}, true
	case protocol.WaitPeerConnection:
		return WaitPeerConnectionCommand{Msg: m}, true
	case protocol.ConnectToPeer:
		return ConnectToPeerCommand{Msg: m}, true
	case protocol.FileRemoved:
		return FileRemovedCommand{Msg: m}, true
	case protocol.PeerHello:
		return PeerHelloCommand{Peer: peer, Msg: m}, true
	default:
		return nil, false
	}
}
