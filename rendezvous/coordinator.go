package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/session"
	"github.com/DepengLiu/TCPChat/transport"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRequest indicates an instruction with a missing field. Nothing
// is sent.
var ErrInvalidRequest = errors.New("invalid rendezvous request")

// Messenger carries the coordinator's outbound messages.
type Messenger interface {
	// AnnounceReady sends the acknowledgement to the relay server.
	AnnounceReady(ctx context.Context, ack protocol.P2PReadyAccept) error
	// SendHello introduces the local user on a freshly dialed peer connection.
	SendHello(ctx context.Context, peer string, hello protocol.PeerHello) error
}

// Coordinator runs the client side of the server-mediated handshake.
type Coordinator struct {
	session *session.Session
	slots   *SlotTable
	out     Messenger
	dialer  transport.Dialer

	mu    sync.RWMutex
	peers map[string]string // nick -> peer connection ID
}

// NewCoordinator creates a coordinator. The slot table's connection
// callback is taken over to bind the connecting peer's nick.
func NewCoordinator(s *session.Session, slots *SlotTable, out Messenger, dialer transport.Dialer) *Coordinator {
	c := &Coordinator{
		session: s,
		slots:   slots,
		out:     out,
		dialer:  dialer,
		peers:   make(map[string]string),
	}
	slots.OnConnected(func(slot Slot) {
		c.BindPeer(slot.RemoteInfo.Nick, slot.ConnID)
	})
	return c
}

// Slots returns the wait slot table.
func (c *Coordinator) Slots() *SlotTable {
	return c.slots
}

// BeginWait opens a wait slot for the instruction's sender endpoint and
// acknowledges to the relay server that this client can be reached at the
// request endpoint. The slot is registered before the acknowledgement
// leaves. A repeated instruction for the same sender reuses the open slot.
func (c *Coordinator) BeginWait(ctx context.Context, instr protocol.WaitPeerConnection) (Slot, error) {
	if instr.RemoteInfo == nil {
		return Slot{}, fmt.Errorf("%w: remote info", ErrInvalidRequest)
	}
	if instr.RequestPoint == nil {
		return Slot{}, fmt.Errorf("%w: request point", ErrInvalidRequest)
	}
	if instr.SenderPoint == nil {
		return Slot{}, fmt.Errorf("%w: sender point", ErrInvalidRequest)
	}

	slot, created := c.slots.Open(instr.SenderPoint, instr.RequestPoint, *instr.RemoteInfo)

	ack := protocol.P2PReadyAccept{
		PeerPoint:    instr.RequestPoint,
		ReceiverNick: instr.RemoteInfo.Nick,
		RemoteInfo:   c.session.LocalUser(),
	}

	logrus.WithFields(logrus.Fields{
		"function": "BeginWait",
		"sender":   instr.SenderPoint.String(),
		"request":  instr.RequestPoint.String(),
		"remote":   instr.RemoteInfo.Nick,
		"created":  created,
	}).Debug("Acknowledging wait instruction")

	if err := c.out.AnnounceReady(ctx, ack); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "BeginWait",
			"sender":   instr.SenderPoint.String(),
			"remote":   instr.RemoteInfo.Nick,
			"error":    err.Error(),
		}).Error("Failed to announce wait slot")
		return slot, fmt.Errorf("announce ready: %w", err)
	}

	c.slots.MarkAnnounced(instr.SenderPoint)
	slot, _ = c.slots.Get(instr.SenderPoint)
	return slot, nil
}

// Connect dials the waiting peer named by the instruction, introduces the
// local user and records the connection under the peer's nick. It returns
// the peer connection ID.
func (c *Coordinator) Connect(ctx context.Context, instr protocol.ConnectToPeer) (string, error) {
	if instr.RemoteInfo == nil {
		return "", fmt.Errorf("%w: remote info", ErrInvalidRequest)
	}
	if instr.PeerPoint == nil {
		return "", fmt.Errorf("%w: peer point", ErrInvalidRequest)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"peer":     instr.PeerPoint.String(),
		"remote":   instr.RemoteInfo.Nick,
	}).Info("Connecting to peer")

	addr, err := c.dialer.Dial(ctx, instr.PeerPoint.String())
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", instr.RemoteInfo.Nick, err)
	}
	connID := addr.String()

	hello := protocol.PeerHello{User: c.session.LocalUser()}
	if err := c.out.SendHello(ctx, connID, hello); err != nil {
		return "", fmt.Errorf("hello to %s: %w", instr.RemoteInfo.Nick, err)
	}

	c.BindPeer(instr.RemoteInfo.Nick, connID)
	return connID, nil
}

// HandleHello binds the nick announced on an inbound peer connection.
func (c *Coordinator) HandleHello(connID string, hello protocol.PeerHello) error {
	if hello.User.Nick == "" {
		return fmt.Errorf("%w: hello without nick", ErrInvalidRequest)
	}
	c.BindPeer(hello.User.Nick, connID)
	return nil
}

// BindPeer records connID as the direct connection to nick.
func (c *Coordinator) BindPeer(nick, connID string) {
	if nick == "" || connID == "" {
		return
	}

	c.mu.Lock()
	previous := c.peers[nick]
	c.peers[nick] = connID
	c.mu.Unlock()

	if previous != connID {
		logrus.WithFields(logrus.Fields{
			"function": "BindPeer",
			"nick":     nick,
			"conn_id":  connID,
		}).Info("Peer connection bound")
	}
}

// Peer returns the connection ID of the direct connection to nick.
func (c *Coordinator) Peer(nick string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	connID, ok := c.peers[nick]
	return connID, ok
}

// Forget drops every nick bound to connID after the connection closed.
func (c *Coordinator) Forget(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nick, id := range c.peers {
		if id == connID {
			delete(c.peers, nick)
		}
	}
}

// Run expires stale wait slots until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.slots.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.slots.Expire()
		}
	}
}
