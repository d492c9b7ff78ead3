// Package relay implements the client's link to the always-reachable relay
// server that introduces peers to each other.
//
// The server address is either configured or discovered on the local
// network over mDNS. Connecting retries with exponential backoff across the
// known servers; once connected, instructions from the server arrive through
// the shared transport and notices are sent back with SendToServer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/transport"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when sending before Connect succeeded.
var ErrNotConnected = errors.New("not connected to relay server")

// State represents the current state of the relay link.
type State uint8

const (
	// StateDisconnected means no link to a relay server.
	StateDisconnected State = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the link is up.
	StateConnected
	// StateFailed means every attempt failed until the retry budget ran out.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Link is the part of the transport used to reach the server.
type Link interface {
	transport.Dialer
	Send(packet *transport.Packet, addr net.Addr) error
}

// Client maintains the link to a relay server.
type Client struct {
	link    Link
	servers []string

	mu         sync.RWMutex
	state      State
	serverAddr net.Addr
	next       int

	initialInterval time.Duration
	maxElapsed      time.Duration
}

// NewClient creates a client that reaches servers through link.
func NewClient(link Link, servers ...string) *Client {
	return &Client{
		link:            link,
		servers:         append([]string(nil), servers...),
		state:           StateDisconnected,
		initialInterval: 500 * time.Millisecond,
		maxElapsed:      30 * time.Second,
	}
}

// AddServer adds a relay server address to try.
func (c *Client) AddServer(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "AddServer",
		"address":  address,
	}).Info("Adding relay server")

	c.servers = append(c.servers, address)
}

// SetRetryPolicy configures the backoff of Connect. maxElapsed of zero
// retries until the context is cancelled.
func (c *Client) SetRetryPolicy(initial, maxElapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if initial > 0 {
		c.initialInterval = initial
	}
	c.maxElapsed = maxElapsed
}

// Connect dials the relay servers in turn, backing off between attempts,
// until one answers, the retry budget runs out or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if len(c.servers) == 0 {
		c.state = StateFailed
		c.mu.Unlock()
		return errors.New("no relay servers configured")
	}
	c.state = StateConnecting
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = c.maxElapsed
	c.mu.Unlock()

	logrus.WithField("function", "Connect").Info("Attempting relay connection")

	var addr net.Addr
	operation := func() error {
		server := c.nextServer()
		a, err := c.link.Dial(ctx, server)
		if err != nil {
			return err
		}
		addr = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err.Error(),
			"retry_in": wait,
		}).Warn("Failed to connect to relay server")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("failed to connect to any relay server: %w", err)
	}

	c.mu.Lock()
	c.serverAddr = addr
	c.state = StateConnected
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"address":  addr.String(),
	}).Info("Connected to relay server")

	return nil
}

func (c *Client) nextServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	server := c.servers[c.next%len(c.servers)]
	c.next++
	return server
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// State returns the link state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerAddr returns the address of the connected server.
func (c *Client) ServerAddr() (net.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverAddr, c.serverAddr != nil
}

// IsServer reports whether addr is the connected relay server.
func (c *Client) IsServer(addr net.Addr) bool {
	server, ok := c.ServerAddr()
	return ok && addr != nil && server.String() == addr.String()
}

// SendToServer sends a packet body of type packetType to the server.
func (c *Client) SendToServer(ctx context.Context, packetType transport.PacketType, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	server, ok := c.ServerAddr()
	if !ok {
		return ErrNotConnected
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SendToServer",
		"packet_type": packetType.String(),
		"size":        len(payload),
	}).Debug("Sending to relay server")

	return c.link.Send(&transport.Packet{PacketType: packetType, Data: payload}, server)
}

// HandleDisconnect resets the link when addr was the server.
func (c *Client) HandleDisconnect(addr net.Addr) {
	if !c.IsServer(addr) {
		return
	}

	c.mu.Lock()
	c.serverAddr = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleDisconnect",
		"address":  addr.String(),
	}).Warn("Relay server connection lost")
}
