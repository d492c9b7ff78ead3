package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/transport"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLink fails the first failures dials and records sent packets.
type mockLink struct {
	mu       sync.Mutex
	failures int
	dialed   []string
	sent     []*transport.Packet
	sentTo   []net.Addr
}

func (m *mockLink) Dial(ctx context.Context, address string) (net.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialed = append(m.dialed, address)
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("connection refused")
	}
	return net.ResolveTCPAddr("tcp", address)
}

func (m *mockLink) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, packet)
	m.sentTo = append(m.sentTo, addr)
	return nil
}

func TestConnectRetriesAcrossServers(t *testing.T) {
	link := &mockLink{failures: 2}
	c := NewClient(link, "10.0.0.1:9000", "10.0.0.2:9000")
	c.SetRetryPolicy(time.Millisecond, time.Second)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.1:9000"}, link.dialed)

	addr, ok := c.ServerAddr()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", addr.String())

	// Connecting again is a no-op.
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, link.dialed, 3)
}

func TestConnectGivesUp(t *testing.T) {
	link := &mockLink{failures: 1 << 30}
	c := NewClient(link, "10.0.0.1:9000")
	c.SetRetryPolicy(time.Millisecond, 20*time.Millisecond)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestConnectStopsOnCancel(t *testing.T) {
	link := &mockLink{failures: 1 << 30}
	c := NewClient(link, "10.0.0.1:9000")
	c.SetRetryPolicy(time.Millisecond, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}

func TestConnectWithoutServers(t *testing.T) {
	c := NewClient(&mockLink{})
	assert.Error(t, c.Connect(context.Background()))

	c.AddServer("10.0.0.1:9000")
	c.setState(StateDisconnected)
	assert.NoError(t, c.Connect(context.Background()))
}

func TestSendToServer(t *testing.T) {
	link := &mockLink{}
	c := NewClient(link, "10.0.0.1:9000")

	notice, err := protocol.Marshal(protocol.RemoveFileFromRoom{FileID: file.NewID(), Room: "r1"}, nil)
	require.NoError(t, err)
	err = c.SendToServer(context.Background(), transport.PacketRemoveFileFromRoom, notice)
	assert.ErrorIs(t, err, ErrNotConnected)

	notice, err = protocol.Marshal(protocol.RemoveFileFromRoom{FileID: "f1", Room: "r1"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SendToServer(context.Background(), transport.PacketRemoveFileFromRoom, notice))

	require.Len(t, link.sent, 1)
	assert.Equal(t, transport.PacketRemoveFileFromRoom, link.sent[0].PacketType)
	assert.Equal(t, "10.0.0.1:9000", link.sentTo[0].String())

	msg, _, err := protocol.Unmarshal(link.sent[0].PacketType, link.sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.RemoveFileFromRoom{FileID: "f1", Room: "r1"}, msg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.SendToServer(ctx, transport.PacketRemoveFileFromRoom, nil), context.Canceled)
}

func TestHandleDisconnect(t *testing.T) {
	c := NewClient(&mockLink{}, "10.0.0.1:9000")
	require.NoError(t, c.Connect(context.Background()))

	other, _ := net.ResolveTCPAddr("tcp", "10.0.0.5:1234")
	c.HandleDisconnect(other)
	assert.Equal(t, StateConnected, c.State())

	server, _ := c.ServerAddr()
	assert.True(t, c.IsServer(server))
	c.HandleDisconnect(server)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsServer(server))
}

func TestEntryAddress(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay", ServiceName, ServiceDomain)
	entry.Port = 9000

	_, err := entryAddress(entry)
	assert.Error(t, err)

	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	addr, err := entryAddress(entry)
	require.NoError(t, err)
	assert.Equal(t, "[fe80::1]:9000", addr)

	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}
	addr, err = entryAddress(entry)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:9000", addr)

	entry.Port = 0
	_, err = entryAddress(entry)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(9).String())
}
