package api

import (
	"context"
	"net"
	"sync"

	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/transport"
)

// mockTransport records sent packets and registered handlers.
type mockTransport struct {
	mu       sync.Mutex
	packets  []*transport.Packet
	addrs    []net.Addr
	handlers map[transport.PacketType]transport.PacketHandler
	local    net.Addr
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		handlers: make(map[transport.PacketType]transport.PacketHandler),
		local:    &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000},
	}
}

func (m *mockTransport) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, packet)
	m.addrs = append(m.addrs, addr)
	return nil
}

func (m *mockTransport) Close() error        { return nil }
func (m *mockTransport) LocalAddr() net.Addr { return m.local }

func (m *mockTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[packetType] = handler
}

func (m *mockTransport) sent() []*transport.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*transport.Packet(nil), m.packets...)
}

// decodeSent decodes the i-th sent packet.
func (m *mockTransport) decodeSent(i int) (protocol.Message, []byte, net.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, payload, err := protocol.Unmarshal(m.packets[i].PacketType, m.packets[i].Data)
	return msg, payload, m.addrs[i], err
}

// mockServer records messages sent to the relay server.
type mockServer struct {
	mu       sync.Mutex
	addr     net.Addr
	messages []protocol.Message
}

func newMockServer() *mockServer {
	return &mockServer{addr: &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9000}}
}

func (m *mockServer) SendToServer(ctx context.Context, packetType transport.PacketType, payload []byte) error {
	msg, _, err := protocol.Unmarshal(packetType, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockServer) IsServer(addr net.Addr) bool {
	return addr.String() == m.addr.String()
}

func (m *mockServer) received() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.messages...)
}

type mockDialer struct{}

func (mockDialer) Dial(ctx context.Context, address string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", address)
}
