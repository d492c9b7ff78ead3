package rendezvous

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/protocol"
)

type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

type sentHello struct {
	peer  string
	hello protocol.PeerHello
}

// mockMessenger records acknowledgements and hellos.
type mockMessenger struct {
	mu         sync.Mutex
	acks       []protocol.P2PReadyAccept
	hellos     []sentHello
	sendErr    error
	onAnnounce func()
}

func (m *mockMessenger) AnnounceReady(ctx context.Context, ack protocol.P2PReadyAccept) error {
	if m.onAnnounce != nil {
		m.onAnnounce()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.acks = append(m.acks, ack)
	return nil
}

func (m *mockMessenger) SendHello(ctx context.Context, peer string, hello protocol.PeerHello) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.hellos = append(m.hellos, sentHello{peer: peer, hello: hello})
	return nil
}

func (m *mockMessenger) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acks)
}

// mockDialer returns a fixed local port for every dial.
type mockDialer struct {
	dialed []string
	err    error
}

func (m *mockDialer) Dial(ctx context.Context, address string) (net.Addr, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.dialed = append(m.dialed, address)
	host, _, _ := net.SplitHostPort(address)
	return &net.TCPAddr{IP: net.ParseIP(host), Port: 7000}, nil
}

func tcpAddr(s string) *net.TCPAddr {
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return a
}
