package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/limits"
	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single framed write.
const DefaultWriteTimeout = 5 * time.Second

var (
	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotConnected is returned by Send when no connection is open to
	// the destination. Connections are opened by Dial or by accepting.
	ErrNotConnected = errors.New("no connection to address")
)

// tcpConn pairs a connection with the lock that keeps frames from
// concurrent senders from interleaving.
type tcpConn struct {
	net.Conn
	writeMu sync.Mutex
}

// TCPTransport implements TCP-based communication for the peer protocol.
// It satisfies the Transport and Dialer interfaces. Connections are keyed by
// the remote address string, which doubles as the peer connection ID.
type TCPTransport struct {
	listener     net.Listener
	listenAddr   net.Addr
	handlers     map[PacketType]PacketHandler
	clients      map[string]*tcpConn
	policy       AcceptPolicy
	onDisconnect func(net.Addr)
	writeTimeout time.Duration
	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewTCPTransport creates a new TCP transport listener.
func NewTCPTransport(listenAddr string) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &TCPTransport{
		listener:     listener,
		listenAddr:   listener.Addr(),
		handlers:     make(map[PacketType]PacketHandler),
		clients:      make(map[string]*tcpConn),
		writeTimeout: DefaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewTCPTransport",
		"listen":   transport.listenAddr.String(),
	}).Info("TCP transport listening")

	// Start accepting connections
	go transport.acceptConnections()

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *TCPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// SetAcceptPolicy installs the policy consulted for every inbound connection.
// A nil policy admits everything.
func (t *TCPTransport) SetAcceptPolicy(policy AcceptPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = policy
}

// OnDisconnect sets a callback invoked after a connection is dropped.
func (t *TCPTransport) OnDisconnect(callback func(net.Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = callback
}

// Dial opens a connection to address and starts reading packets from it.
// An existing connection to any address the name resolves to is reused.
func (t *TCPTransport) Dial(ctx context.Context, address string) (net.Addr, error) {
	if t.ctx.Err() != nil {
		return nil, ErrTransportClosed
	}

	keys, err := resolveKeys(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	t.mu.RLock()
	for _, key := range keys {
		if existing, exists := t.clients[key]; exists {
			t.mu.RUnlock()
			return existing.RemoteAddr(), nil
		}
	}
	t.mu.RUnlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	tc := t.registerClient(conn)
	go t.handleConnection(tc)

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Outbound connection established")

	return conn.RemoteAddr(), nil
}

// resolveKeys returns the client keys address may be stored under, one per
// resolved IP, in the form conn.RemoteAddr().String() produces.
func resolveKeys(ctx context.Context, address string) ([]string, error) {
	host, portName, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portName)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ips))
	for _, ip := range ips {
		keys = append(keys, (&net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone}).String())
	}
	return keys, nil
}

// Send sends a packet over the open connection to addr. It never dials:
// without a connection it returns ErrNotConnected.
func (t *TCPTransport) Send(packet *Packet, addr net.Addr) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	conn, err := t.connection(addr)
	if err != nil {
		return err
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	return t.writePacketToConnection(conn, data)
}

// connection returns the open connection keyed by addr.
func (t *TCPTransport) connection(addr net.Addr) (*tcpConn, error) {
	addrKey := addr.String()

	t.mu.RLock()
	conn, exists := t.clients[addrKey]
	t.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, addrKey)
	}
	return conn, nil
}

// writePacketToConnection writes a length-prefixed frame as a single write.
func (t *TCPTransport) writePacketToConnection(conn *tcpConn, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data)))
	copy(frame[4:], data)

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}

	if _, err := conn.Write(frame); err != nil {
		t.cleanupConnection(conn)
		return err
	}
	return nil
}

// cleanupConnection removes connection from clients map and closes it.
func (t *TCPTransport) cleanupConnection(conn *tcpConn) {
	t.unregisterClient(conn)
	conn.Close()
}

// Close shuts down the transport.
func (t *TCPTransport) Close() error {
	t.cancel()

	// Close all client connections
	t.mu.Lock()
	for _, conn := range t.clients {
		conn.Close()
	}
	t.mu.Unlock()

	return t.listener.Close()
}

// LocalAddr returns the local address the transport is listening on.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Connected reports whether a connection keyed by addr is open.
func (t *TCPTransport) Connected(addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.clients[addr]
	return ok
}

// acceptConnections handles incoming connections.
func (t *TCPTransport) acceptConnections() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		if err := t.admit(conn.RemoteAddr()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Inbound connection refused")
			conn.Close()
			continue
		}

		// Handle the connection in a new goroutine
		go t.handleConnection(t.registerClient(conn))
	}
}

// admit consults the accept policy, if any.
func (t *TCPTransport) admit(remote net.Addr) error {
	t.mu.RLock()
	policy := t.policy
	t.mu.RUnlock()

	if policy == nil {
		return nil
	}
	return policy.Admit(remote)
}

// handleConnection processes data from a single TCP connection.
func (t *TCPTransport) handleConnection(conn *tcpConn) {
	defer conn.Close()
	defer t.unregisterClient(conn)

	t.processPacketLoop(conn, conn.RemoteAddr())
}

// registerClient adds a new client connection to the transport.
func (t *TCPTransport) registerClient(conn net.Conn) *tcpConn {
	tc := &tcpConn{Conn: conn}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[conn.RemoteAddr().String()] = tc
	return tc
}

// unregisterClient removes a client connection from the transport and
// fires the disconnect callback once.
func (t *TCPTransport) unregisterClient(conn *tcpConn) {
	addr := conn.RemoteAddr()

	t.mu.Lock()
	current, ok := t.clients[addr.String()]
	if ok && current == conn {
		delete(t.clients, addr.String())
	}
	callback := t.onDisconnect
	t.mu.Unlock()

	if ok && current == conn && callback != nil {
		callback(addr)
	}
}

// processPacketLoop continuously reads and processes packets from a connection.
func (t *TCPTransport) processPacketLoop(conn io.Reader, addr net.Addr) {
	header := make([]byte, 4)
	for {
		length, err := t.readPacketLength(conn, header)
		if err != nil {
			t.logReadError(addr, err)
			return
		}

		data, err := t.readPacketData(conn, length)
		if err != nil {
			t.logReadError(addr, err)
			return
		}

		t.processPacket(data, addr)
	}
}

func (t *TCPTransport) logReadError(addr net.Addr, err error) {
	if errors.Is(err, io.EOF) || t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "processPacketLoop",
		"remote":   addr.String(),
		"error":    err.Error(),
	}).Debug("Connection read ended")
}

// readPacketLength reads the 4-byte packet length header and returns the parsed length.
func (t *TCPTransport) readPacketLength(conn io.Reader, header []byte) (uint32, error) {
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(header)
	if err := limits.ValidatePacketSize(length); err != nil {
		return 0, err
	}
	return length, nil
}

// readPacketData reads packet data of the specified length from the connection.
func (t *TCPTransport) readPacketData(conn io.Reader, length uint32) ([]byte, error) {
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// processPacket parses packet data and dispatches it to the appropriate handler.
func (t *TCPTransport) processPacket(data []byte, addr net.Addr) {
	packet, err := ParsePacket(data)
	if err != nil {
		return
	}

	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":    "processPacket",
			"packet_type": packet.PacketType.String(),
			"remote":      addr.String(),
		}).Debug("No handler registered for packet type")
		return
	}

	go func(p *Packet, a net.Addr) {
		if err := handler(p, a); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "processPacket",
				"packet_type": p.PacketType.String(),
				"remote":      a.String(),
				"error":       err.Error(),
			}).Warn("Packet handler failed")
		}
	}(packet, addr)
}
