package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/DepengLiu/TCPChat/limits"
)

// partialReadConn simulates a TCP connection that returns partial reads.
type partialReadConn struct {
	data       []byte
	readPos    int
	chunkSize  int
	readCalls  int
	closed     bool
	remoteAddr net.Addr
}

func newPartialReadConn(data []byte, chunkSize int) *partialReadConn {
	return &partialReadConn{
		data:       data,
		chunkSize:  chunkSize,
		remoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345},
	}
}

// Read simulates partial reads by returning only chunkSize bytes at a time.
func (p *partialReadConn) Read(b []byte) (n int, err error) {
	if p.closed {
		return 0, io.EOF
	}

	p.readCalls++

	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}

	toRead := p.chunkSize
	if toRead > len(b) {
		toRead = len(b)
	}
	if toRead > remaining {
		toRead = remaining
	}

	n = copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

func (p *partialReadConn) Write(b []byte) (n int, err error) { return len(b), nil }
func (p *partialReadConn) Close() error                      { p.closed = true; return nil }
func (p *partialReadConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}
func (p *partialReadConn) RemoteAddr() net.Addr               { return p.remoteAddr }
func (p *partialReadConn) SetDeadline(t time.Time) error      { return nil }
func (p *partialReadConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *partialReadConn) SetWriteDeadline(t time.Time) error { return nil }

func newBareTransport() *TCPTransport {
	return &TCPTransport{
		handlers: make(map[PacketType]PacketHandler),
		clients:  make(map[string]*tcpConn),
	}
}

func frame(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(payload))); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

// TestTCPTransportPartialReads verifies that TCP transport handles partial reads correctly.
func TestTCPTransportPartialReads(t *testing.T) {
	tests := []struct {
		name      string
		dataSize  int
		chunkSize int
	}{
		{"Single byte chunks for header", 100, 1},
		{"Two byte chunks", 256, 2},
		{"Three byte chunks (header not aligned)", 1024, 3},
		{"Large packet with small chunks", 4096, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.dataSize)
			conn := newPartialReadConn(frame(t, payload), tt.chunkSize)
			transport := newBareTransport()

			header := make([]byte, 4)
			length, err := transport.readPacketLength(conn, header)
			if err != nil {
				t.Fatalf("readPacketLength() unexpected error: %v", err)
			}
			if int(length) != tt.dataSize {
				t.Errorf("readPacketLength() got length %d, want %d", length, tt.dataSize)
			}

			data, err := transport.readPacketData(conn, length)
			if err != nil {
				t.Fatalf("readPacketData() unexpected error: %v", err)
			}
			if !bytes.Equal(data, payload) {
				t.Error("readPacketData() data corruption detected")
			}
		})
	}
}

// TestTCPTransportReadUnexpectedEOF verifies handling of unexpected EOF during reads.
func TestTCPTransportReadUnexpectedEOF(t *testing.T) {
	transport := newBareTransport()
	header := make([]byte, 4)

	// Incomplete header
	conn := newPartialReadConn([]byte{0, 0}, 1)
	if _, err := transport.readPacketLength(conn, header); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF for short header, got %v", err)
	}

	// Header claims 1000 bytes, only 96 follow
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1000))
	buf.Write(bytes.Repeat([]byte{0xCD}, 96))
	conn = newPartialReadConn(buf.Bytes(), 1)

	length, err := transport.readPacketLength(conn, header)
	if err != nil {
		t.Fatalf("Unexpected error reading header: %v", err)
	}
	if _, err := transport.readPacketData(conn, length); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF for partial payload, got %v", err)
	}
}

// TestTCPTransportRejectsOversizedFrame verifies the frame length limit.
func TestTCPTransportRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(limits.MaxPacketSize+1))
	conn := newPartialReadConn(buf.Bytes(), 4)

	_, err := newBareTransport().readPacketLength(conn, make([]byte, 4))
	if !errors.Is(err, limits.ErrPacketTooLarge) {
		t.Errorf("Expected ErrPacketTooLarge, got %v", err)
	}
}
