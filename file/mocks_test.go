package file

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"time"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

type sentPart struct {
	peer string
	part Part
}

type sentRemoval struct {
	id   ID
	room string
}

type sentRequest struct {
	peer string
	req  Request
}

// mockSender records every outbound message of the chunk server and downloader.
type mockSender struct {
	mu       sync.Mutex
	parts    []sentPart
	removals []sentRemoval
	requests []sentRequest
	sendErr  error
}

func newMockSender() *mockSender {
	return &mockSender{}
}

func (m *mockSender) SendFilePart(ctx context.Context, peer string, part Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.parts = append(m.parts, sentPart{peer: peer, part: part})
	return nil
}

func (m *mockSender) SendFileRemoved(ctx context.Context, id ID, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.removals = append(m.removals, sentRemoval{id: id, room: room})
	return nil
}

func (m *mockSender) RequestFilePart(ctx context.Context, peer string, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.requests = append(m.requests, sentRequest{peer: peer, req: req})
	return nil
}

func (m *mockSender) counts() (parts, removals, requests int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parts), len(m.removals), len(m.requests)
}

func (m *mockSender) lastRequest() sentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// yieldingReader is a ReadSeeker over data that yields the processor between
// Seek and Read, widening the window in which an unserialized concurrent
// caller would move the shared position.
type yieldingReader struct {
	data []byte
	pos  int64
}

func (y *yieldingReader) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.New("unsupported whence")
	}
	y.pos = offset
	runtime.Gosched()
	return offset, nil
}

func (y *yieldingReader) Read(p []byte) (int, error) {
	runtime.Gosched()
	if y.pos >= int64(len(y.data)) {
		return 0, io.EOF
	}
	n := copy(p, y.data[y.pos:])
	y.pos += int64(n)
	return n, nil
}

// gatedReader is a ReadSeeker whose Read signals entered and then blocks
// until gate is closed.
type gatedReader struct {
	*bytes.Reader
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedReader(data []byte) *gatedReader {
	return &gatedReader{
		Reader:  bytes.NewReader(data),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	return g.Reader.Read(p)
}

// closeTracker is a ReadSeeker that records Close calls.
type closeTracker struct {
	io.ReadSeeker
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return nil
}

// testContent returns size deterministic bytes.
func testContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
