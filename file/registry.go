package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyPosted is returned when a file is posted twice to the same room.
var ErrAlreadyPosted = errors.New("file already posted to room")

// PostedFile is a file this client offers in one room, paired with the
// handle chunk requests are read from.
type PostedFile struct {
	File Description
	Room string

	// mu serializes seek+read on handle and guards withdrawn.
	mu        sync.Mutex
	handle    io.ReadSeeker
	withdrawn bool

	// withdrawing is set before release waits on mu, so a read already
	// holding mu can see that its result must be dropped.
	withdrawing atomic.Bool
}

// postedKey is the registry key: one entry per (file, room).
type postedKey struct {
	id   ID
	room string
}

// Registry is the table of files this client has offered to rooms.
// Lookups run concurrently; a read on one entry never blocks another entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[postedKey]*PostedFile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[postedKey]*PostedFile),
	}
}

// Post registers handle as the source for desc in room. The registry takes
// ownership of handle and closes it, if it is an io.Closer, on withdrawal.
func (r *Registry) Post(desc Description, room string, handle io.ReadSeeker) (*PostedFile, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if room == "" {
		return nil, errors.New("room name is empty")
	}
	if handle == nil {
		return nil, errors.New("read handle is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := postedKey{id: desc.ID, room: room}
	if _, exists := r.entries[key]; exists {
		return nil, fmt.Errorf("%w: file %s room %q", ErrAlreadyPosted, desc.ID, room)
	}

	entry := &PostedFile{File: desc, Room: room, handle: handle}
	r.entries[key] = entry

	logrus.WithFields(logrus.Fields{
		"function":  "Post",
		"file_id":   desc.ID,
		"file_name": desc.Name,
		"file_size": desc.Size,
		"room":      room,
	}).Info("File posted to room")

	return entry, nil
}

// Exists reports whether id is posted in room.
func (r *Registry) Exists(id ID, room string) bool {
	_, ok := r.Lookup(id, room)
	return ok
}

// Lookup returns the entry for id in room.
func (r *Registry) Lookup(id ID, room string) (*PostedFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[postedKey{id: id, room: room}]
	return entry, ok
}

// Files returns the descriptions posted in room.
func (r *Registry) Files(room string) []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var files []Description
	for key, entry := range r.entries {
		if key.room == room {
			files = append(files, entry.File)
		}
	}
	return files
}

// Withdraw removes id from room and closes its handle once any in-flight
// read has finished. It reports whether the file was posted.
func (r *Registry) Withdraw(id ID, room string) bool {
	r.mu.Lock()
	key := postedKey{id: id, room: room}
	entry, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if !ok {
		return false
	}

	entry.release()

	logrus.WithFields(logrus.Fields{
		"function": "Withdraw",
		"file_id":  id,
		"room":     room,
	}).Info("File withdrawn from room")

	return true
}

// LeaveRoom withdraws every file posted in room and returns their descriptions.
func (r *Registry) LeaveRoom(room string) []Description {
	r.mu.Lock()
	var removed []*PostedFile
	for key, entry := range r.entries {
		if key.room == room {
			removed = append(removed, entry)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	files := make([]Description, 0, len(removed))
	for _, entry := range removed {
		entry.release()
		files = append(files, entry.File)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LeaveRoom",
		"room":     room,
		"files":    len(files),
	}).Info("Withdrew room files")

	return files
}

// Close withdraws every entry.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[postedKey]*PostedFile)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.release()
	}
	return nil
}

// release marks the entry withdrawn and closes its handle. It waits for
// the entry lock so a read in progress finishes on an open handle; that
// read then reports ErrReadAbandoned.
func (p *PostedFile) release() {
	p.withdrawing.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.withdrawn {
		return
	}
	p.withdrawn = true

	if closer, ok := p.handle.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "release",
				"file_id":  p.File.ID,
				"room":     p.Room,
				"error":    err.Error(),
			}).Warn("Failed to close posted file handle")
		}
	}
}

// readRange seeks to start and reads exactly n bytes under the entry lock.
// It returns ErrNotPosted if the entry was withdrawn before the lock was
// acquired, and ErrReadAbandoned if it was withdrawn while reading.
func (p *PostedFile) readRange(ctx context.Context, start, n int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.withdrawn {
		return nil, ErrNotPosted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := p.handle.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek to %d: %v", ErrIOFailure, start, err)
	}

	part := make([]byte, n)
	if read, err := io.ReadFull(p.handle, part); err != nil {
		return nil, fmt.Errorf("%w: read %d bytes at %d, got %d: %v", ErrIOFailure, n, start, read, err)
	}

	if p.withdrawing.Load() {
		return nil, fmt.Errorf("%w: file %s room %q", ErrReadAbandoned, p.File.ID, p.Room)
	}

	return part, nil
}
