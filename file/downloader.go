package file

import (
	"context"
	"fmt"
	"sync"

	"github.com/DepengLiu/TCPChat/limits"
	"github.com/sirupsen/logrus"
)

// PartRequester sends a part request to the owner's peer connection.
type PartRequester interface {
	RequestFilePart(ctx context.Context, peer string, req Request) error
}

// Downloader coordinates downloads with the peer transport. One download
// per file is active at a time; exactly one part request is outstanding
// per download.
type Downloader struct {
	out        PartRequester
	partLength int64
	downloads  map[ID]*Download
	mu         sync.RWMutex
}

// NewDownloader creates a downloader requesting partLength bytes per part.
// Non-positive or oversized lengths fall back to the protocol defaults.
func NewDownloader(out PartRequester, partLength int64) *Downloader {
	if partLength <= 0 {
		partLength = limits.DefaultFilePartLength
	}
	partLength = limits.ClampFilePartLength(partLength)

	return &Downloader{
		out:        out,
		partLength: partLength,
		downloads:  make(map[ID]*Download),
	}
}

// Start begins downloading desc, offered in room by the peer connection
// peer, into path.
func (m *Downloader) Start(ctx context.Context, desc Description, room, peer, path string) (*Download, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if room == "" {
		return nil, fmt.Errorf("%w: missing room", ErrInvalidRequest)
	}
	if peer == "" {
		return nil, fmt.Errorf("%w: missing peer", ErrInvalidRequest)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"file_id":   desc.ID,
		"file_name": desc.Name,
		"file_size": desc.Size,
		"room":      room,
		"peer":      peer,
	}).Info("Initiating download")

	m.mu.Lock()
	if existing, exists := m.downloads[desc.ID]; exists && !existing.isFinished() {
		m.mu.Unlock()
		return nil, fmt.Errorf("download already active for file %s", desc.ID)
	}
	download := newDownload(desc, room, peer, path)
	m.downloads[desc.ID] = download
	m.mu.Unlock()

	if err := download.open(); err != nil {
		return nil, err
	}

	if desc.Size == 0 {
		download.completeEmpty()
		return download, nil
	}

	if err := m.request(ctx, download, 0); err != nil {
		return nil, err
	}
	return download, nil
}

// Get retrieves a download by file identity.
func (m *Downloader) Get(id ID) (*Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	download, exists := m.downloads[id]
	if !exists {
		return nil, fmt.Errorf("download not found for file %s", id)
	}
	return download, nil
}

// HandlePart stores a part received from peer and requests the next one.
func (m *Downloader) HandlePart(ctx context.Context, peer string, part Part) error {
	download, err := m.Get(part.File.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandlePart",
			"file_id":  part.File.ID,
			"peer":     peer,
		}).Warn("Part received for unknown download")
		return err
	}

	if download.Peer != peer || download.Room != part.Room {
		return fmt.Errorf("part for file %s from %s room %q does not match download from %s room %q",
			part.File.ID, peer, part.Room, download.Peer, download.Room)
	}

	next, done, err := download.writePart(part)
	if err != nil || done {
		return err
	}

	if download.paused() {
		return nil
	}
	return m.request(ctx, download, next)
}

// Resume continues a paused download from the last stored byte.
func (m *Downloader) Resume(ctx context.Context, id ID) error {
	download, err := m.Get(id)
	if err != nil {
		return err
	}
	next, err := download.resume()
	if err != nil {
		return err
	}
	return m.request(ctx, download, next)
}

// Cancel aborts the download of id.
func (m *Downloader) Cancel(id ID) error {
	download, err := m.Get(id)
	if err != nil {
		return err
	}
	return download.Cancel()
}

// HandleWithdrawn fails the download of id from room after the owner
// withdrew the file.
func (m *Downloader) HandleWithdrawn(id ID, room string) {
	download, err := m.Get(id)
	if err != nil || download.Room != room {
		return
	}
	download.Fail(fmt.Errorf("%w: file %s room %q", ErrNotPosted, id, room))
}

// HandleDisconnect fails every unfinished download served by peer.
func (m *Downloader) HandleDisconnect(peer string) {
	m.mu.RLock()
	var affected []*Download
	for _, download := range m.downloads {
		if download.Peer == peer {
			affected = append(affected, download)
		}
	}
	m.mu.RUnlock()

	for _, download := range affected {
		download.Fail(fmt.Errorf("peer %s disconnected", peer))
	}
}

// CheckTimeouts runs stall detection on every download and returns the
// identities of those that stalled.
func (m *Downloader) CheckTimeouts() []ID {
	m.mu.RLock()
	downloads := make([]*Download, 0, len(m.downloads))
	for _, download := range m.downloads {
		downloads = append(downloads, download)
	}
	m.mu.RUnlock()

	var stalled []ID
	for _, download := range downloads {
		if err := download.CheckTimeout(); err != nil {
			stalled = append(stalled, download.File.ID)
		}
	}
	return stalled
}

func (m *Downloader) request(ctx context.Context, download *Download, start int64) error {
	req := Request{
		File:   &download.File,
		Room:   download.Room,
		Start:  start,
		Length: m.partLength,
	}
	if err := m.out.RequestFilePart(ctx, download.Peer, req); err != nil {
		err = fmt.Errorf("request file part: %w", err)
		download.Fail(err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "request",
		"file_id":  download.File.ID,
		"start":    start,
		"length":   m.partLength,
		"peer":     download.Peer,
	}).Debug("Requested file part")
	return nil
}
