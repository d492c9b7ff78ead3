package file

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidRequest indicates a malformed part request. Nothing is sent.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotPosted indicates the file is no longer offered in the room.
	// The withdrawal notice has been sent instead of a part.
	ErrNotPosted = errors.New("file not posted")

	// ErrIOFailure indicates the posted file could not be read. Nothing is sent.
	ErrIOFailure = errors.New("file read failed")

	// ErrReadAbandoned indicates the file was withdrawn from its room while
	// the part was being read. Nothing is sent.
	ErrReadAbandoned = errors.New("file part read abandoned")
)

// Request asks for length bytes of File starting at Start, as offered in Room.
type Request struct {
	File   *Description
	Room   string
	Start  int64
	Length int64
}

// Validate checks the request fields in the order a part request is
// rejected: file, length, offset, room.
func (r Request) Validate() error {
	if r.File == nil || r.File.ID == "" {
		return fmt.Errorf("%w: missing file", ErrInvalidRequest)
	}
	if r.Length <= 0 {
		return fmt.Errorf("%w: non-positive length", ErrInvalidRequest)
	}
	if r.Start < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidRequest)
	}
	if r.Room == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidRequest)
	}
	return nil
}

// Part is a byte range of a posted file.
type Part struct {
	File  Description
	Room  string
	Start int64
	Data  []byte
}

// PostedFiles is the lookup side of the registry used to serve parts.
type PostedFiles interface {
	Lookup(id ID, room string) (*PostedFile, bool)
}

// PartSender carries the chunk server's single outbound message: either the
// part to the requesting peer or the withdrawal notice to the relay server.
type PartSender interface {
	SendFilePart(ctx context.Context, peer string, part Part) error
	SendFileRemoved(ctx context.Context, id ID, room string) error
}

// ChunkServer serves byte ranges of posted files to peers.
type ChunkServer struct {
	files PostedFiles
	out   PartSender
}

// NewChunkServer creates a chunk server over files that replies through out.
func NewChunkServer(files PostedFiles, out PartSender) *ChunkServer {
	return &ChunkServer{files: files, out: out}
}

// PartLength returns how many bytes a request for length bytes at start
// yields from a file of the given size: min(length, size-start), never
// negative.
func PartLength(size, start, length int64) int64 {
	remaining := size - start
	if remaining <= 0 {
		return 0
	}
	if length < remaining {
		return length
	}
	return remaining
}

// Serve answers req from peer. On success the part has been sent to peer and
// is returned. If the file is not posted in the room, the withdrawal notice
// is sent to the relay server and an error wrapping ErrNotPosted is returned.
func (s *ChunkServer) Serve(ctx context.Context, peer string, req Request) (*Part, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry, ok := s.files.Lookup(req.File.ID, req.Room)
	if !ok {
		return nil, s.notPosted(ctx, req)
	}

	n := PartLength(entry.File.Size, req.Start, req.Length)

	data := []byte{}
	if n > 0 {
		var err error
		data, err = entry.readRange(ctx, req.Start, n)
		if errors.Is(err, ErrNotPosted) {
			return nil, s.notPosted(ctx, req)
		}
		if errors.Is(err, ErrReadAbandoned) {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"file_id":  req.File.ID,
				"room":     req.Room,
				"peer":     peer,
			}).Info("File withdrawn during read, dropping part")
			return nil, err
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"file_id":  req.File.ID,
				"room":     req.Room,
				"start":    req.Start,
				"length":   n,
				"peer":     peer,
				"error":    err.Error(),
			}).Error("Failed to read file part")
			return nil, err
		}
	}

	// A room torn down during the read abandons the request.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	part := &Part{
		File:  entry.File,
		Room:  req.Room,
		Start: req.Start,
		Data:  data,
	}

	if err := s.out.SendFilePart(ctx, peer, *part); err != nil {
		return nil, fmt.Errorf("send file part: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"file_id":  req.File.ID,
		"room":     req.Room,
		"start":    req.Start,
		"sent":     len(data),
		"peer":     peer,
	}).Debug("File part sent")

	return part, nil
}

// notPosted sends the withdrawal notice for req and returns the error
// reported to the caller.
func (s *ChunkServer) notPosted(ctx context.Context, req Request) error {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"file_id":  req.File.ID,
		"room":     req.Room,
	}).Warn("Requested file is not posted, notifying server")

	notPostedErr := fmt.Errorf("%w: file %s room %q", ErrNotPosted, req.File.ID, req.Room)
	if err := s.out.SendFileRemoved(ctx, req.File.ID, req.Room); err != nil {
		return errors.Join(notPostedErr, fmt.Errorf("send withdrawal notice: %w", err))
	}
	return notPostedErr
}
