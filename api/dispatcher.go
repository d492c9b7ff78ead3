package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/limits"
	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/rendezvous"
	"github.com/DepengLiu/TCPChat/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownCommand is returned by Dispatch for a nil command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrRateLimited indicates a part request dropped by the per-peer limiter.
	ErrRateLimited = errors.New("part request rate exceeded")

	// ErrUnexpectedSender indicates a server instruction from another peer.
	ErrUnexpectedSender = errors.New("instruction not from relay server")
)

// ServerIdentity tells the relay server apart from peers.
type ServerIdentity interface {
	IsServer(addr net.Addr) bool
}

// Config holds the components a Dispatcher drives.
type Config struct {
	Chunks      *file.ChunkServer
	Downloads   *file.Downloader
	Coordinator *rendezvous.Coordinator
	// Server identifies the relay server. Nil accepts server instructions
	// from any connection.
	Server ServerIdentity

	// MaxPartLength clamps the length of inbound part requests.
	MaxPartLength int64
	// RequestsPerSecond limits part requests per peer. Zero disables the limit.
	RequestsPerSecond float64
	RequestBurst      int
}

// Dispatcher decodes inbound packets into commands and runs the matching
// core operation.
type Dispatcher struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	ctx      context.Context
}

// NewDispatcher creates a dispatcher over cfg.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxPartLength <= 0 {
		cfg.MaxPartLength = limits.MaxFilePartLength
	}
	cfg.MaxPartLength = limits.ClampFilePartLength(cfg.MaxPartLength)
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}

	return &Dispatcher{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		ctx:      context.Background(),
	}
}

// Register installs a handler on t for every inbound packet type. Commands
// run under ctx.
func (d *Dispatcher) Register(ctx context.Context, t transport.Transport) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	for _, pt := range []transport.PacketType{
		transport.PacketReadFilePart,
		transport.PacketWriteFilePart,
		transport.PacketWaitPeerConnection,
		transport.PacketConnectToPeer,
		transport.PacketFileRemoved,
		transport.PacketPeerHello,
	} {
		t.RegisterHandler(pt, d.HandlePacket)
	}
}

// HandlePacket decodes a packet from addr and dispatches it.
func (d *Dispatcher) HandlePacket(packet *transport.Packet, addr net.Addr) error {
	msg, payload, err := protocol.Unmarshal(packet.PacketType, packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "HandlePacket",
			"packet_type": packet.PacketType.String(),
			"from":        addr.String(),
			"error":       err.Error(),
		}).Warn("Dropping undecodable packet")
		return err
	}

	cmd, ok := newCommand(msg, payload, addr.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, packet.PacketType)
	}

	if fromServer(cmd) && d.cfg.Server != nil && !d.cfg.Server.IsServer(addr) {
		logrus.WithFields(logrus.Fields{
			"function":    "HandlePacket",
			"packet_type": packet.PacketType.String(),
			"from":        addr.String(),
		}).Warn("Server instruction from a peer connection")
		return fmt.Errorf("%w: %s from %s", ErrUnexpectedSender, packet.PacketType, addr)
	}

	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	return d.Dispatch(ctx, cmd)
}

// Dispatch runs the core operation for cmd. Failures are logged and
// returned; nothing is sent for a rejected command.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case ReadFilePartCommand:
		return d.readFilePart(ctx, c)
	case WriteFilePartCommand:
		return d.writeFilePart(ctx, c)
	case WaitPeerConnectionCommand:
		return d.waitPeerConnection(ctx, c)
	case ConnectToPeerCommand:
		return d.connectToPeer(ctx, c)
	case FileRemovedCommand:
		return d.fileRemoved(c)
	case PeerHelloCommand:
		return d.peerHello(c)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (d *Dispatcher) readFilePart(ctx context.Context, c ReadFilePartCommand) error {
	fields := logrus.Fields{
		"function": "readFilePart",
		"peer":     c.Peer,
		"room":     c.Msg.Room,
		"start":    c.Msg.Start,
		"length":   c.Msg.Length,
	}
	if c.Msg.File != nil {
		fields["file_id"] = c.Msg.File.ID
	}

	if !d.allow(c.Peer) {
		logrus.WithFields(fields).Warn("Part request rate exceeded")
		return fmt.Errorf("%w: %s", ErrRateLimited, c.Peer)
	}

	req := c.Msg.Request()
	if req.Length > d.cfg.MaxPartLength {
		req.Length = d.cfg.MaxPartLength
	}

	part, err := d.cfg.Chunks.Serve(ctx, c.Peer, req)
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, file.ErrNotPosted) || errors.Is(err, file.ErrReadAbandoned) {
			logrus.WithFields(fields).Warn("Requested file is not posted")
		} else {
			logrus.WithFields(fields).Error("Part request failed")
		}
		return err
	}

	fields["sent"] = len(part.Data)
	logrus.WithFields(fields).Debug("Served file part")
	return nil
}

func (d *Dispatcher) writeFilePart(ctx context.Context, c WriteFilePartCommand) error {
	if d.cfg.Downloads == nil {
		return fmt.Errorf("%w: no downloader", ErrUnknownCommand)
	}
	if err := d.cfg.Downloads.HandlePart(ctx, c.Peer, c.Msg.Part(c.Payload)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeFilePart",
			"peer":     c.Peer,
			"file_id":  c.Msg.File.ID,
			"start":    c.Msg.Start,
			"error":    err.Error(),
		}).Error("Failed to store file part")
		return err
	}
	return nil
}

func (d *Dispatcher) waitPeerConnection(ctx context.Context, c WaitPeerConnectionCommand) error {
	if _, err := d.cfg.Coordinator.BeginWait(ctx, c.Msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "waitPeerConnection",
			"error":    err.Error(),
		}).Error("Wait instruction failed")
		return err
	}
	return nil
}

func (d *Dispatcher) connectToPeer(ctx context.Context, c ConnectToPeerCommand) error {
	if _, err := d.cfg.Coordinator.Connect(ctx, c.Msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connectToPeer",
			"error":    err.Error(),
		}).Error("Connect instruction failed")
		return err
	}
	return nil
}

func (d *Dispatcher) fileRemoved(c FileRemovedCommand) error {
	logrus.WithFields(logrus.Fields{
		"function": "fileRemoved",
		"file_id":  c.Msg.FileID,
		"room":     c.Msg.Room,
	}).Info("File withdrawn from room")

	if d.cfg.Downloads != nil {
		d.cfg.Downloads.HandleWithdrawn(c.Msg.FileID, c.Msg.Room)
	}
	return nil
}

func (d *Dispatcher) peerHello(c PeerHelloCommand) error {
	return d.cfg.Coordinator.HandleHello(c.Peer, c.Msg)
}

// allow applies the per-peer part request limit.
func (d *Dispatcher) allow(peer string) bool {
	if d.cfg.RequestsPerSecond <= 0 {
		return true
	}

	d.mu.Lock()
	limiter, ok := d.limiters[peer]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RequestsPerSecond), d.cfg.RequestBurst)
		d.limiters[peer] = limiter
	}
	d.mu.Unlock()

	return limiter.Allow()
}

// HandleDisconnect drops the state kept for a closed peer connection.
func (d *Dispatcher) HandleDisconnect(addr net.Addr) {
	d.mu.Lock()
	delete(d.limiters, addr.String())
	d.mu.Unlock()
}
