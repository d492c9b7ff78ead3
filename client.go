// Package tcpchat is the peer core of a chat client whose users share files
// in rooms and exchange them over direct connections brokered by a relay
// server.
//
// Example:
//
//	options := tcpchat.NewOptions()
//	options.Nick = "alice"
//	options.ServerAddr = "relay.example.net:9000"
//
//	client, err := tcpchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	desc, err := client.ShareFile("lobby", "/srv/share/notes.pdf")
//	...
//	err = client.Run(ctx)
package tcpchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/DepengLiu/TCPChat/api"
	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/protocol"
	"github.com/DepengLiu/TCPChat/relay"
	"github.com/DepengLiu/TCPChat/rendezvous"
	"github.com/DepengLiu/TCPChat/session"
	"github.com/DepengLiu/TCPChat/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Client composes the session, file sharing, rendezvous and transport.
type Client struct {
	options *Options

	session    *session.Session
	transport  *transport.TCPTransport
	relay      *relay.Client
	outbox     *api.Outbox
	chunks     *file.ChunkServer
	downloads  *file.Downloader
	coord      *rendezvous.Coordinator
	dispatcher *api.Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a client listening on options.ListenAddr. A nil options uses
// NewOptions, which has no nick and is rejected.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	user := session.User{Nick: options.Nick, Metadata: options.Metadata}
	if err := user.Validate(); err != nil {
		return nil, err
	}

	tcp, err := transport.NewTCPTransport(options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", options.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		options:   options,
		session:   session.New(user),
		transport: tcp,
		relay:     relay.NewClient(tcp),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.relay.SetRetryPolicy(0, options.ConnectRetry)
	if options.ServerAddr != "" {
		c.relay.AddServer(options.ServerAddr)
	}

	c.outbox = api.NewOutbox(api.NewTransportPeers(tcp), c.relay)
	c.chunks = file.NewChunkServer(c.session.Files(), c.outbox)
	c.downloads = file.NewDownloader(c.outbox, options.DownloadPartLength)

	slots := rendezvous.NewSlotTable(options.SlotTTL)
	slots.SetRequireSlot(options.RequireSlot)
	c.coord = rendezvous.NewCoordinator(c.session, slots, c.outbox, tcp)

	c.dispatcher = api.NewDispatcher(api.Config{
		Chunks:            c.chunks,
		Downloads:         c.downloads,
		Coordinator:       c.coord,
		Server:            c.relay,
		MaxPartLength:     options.MaxPartLength,
		RequestsPerSecond: options.ChunkRequestsPerSecond,
		RequestBurst:      options.ChunkRequestBurst,
	})
	c.dispatcher.Register(ctx, tcp)

	tcp.SetAcceptPolicy(slots)
	tcp.OnDisconnect(c.handleDisconnect)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"nick":     options.Nick,
		"listen":   tcp.LocalAddr().String(),
		"server":   options.ServerAddr,
	}).Info("Client created")

	return c, nil
}

// Session returns the local session.
func (c *Client) Session() *session.Session {
	return c.session
}

// LocalAddr returns the address peers connect to.
func (c *Client) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// Coordinator returns the rendezvous coordinator.
func (c *Client) Coordinator() *rendezvous.Coordinator {
	return c.coord
}

// Downloads returns the downloader.
func (c *Client) Downloads() *file.Downloader {
	return c.downloads
}

// Dispatcher returns the command dispatcher.
func (c *Client) Dispatcher() *api.Dispatcher {
	return c.dispatcher
}

// ShareFile posts the file at path into room.
func (c *Client) ShareFile(room, path string) (file.Description, error) {
	safePath, err := file.ValidatePath(path)
	if err != nil {
		return file.Description{}, err
	}

	desc, err := file.DescribeFile(safePath)
	if err != nil {
		return file.Description{}, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return file.Description{}, err
	}

	if _, err := c.session.Files().Post(desc, room, f); err != nil {
		f.Close()
		return file.Description{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ShareFile",
		"file_id":   desc.ID,
		"file_name": desc.Name,
		"size":      desc.Size,
		"room":      room,
	}).Info("Sharing file")

	return desc, nil
}

// WithdrawFile stops serving id in room and tells the relay server so the
// room learns the file is gone.
func (c *Client) WithdrawFile(ctx context.Context, id file.ID, room string) error {
	if !c.session.Files().Withdraw(id, room) {
		return fmt.Errorf("%w: file %s room %q", file.ErrNotPosted, id, room)
	}
	if _, connected := c.relay.ServerAddr(); !connected {
		return nil
	}
	return c.outbox.SendFileRemoved(ctx, id, room)
}

// LeaveRoom withdraws every file posted into room.
func (c *Client) LeaveRoom(room string) []file.Description {
	return c.session.Files().LeaveRoom(room)
}

// Connect dials a peer directly and binds it to nick.
func (c *Client) Connect(ctx context.Context, nick, address string) (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return "", err
	}
	return c.coord.Connect(ctx, protocol.ConnectToPeer{
		RemoteInfo: &session.User{Nick: nick},
		PeerPoint:  addr,
	})
}

// DownloadFile downloads desc, offered in room by peer, into path. The peer
// is a nick bound by the rendezvous or a peer connection ID.
func (c *Client) DownloadFile(ctx context.Context, desc file.Description, room, peer, path string) (*file.Download, error) {
	if connID, ok := c.coord.Peer(peer); ok {
		peer = connID
	}
	if !c.transport.Connected(peer) {
		return nil, fmt.Errorf("no direct connection to %s", peer)
	}

	download, err := c.downloads.Start(ctx, desc, room, peer, path)
	if err != nil {
		return nil, err
	}
	download.OnProgress(func(written int64, bytesPerSecond float64) {
		logrus.WithFields(logrus.Fields{
			"function": "DownloadFile",
			"file_id":  desc.ID,
			"written":  written,
			"size":     desc.Size,
			"speed":    bytesPerSecond,
		}).Debug("Download progress")
	})
	return download, nil
}

// Run connects to the relay server and services the client until ctx is
// done, Close is called or a component fails.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.connectRelay(gctx)
	})
	g.Go(func() error {
		return c.coord.Run(gctx, 0)
	})
	g.Go(func() error {
		return c.watchDownloads(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) connectRelay(ctx context.Context) error {
	if c.options.ServerAddr == "" {
		if !c.options.DiscoverServer {
			logrus.WithField("function", "connectRelay").Info("Running without relay server")
			return nil
		}
		addr, err := relay.DiscoverServer(ctx, c.options.DiscoveryTimeout)
		if err != nil {
			return err
		}
		c.relay.AddServer(addr)
	}
	return c.relay.Connect(ctx)
}

func (c *Client) watchDownloads(ctx context.Context) error {
	interval := c.options.StallCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if stalled := c.downloads.CheckTimeouts(); len(stalled) > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "watchDownloads",
					"stalled":  len(stalled),
				}).Warn("Downloads stalled")
			}
		}
	}
}

func (c *Client) handleDisconnect(addr net.Addr) {
	connID := addr.String()

	logrus.WithFields(logrus.Fields{
		"function": "handleDisconnect",
		"conn_id":  connID,
	}).Debug("Connection closed")

	c.downloads.HandleDisconnect(connID)
	c.coord.Forget(connID)
	c.dispatcher.HandleDisconnect(addr)
	c.relay.HandleDisconnect(addr)
}

// Close stops the client, closes every connection and withdraws all
// posted files.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = errors.Join(c.transport.Close(), c.session.Close())

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"nick":     c.options.Nick,
		}).Info("Client closed")
	})
	return err
}
