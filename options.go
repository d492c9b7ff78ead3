package tcpchat

import (
	"errors"
	"fmt"
	"time"

	"github.com/DepengLiu/TCPChat/limits"
	"github.com/DepengLiu/TCPChat/rendezvous"
)

// Options contains client configuration.
type Options struct {
	Nick     string
	Metadata map[string]string

	// ListenAddr is where direct peer connections are accepted.
	ListenAddr string
	// ServerAddr is the relay server. Empty with DiscoverServer set looks
	// the server up over mDNS; empty otherwise runs without a server.
	ServerAddr       string
	DiscoverServer   bool
	DiscoveryTimeout time.Duration
	// ConnectRetry bounds the backoff of the relay connection. Zero
	// retries until the client stops.
	ConnectRetry time.Duration

	// SlotTTL expires wait slots that never saw their connection.
	SlotTTL time.Duration
	// RequireSlot refuses inbound connections that match no wait slot.
	RequireSlot bool

	MaxPartLength          int64
	ChunkRequestsPerSecond float64
	ChunkRequestBurst      int

	DownloadPartLength int64
	StallCheckInterval time.Duration
}

// NewOptions creates a new Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ListenAddr:             ":0",
		DiscoveryTimeout:       5 * time.Second,
		ConnectRetry:           30 * time.Second,
		SlotTTL:                rendezvous.DefaultSlotTTL,
		MaxPartLength:          limits.MaxFilePartLength,
		ChunkRequestsPerSecond: 200,
		ChunkRequestBurst:      50,
		DownloadPartLength:     limits.DefaultFilePartLength,
		StallCheckInterval:     5 * time.Second,
	}
}

// Validate checks the options a client cannot start without.
func (o *Options) Validate() error {
	if err := limits.ValidateName("nick", o.Nick, limits.MaxNickLength); err != nil {
		return err
	}
	if o.ListenAddr == "" {
		return errors.New("listen address is empty")
	}
	if err := limits.ValidateFilePartLength(o.MaxPartLength, limits.MaxFilePartLength); err != nil {
		return fmt.Errorf("max part length: %w", err)
	}
	if err := limits.ValidateFilePartLength(o.DownloadPartLength, limits.MaxFilePartLength); err != nil {
		return fmt.Errorf("download part length: %w", err)
	}
	if o.ChunkRequestsPerSecond < 0 || o.ChunkRequestBurst < 0 {
		return errors.New("chunk request limit is negative")
	}
	return nil
}
