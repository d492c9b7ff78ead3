package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceName is the mDNS service name of a relay server.
	ServiceName = "_tcpchat._tcp"
	// ServiceDomain is the mDNS service domain.
	ServiceDomain = "local."
	// DefaultDiscoveryTimeout bounds DiscoverServer.
	DefaultDiscoveryTimeout = 5 * time.Second
)

// Advertise publishes a relay server listening on port. Shut the returned
// server down to withdraw the record.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(instance, ServiceName, ServiceDomain, port, []string{"txtv=0"}, nil)
	if err != nil {
		return nil, fmt.Errorf("could not register service: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"instance": instance,
		"port":     port,
	}).Info("Advertising relay server")

	return server, nil
}

// DiscoverServer browses the local network for a relay server and returns
// the address of the first one found.
func DiscoverServer(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)

	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			addr, err := entryAddress(entry)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "DiscoverServer",
					"instance": entry.Instance,
					"error":    err.Error(),
				}).Debug("Skipping relay server entry")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "DiscoverServer",
				"instance": entry.Instance,
				"address":  addr,
			}).Info("Discovered relay server")

			select {
			case found <- addr:
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		return "", fmt.Errorf("failed to browse: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", errors.New("relay server discovery timed out")
	case addr := <-found:
		return addr, nil
	}
}

// entryAddress returns the dialable address of a service entry, preferring
// IPv4.
func entryAddress(entry *zeroconf.ServiceEntry) (string, error) {
	if entry.Port <= 0 {
		return "", fmt.Errorf("entry %q has no port", entry.Instance)
	}
	port := strconv.Itoa(entry.Port)
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port), nil
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port), nil
	}
	return "", fmt.Errorf("entry %q has no address", entry.Instance)
}
