package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tcpchat "github.com/DepengLiu/TCPChat"
	"github.com/DepengLiu/TCPChat/file"
	"github.com/DepengLiu/TCPChat/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// logConfig holds the persistent logging flags.
type logConfig struct {
	level string
	json  bool
}

func newRootCmd() *cobra.Command {
	logs := &logConfig{}

	root := &cobra.Command{
		Use:           "tcpchat",
		Short:         "Peer client for rooms with direct file sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(logs)
		},
	}
	root.PersistentFlags().StringVar(&logs.level, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logs.json, "log-json", false, "Emit logs as JSON")

	root.AddCommand(newRunCmd(), newDescribeCmd(), newDiscoverCmd(), newAdvertiseCmd())
	return root
}

// configureLogging applies the logging flags to the standard logger.
func configureLogging(cfg *logConfig) error {
	level, err := logrus.ParseLevel(cfg.level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// share is one --share flag value.
type share struct {
	room string
	path string
}

// parseShare splits a room=path flag value.
func parseShare(value string) (share, error) {
	room, path, ok := strings.Cut(value, "=")
	if !ok || room == "" || path == "" {
		return share{}, fmt.Errorf("invalid share %q: want room=path", value)
	}
	return share{room: room, path: path}, nil
}

func newRunCmd() *cobra.Command {
	options := tcpchat.NewOptions()
	var shares []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a client and serve shared files until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]share, 0, len(shares))
			for _, value := range shares {
				s, err := parseShare(value)
				if err != nil {
					return err
				}
				parsed = append(parsed, s)
			}

			client, err := tcpchat.New(options)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, s := range parsed {
				desc, err := client.ShareFile(s.room, s.path)
				if err != nil {
					return fmt.Errorf("share %s: %w", s.path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "shared %s in %s as %s\n", desc.Name, s.room, desc.ID)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", client.LocalAddr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.Nick, "nick", "", "Nick announced to peers")
	flags.StringVar(&options.ListenAddr, "listen", options.ListenAddr, "Address for direct peer connections")
	flags.StringVar(&options.ServerAddr, "server", "", "Relay server address")
	flags.BoolVar(&options.DiscoverServer, "discover", false, "Find the relay server over mDNS when --server is empty")
	flags.DurationVar(&options.ConnectRetry, "connect-retry", options.ConnectRetry, "Give up connecting to the relay server after this long (0 retries forever)")
	flags.DurationVar(&options.SlotTTL, "slot-ttl", options.SlotTTL, "Expire wait slots after this long")
	flags.BoolVar(&options.RequireSlot, "require-slot", false, "Refuse peer connections without a wait slot")
	flags.Float64Var(&options.ChunkRequestsPerSecond, "part-rate", options.ChunkRequestsPerSecond, "Part requests per second allowed per peer (0 disables)")
	flags.IntVar(&options.ChunkRequestBurst, "part-burst", options.ChunkRequestBurst, "Part request burst per peer")
	flags.Int64Var(&options.DownloadPartLength, "part-length", options.DownloadPartLength, "Bytes requested per part when downloading")
	flags.StringArrayVar(&shares, "share", nil, "Share a file as room=path (repeatable)")
	_ = cmd.MarkFlagRequired("nick")

	return cmd
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <path>",
		Short: "Print the description a shared file would be announced with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := file.DescribeFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:       %s\n", desc.ID)
			fmt.Fprintf(out, "name:     %s\n", desc.Name)
			fmt.Fprintf(out, "size:     %d\n", desc.Size)
			fmt.Fprintf(out, "checksum: %s\n", hex.EncodeToString(desc.Checksum))
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find a relay server on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := relay.DiscoverServer(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", relay.DefaultDiscoveryTimeout, "How long to browse")
	return cmd
}

func newAdvertiseCmd() *cobra.Command {
	var (
		port     int
		instance string
	)

	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Publish a relay server on the local network until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}
			server, err := relay.Advertise(instance, port)
			if err != nil {
				return err
			}
			defer server.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Port the relay server listens on")
	cmd.Flags().StringVar(&instance, "instance", "TCPChat-Relay", "mDNS instance name")
	return cmd
}
