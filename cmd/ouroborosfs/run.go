package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazardous-sun/ouroboros-fs/pkg/node"
	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
	"github.com/hazardous-sun/ouroboros-fs/pkg/store"
)

var runFlags struct {
	addr           string
	port           uint16
	next           string
	gossipInterval time.Duration
	storageRoot    string
	metricsPort    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single ring peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		bind := resolveListenAddr(runFlags.addr, runFlags.port)

		if cmd.Flags().Changed("gossip-interval") {
			cfg.Ring.GossipInterval = runFlags.gossipInterval
		}
		if cmd.Flags().Changed("storage-root") {
			cfg.Storage.Root = runFlags.storageRoot
		}

		port := protocol.PortOf(bind)
		st, err := store.New(cfg.Storage.Root, port)
		if err != nil {
			return err
		}

		n := node.New(protocol.HostOf(bind), port, cfg, st)
		if runFlags.next != "" {
			n.SetNext(normalizeAddr(runFlags.next))
		}
		node.RegisterMetrics(runFlags.metricsPort)
		return n.Run()
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.addr, "addr", "", "address to bind; falls back to --port, then $PORT")
	f.Uint16VarP(&runFlags.port, "port", "p", 0, "bind port only, host defaults to 127.0.0.1")
	f.StringVar(&runFlags.next, "next", "", "initial successor address")
	f.DurationVar(&runFlags.gossipInterval, "gossip-interval", 5*time.Second, "time between successor health checks, 0 disables")
	f.StringVar(&runFlags.storageRoot, "storage-root", "nodes", "root directory for chunk storage")
	f.StringVar(&runFlags.metricsPort, "metrics-port", "", "serve prometheus /metrics on this port")
}

// resolveListenAddr picks the bind address: --addr, then --port, then the
// PORT environment variable, then a default.
func resolveListenAddr(addr string, port uint16) string {
	if addr != "" {
		return normalizeAddr(addr)
	}
	if port != 0 {
		return fmt.Sprintf("127.0.0.1:%d", port)
	}
	if fromEnv := os.Getenv("PORT"); fromEnv != "" {
		return normalizeAddr(fromEnv)
	}
	return "127.0.0.1:9000"
}

// normalizeAddr accepts "7001" or "127.0.0.1:7001".
func normalizeAddr(raw string) string {
	if strings.Contains(raw, ":") {
		return raw
	}
	return "127.0.0.1:" + raw
}
