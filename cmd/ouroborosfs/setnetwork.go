package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hazardous-sun/ouroboros-fs/pkg/gateway"
)

var netFlags struct {
	nodes             uint16
	basePort          uint16
	host              string
	noBlock           bool
	waitMS            uint64
	waitTime          uint64
	overwriteNodesDir bool
	dnsPort           uint16
	dnsPoll           time.Duration
}

var setNetworkCmd = &cobra.Command{
	Use:   "set-network",
	Short: "Spawn N peers and stitch them into a ring",
	RunE:  runSetNetwork,
}

func init() {
	f := setNetworkCmd.Flags()
	f.Uint16VarP(&netFlags.nodes, "nodes", "n", 3, "number of peers to start")
	f.Uint16VarP(&netFlags.basePort, "base-port", "p", 7000, "first port; peers bind base, base+1, ...")
	f.StringVar(&netFlags.host, "host", "127.0.0.1", "interface to bind and wire")
	f.BoolVar(&netFlags.noBlock, "no-block", false, "start and wire peers, then return")
	f.Uint64Var(&netFlags.waitMS, "wait-ms", 200, "extra wait after spawning before wiring (ms)")
	f.Uint64VarP(&netFlags.waitTime, "wait-time", "w", 5000, "gossip interval for each peer (ms), 0 disables")
	f.BoolVarP(&netFlags.overwriteNodesDir, "overwrite-nodes-dir", "o", false, "start from a fresh storage root")
	f.Uint16Var(&netFlags.dnsPort, "dns-port", 0, "run the gateway on this port")
	f.DurationVar(&netFlags.dnsPoll, "dns-poll", 10*time.Second, "gateway netmap poll interval")
}

func runSetNetwork(cmd *cobra.Command, args []string) error {
	if netFlags.nodes == 0 {
		return fmt.Errorf("--nodes must be >= 1")
	}

	// Become a process-group leader so every spawned peer inherits the
	// group and one signal tears the whole network down.
	pgid := os.Getpid()
	if err := syscall.Setpgid(0, 0); err != nil {
		log.WithError(err).Warn("could not set process group")
	}

	if netFlags.overwriteNodesDir {
		if err := os.RemoveAll(cfg.Storage.Root); err != nil {
			return fmt.Errorf("clear storage root: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	log.WithFields(log.Fields{
		"nodes":     netFlags.nodes,
		"host":      netFlags.host,
		"base_port": netFlags.basePort,
		"end_port":  netFlags.basePort + netFlags.nodes - 1,
	}).Info("starting network")

	// 1. Spawn children.
	children := make([]*exec.Cmd, 0, netFlags.nodes)
	for i := uint16(0); i < netFlags.nodes; i++ {
		addr := fmt.Sprintf("%s:%d", netFlags.host, netFlags.basePort+i)
		child := exec.Command(exe, "run",
			"--addr", addr,
			"--gossip-interval", (time.Duration(netFlags.waitTime) * time.Millisecond).String(),
			"--storage-root", cfg.Storage.Root,
		)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			return fmt.Errorf("spawn peer %s: %w", addr, err)
		}
		children = append(children, child)
		log.WithField("addr", addr).Info("spawned peer")
	}

	// 2. Give them a moment to bind, then confirm every port listens.
	time.Sleep(time.Duration(netFlags.waitMS) * time.Millisecond)
	for i := uint16(0); i < netFlags.nodes; i++ {
		addr := fmt.Sprintf("%s:%d", netFlags.host, netFlags.basePort+i)
		if err := waitUntilListening(addr, 5*time.Second); err != nil {
			return err
		}
	}

	// 3. Wire the ring.
	for i := uint16(0); i < netFlags.nodes; i++ {
		thisAddr := fmt.Sprintf("%s:%d", netFlags.host, netFlags.basePort+i)
		nextPort := netFlags.basePort
		if i+1 < netFlags.nodes {
			nextPort = netFlags.basePort + i + 1
		}
		nextAddr := fmt.Sprintf("%s:%d", netFlags.host, nextPort)
		if err := sendNodeNext(thisAddr, nextAddr); err != nil {
			return err
		}
		log.WithFields(log.Fields{"from": thisAddr, "to": nextAddr}).Info("wired peer")
	}
	log.Info("ring wired")

	// 4. Gateway, if requested.
	var gw *gateway.Gateway
	if netFlags.dnsPort != 0 {
		addrs := make([]string, 0, netFlags.nodes)
		for i := uint16(0); i < netFlags.nodes; i++ {
			addrs = append(addrs, fmt.Sprintf("%s:%d", netFlags.host, netFlags.basePort+i))
		}
		gw, err = gateway.New(netFlags.host, addrs, netFlags.dnsPoll, cfg.Gateway.CacheDB)
		if err != nil {
			return err
		}
		go gw.RunPolling()
		go func() {
			listen := fmt.Sprintf("%s:%d", netFlags.host, netFlags.dnsPort)
			if err := gw.Run(listen); err != nil {
				log.WithError(err).Error("gateway failed")
			}
		}()
	}

	// 5. Seed the ring's shared views.
	startAddr := fmt.Sprintf("%s:%d", netFlags.host, netFlags.basePort)
	if err := fireCommand(startAddr, "NETMAP DISCOVER\n"); err != nil {
		log.WithError(err).Warn("netmap discover failed to start")
	}
	if err := fireCommand(startAddr, "TOPOLOGY WALK\n"); err != nil {
		log.WithError(err).Warn("topology walk failed to start")
	}

	// 6. Block until the operator quits.
	if !netFlags.noBlock {
		log.Info("type 'quit' or press Ctrl-C to stop")
		waitForQuit()
		log.Info("stopping peers")
	}

	// 7. Teardown: signal the group, then reap the children we know.
	if gw != nil {
		_ = gw.Close()
	}
	signal.Ignore(syscall.SIGTERM) // the group signal must not take us down first
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	for _, child := range children {
		_ = child.Wait()
	}
	return nil
}

func waitUntilListening(addr string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to listen", addr)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// sendNodeNext wires one successor pointer, accepting "OK" or "OK <detail>".
func sendNodeNext(thisAddr, nextAddr string) error {
	conn, err := net.DialTimeout("tcp", thisAddr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", thisAddr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := fmt.Fprintf(conn, "NODE NEXT %s\n", nextAddr); err != nil {
		return fmt.Errorf("send NODE NEXT to %s: %w", thisAddr, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		// a racing ack still counts as wired
		return nil
	}
	ack := strings.ToUpper(strings.TrimRight(line, "\r\n"))
	if ack != "OK" && !strings.HasPrefix(ack, "OK ") {
		return fmt.Errorf("unexpected NODE NEXT response from %s: %q", thisAddr, line)
	}
	return nil
}

// fireCommand sends one command line and does not wait for the full
// response; walks complete in the background.
func fireCommand(addr, line string) error {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(line))
	return err
}

func waitForQuit() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigs:
			return
		case line, ok := <-lines:
			if !ok || strings.EqualFold(strings.TrimSpace(line), "quit") {
				return
			}
		}
	}
}
