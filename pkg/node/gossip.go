package node

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// gossipLoop pings the successor every gossip interval; a failed ping starts
// the healing workflow in its own goroutine so the loop keeps ticking.
func (n *Node) gossipLoop() {
	log.WithFields(log.Fields{"node": n.Port, "interval": n.Cfg.Ring.GossipInterval}).
		Info("gossip loop starting")
	ticker := time.NewTicker(n.Cfg.Ring.GossipInterval)
	defer ticker.Stop()

	for range ticker.C {
		next := n.Next()
		if next == "" {
			continue
		}
		if err := n.pingPeer(next); err != nil {
			log.WithFields(log.Fields{"node": n.Port, "peer": next}).
				WithError(err).Warn("successor failed health check")
			go n.healPeer(next)
		}
	}
}

// pingPeer sends NODE PING and expects PONG, both under the ping deadline.
func (n *Node) pingPeer(addr string) error {
	conn, err := n.dialPeer(addr, n.Cfg.Ring.PingTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.Cfg.Ring.PingTimeout))

	if err := writeLine(conn, "NODE PING"); err != nil {
		return protocol.Errf(protocol.KindIO, "ping %s: %v", addr, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return protocol.Errf(protocol.KindTimeout, "await pong from %s: %v", addr, err)
	}
	if !strings.EqualFold(strings.TrimRight(line, "\r\n"), "PONG") {
		return protocol.Errf(protocol.KindIO, "unexpected ping response from %s: %q", addr, line)
	}
	return nil
}

// healPeer runs the full self-healing workflow for a dead peer: mark Dead,
// broadcast, respawn, resync, mark Alive, broadcast. Single-flight per port.
func (n *Node) healPeer(deadAddr string) {
	deadPort := protocol.PortOf(deadAddr)
	if _, busy := n.healing.LoadOrStore(deadPort, struct{}{}); busy {
		return
	}
	defer n.healing.Delete(deadPort)

	healTotal.Inc()
	fullAddr := protocol.AddrFor(protocol.HostOf(deadAddr), deadPort)
	log.WithFields(log.Fields{"node": n.Port, "dead": deadPort}).Info("healing started")

	// 1. Mark dead, tell everyone.
	n.MarkStatus(deadPort, protocol.Dead)
	n.broadcastNetmap()

	// 2. Respawn the peer as a fresh detached process.
	if err := n.respawn(fullAddr); err != nil {
		log.WithFields(log.Fields{"node": n.Port, "dead": fullAddr}).
			WithError(err).Error("respawn failed")
		return
	}

	// 3. Wait until the new process listens.
	if err := waitUntilListening(fullAddr, n.Cfg.Ring.HealWait); err != nil {
		log.WithFields(log.Fields{"node": n.Port, "dead": fullAddr}).
			WithError(err).Error("respawned peer never came up")
		return
	}

	// 4. Resync, each step acknowledged. The netmap it receives still
	// carries the Dead mark so late pulls keep failing over to backups
	// until the data paths are whole again.
	if err := n.resync(fullAddr, deadPort); err != nil {
		log.WithFields(log.Fields{"node": n.Port, "dead": fullAddr}).
			WithError(err).Error("resync failed")
		return
	}

	// 5. Back in service.
	n.MarkStatus(deadPort, protocol.Alive)
	n.broadcastNetmap()
	log.WithFields(log.Fields{"node": n.Port, "healed": deadPort}).Info("healing complete")
}

// respawn launches this same executable bound to the dead peer's address,
// detached from our lifecycle so the healer can exit independently.
func (n *Node) respawn(addr string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, "run",
		"--addr", addr,
		"--gossip-interval", n.Cfg.Ring.GossipInterval.String(),
		"--storage-root", n.Cfg.Storage.Root,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", addr, err)
	}
	// Reap the child if it ever exits; Setsid already detached it.
	go func() { _ = cmd.Wait() }()
	log.WithFields(log.Fields{"node": n.Port, "addr": addr, "pid": cmd.Process.Pid}).
		Info("respawned peer")
	return nil
}

// resync pushes the ring's shared knowledge to the fresh peer in a fixed
// order: successor first (ring closure), then netmap, topology, tags.
func (n *Node) resync(addr, deadPort string) error {
	deadNext := n.SuccessorInTopology(deadPort)
	if deadNext == "" {
		return protocol.Errf(protocol.KindIO, "no topology entry for %s, ring closure unknown", deadPort)
	}
	steps := []string{
		"NODE NEXT " + n.addrOfPort(deadNext),
		"NETMAP SET " + n.NetmapEntries(),
		"TOPOLOGY SET " + n.TopologyHistory(),
		"FILE TAGS-SET " + n.TagsEntries(),
	}
	for _, line := range steps {
		if err := n.sendAwaitOK(addr, line, n.Cfg.Ring.ResyncTimeout); err != nil {
			return fmt.Errorf("resync step %q: %w", strings.SplitN(line, " ", 3)[1], err)
		}
	}
	return nil
}

// waitUntilListening polls an address with short-timeout dials until a
// connection succeeds or the overall wait is used up.
func waitUntilListening(addr string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return protocol.Errf(protocol.KindTimeout, "%s not listening after %s", addr, wait)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

/* ---- manual ring-wide heal ---- */

// handleNodeHeal walks the whole ring, each hop health-checking its own
// successor, and answers the client once HEAL-DONE returns.
func (n *Node) handleNodeHeal(conn net.Conn) error {
	next := n.Next()
	if next == "" {
		return protocol.Errf(protocol.KindNoSuccessor, "cannot start heal walk")
	}

	token := n.NewToken()
	done := n.registerHeal(token)

	// The initiator covers its own successor before the walk moves on.
	if err := n.pingPeer(next); err != nil {
		n.healPeer(next)
		next = n.Next()
	}

	if err := n.fireLine(next, fmt.Sprintf("NODE HEAL-HOP %s %s", token, n.Port), n.Cfg.Ring.PingTimeout); err != nil {
		n.dropHeal(token)
		return err
	}

	select {
	case <-done:
		return writeLine(conn, "OK")
	case <-time.After(2 * n.Cfg.Ring.HealWait):
		n.dropHeal(token)
		return protocol.Errf(protocol.KindTimeout, "heal walk %s did not complete", token)
	}
}

// handleHealHop acks, then asynchronously health-checks this peer's own
// successor and passes the walk along; when the successor is the initiator
// the walk is complete and HEAL-DONE goes straight back.
func (n *Node) handleHealHop(conn net.Conn, c protocol.NodeHealHop) error {
	if !n.markHealHopSeen(c.Token) {
		log.WithFields(log.Fields{"node": n.Port, "token": c.Token}).
			Debug("duplicate heal hop dropped")
		return writeLine(conn, "OK")
	}
	go func() {
		next := n.Next()
		if next == "" {
			return
		}
		if err := n.pingPeer(next); err != nil {
			n.healPeer(next)
			next = n.Next()
		}
		startAddr := n.addrOfPort(protocol.PortOf(c.Start))
		if protocol.PortOf(next) == protocol.PortOf(c.Start) {
			if err := n.fireLine(startAddr, "NODE HEAL-DONE "+c.Token, n.Cfg.Ring.PingTimeout); err != nil {
				log.WithFields(log.Fields{"node": n.Port, "token": c.Token}).
					WithError(err).Warn("heal done delivery failed")
			}
			return
		}
		if err := n.fireLine(next, fmt.Sprintf("NODE HEAL-HOP %s %s", c.Token, c.Start), n.Cfg.Ring.PingTimeout); err != nil {
			log.WithFields(log.Fields{"node": n.Port, "token": c.Token}).
				WithError(err).Warn("heal hop forward failed")
		}
	}()
	return writeLine(conn, "OK")
}

func (n *Node) handleHealDone(conn net.Conn, c protocol.NodeHealDone) error {
	if !n.finishHeal(c.Token) {
		return protocol.Errf(protocol.KindConflict, "token %s reused or unknown", c.Token)
	}
	return writeLine(conn, "OK")
}
