package node

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

/* ---- TOPOLOGY WALK ---- */

// handleTopologyWalk initiates a ring traversal that records every successor
// edge, blocks for the DONE, then answers the client with the history.
func (n *Node) handleTopologyWalk(conn net.Conn) error {
	next := n.Next()
	if next == "" {
		return protocol.Errf(protocol.KindNoSuccessor, "cannot start topology walk")
	}

	token := n.NewToken()
	result := n.registerWalk(token)
	history := protocol.AppendEdge("", n.Port, next)

	if err := n.fireLine(next, fmt.Sprintf("TOPOLOGY HOP %s %s %s", token, n.Port, history), n.Cfg.Ring.PingTimeout); err != nil {
		n.dropWalk(token)
		return err
	}

	select {
	case final := <-result:
		if err := writeLine(conn, final); err != nil {
			return err
		}
		return writeLine(conn, "OK")
	case <-time.After(walkTimeout):
		n.dropWalk(token)
		return protocol.Errf(protocol.KindTimeout, "topology walk %s did not complete", token)
	}
}

// handleTopologyHop appends this peer's successor edge and passes the walk
// along, or closes the loop with a DONE to the initiator.
func (n *Node) handleTopologyHop(conn net.Conn, c protocol.TopologyHop) error {
	next := n.Next()
	if next == "" {
		// isolated peer swallows the walk
		return writeLine(conn, "OK")
	}

	history := protocol.AppendEdge(c.History, n.Port, next)
	startAddr := n.addrOfPort(protocol.PortOf(c.Start))

	var err error
	if protocol.PortOf(next) == protocol.PortOf(c.Start) {
		err = n.fireLine(startAddr, fmt.Sprintf("TOPOLOGY DONE %s %s", c.Token, history), n.Cfg.Ring.PingTimeout)
	} else {
		err = n.fireLine(next, fmt.Sprintf("TOPOLOGY HOP %s %s %s", c.Token, c.Start, history), n.Cfg.Ring.PingTimeout)
	}
	if err != nil {
		log.WithFields(log.Fields{"node": n.Port, "token": c.Token}).
			WithError(err).Warn("topology walk forward failed")
	}
	return writeLine(conn, "OK")
}

// handleTopologyDone completes the initiator's pending walk, installs the
// topology and pushes it ring-wide.
func (n *Node) handleTopologyDone(conn net.Conn, c protocol.TopologyDone) error {
	if !n.finishWalk(c.Token, c.History) {
		return protocol.Errf(protocol.KindConflict, "token %s reused or unknown", c.Token)
	}
	n.SetTopologyHistory(c.History)
	go n.broadcastTopology()
	return writeLine(conn, "OK")
}

/* ---- NETMAP DISCOVER ---- */

// handleNetmapDiscover walks the ring collecting one Alive entry per peer,
// blocks for the DONE, prints the merged map and broadcasts it.
func (n *Node) handleNetmapDiscover(conn net.Conn) error {
	next := n.Next()
	if next == "" {
		return protocol.Errf(protocol.KindNoSuccessor, "cannot start netmap discover")
	}

	token := n.NewToken()
	result := n.registerDiscover(token)
	entries := fmt.Sprintf("%s=%s", n.Port, protocol.Alive)

	if err := n.fireLine(next, fmt.Sprintf("NETMAP HOP %s %s %s", token, n.Port, entries), n.Cfg.Ring.PingTimeout); err != nil {
		n.dropDiscover(token)
		return err
	}

	select {
	case final := <-result:
		for _, kv := range strings.Split(protocol.FormatNetmap(protocol.ParseNetmap(final)), ",") {
			if kv == "" {
				continue
			}
			if err := writeLine(conn, kv); err != nil {
				return err
			}
		}
		return writeLine(conn, "OK")
	case <-time.After(walkTimeout):
		n.dropDiscover(token)
		return protocol.Errf(protocol.KindTimeout, "netmap discover %s did not complete", token)
	}
}

func (n *Node) handleNetmapHop(conn net.Conn, c protocol.NetmapHop) error {
	next := n.Next()
	if next == "" {
		return writeLine(conn, "OK")
	}

	entries := n.EntriesWithSelf(c.Entries)
	startAddr := n.addrOfPort(protocol.PortOf(c.Start))

	var err error
	if protocol.PortOf(next) == protocol.PortOf(c.Start) {
		err = n.fireLine(startAddr, fmt.Sprintf("NETMAP DONE %s %s", c.Token, entries), n.Cfg.Ring.PingTimeout)
	} else {
		err = n.fireLine(next, fmt.Sprintf("NETMAP HOP %s %s %s", c.Token, c.Start, entries), n.Cfg.Ring.PingTimeout)
	}
	if err != nil {
		log.WithFields(log.Fields{"node": n.Port, "token": c.Token}).
			WithError(err).Warn("netmap discover forward failed")
	}
	return writeLine(conn, "OK")
}

func (n *Node) handleNetmapDone(conn net.Conn, c protocol.NetmapDone) error {
	if !n.finishDiscover(c.Token, c.Entries) {
		return protocol.Errf(protocol.KindConflict, "token %s reused or unknown", c.Token)
	}
	n.SetNetmapEntries(c.Entries)
	go n.broadcastNetmap()
	return writeLine(conn, "OK")
}

/* ---- broadcasts ---- */

// broadcast fans one SET line out to every known peer over direct
// connections, each on its own goroutine. Best effort: failures are logged
// and counted, never fatal.
func (n *Node) broadcast(line string) {
	m := n.NetmapSnapshot()
	var wg sync.WaitGroup
	for port := range m {
		if port == n.Port {
			continue
		}
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			if err := n.sendAwaitOK(n.addrOfPort(port), line, n.Cfg.Ring.PingTimeout); err != nil {
				broadcastErrors.Inc()
				log.WithFields(log.Fields{"node": n.Port, "peer": port}).
					WithError(err).Warn("broadcast miss")
			}
		}(port)
	}
	wg.Wait()
}

func (n *Node) broadcastNetmap() {
	n.broadcast("NETMAP SET " + n.NetmapEntries())
}

func (n *Node) broadcastTopology() {
	if hist := n.TopologyHistory(); hist != "" {
		n.broadcast("TOPOLOGY SET " + hist)
	}
}

func (n *Node) broadcastTags() {
	if entries := n.TagsEntries(); entries != "" {
		n.broadcast("FILE TAGS-SET " + entries)
	}
}
