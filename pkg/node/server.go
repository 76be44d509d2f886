package node

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// errCloseConn asks the connection loop to close without emitting an ERR
// line: pull payloads are EOF-terminated.
var errCloseConn = errors.New("close connection")

// Run binds the peer's address and serves connections until the listener
// fails.
func (n *Node) Run() error {
	ln, err := net.Listen("tcp", n.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.Addr(), err)
	}
	return n.Serve(ln)
}

// Serve runs the accept loop over an existing listener. Background tasks
// (gossip, replication worker) start here.
func (n *Node) Serve(ln net.Listener) error {
	log.WithFields(log.Fields{"node": n.Port, "addr": ln.Addr().String()}).Info("node listening")

	go n.replicationWorker()
	if n.Cfg.Ring.GossipInterval > 0 {
		go n.gossipLoop()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := n.handleConn(conn); err != nil && !errors.Is(err, io.EOF) {
				log.WithFields(log.Fields{"node": n.Port, "peer": conn.RemoteAddr().String()}).
					WithError(err).Debug("connection ended")
			}
		}()
	}
}

// handleConn reads command lines until the peer closes. Wire errors are
// reported as a single ERR line and end the connection.
func (n *Node) handleConn(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
		line, rerr := r.ReadString('\n')
		if rerr != nil && line == "" {
			return rerr
		}
		// a final line without a newline is still a command

		cmd, perr := protocol.ParseLine(line)
		if perr != nil {
			return n.replyErr(conn, perr)
		}
		if err := n.dispatch(cmd, r, conn); err != nil {
			if errors.Is(err, errCloseConn) {
				return nil
			}
			return n.replyErr(conn, err)
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (n *Node) dispatch(cmd protocol.Command, r *bufio.Reader, conn net.Conn) error {
	switch c := cmd.(type) {
	// NODE
	case protocol.NodePing:
		return writeLine(conn, "PONG")
	case protocol.NodeNext:
		n.SetNext(c.Addr)
		log.WithFields(log.Fields{"node": n.Port, "next": c.Addr}).Info("successor set")
		return writeLine(conn, "OK")
	case protocol.NodeStatus:
		next := n.Next()
		if next == "" {
			next = "none"
		}
		return writeLine(conn, fmt.Sprintf("%s %s\nOK", n.Port, next))
	case protocol.NodeHeal:
		return n.handleNodeHeal(conn)
	case protocol.NodeHealHop:
		return n.handleHealHop(conn, c)
	case protocol.NodeHealDone:
		return n.handleHealDone(conn, c)

	// NETMAP
	case protocol.NetmapGet:
		return n.handleNetmapGet(conn)
	case protocol.NetmapSet:
		n.SetNetmapEntries(c.Entries)
		return writeLine(conn, "OK")
	case protocol.NetmapDiscover:
		return n.handleNetmapDiscover(conn)
	case protocol.NetmapHop:
		return n.handleNetmapHop(conn, c)
	case protocol.NetmapDone:
		return n.handleNetmapDone(conn, c)

	// TOPOLOGY
	case protocol.TopologyWalk:
		return n.handleTopologyWalk(conn)
	case protocol.TopologyHop:
		return n.handleTopologyHop(conn, c)
	case protocol.TopologyDone:
		return n.handleTopologyDone(conn, c)
	case protocol.TopologySet:
		n.SetTopologyHistory(c.History)
		return writeLine(conn, "OK")

	// RING
	case protocol.RingForward:
		return n.handleRingForward(conn, c)

	// FILE
	case protocol.FilePush:
		return n.handleFilePush(r, conn, c)
	case protocol.FilePull:
		return n.handleFilePull(conn, c)
	case protocol.FileList:
		return n.handleFileList(conn)
	case protocol.FileTagsSet:
		n.SetTagsEntries(c.Entries)
		return writeLine(conn, "OK")
	case protocol.FileRelayStream:
		return n.handleRelayStream(r, conn, c)
	case protocol.FileGetChunk:
		return n.serveChunk(conn, c.Chunk, n.Store.ReadContent)
	case protocol.FileGetBackupChunk:
		return n.serveChunk(conn, c.Chunk, n.Store.ReadBackup)
	case protocol.FileGetChunkForBackup:
		return n.serveChunk(conn, c.Chunk, n.Store.ReadContent)
	case protocol.FileNotifyChunkSaved:
		return n.handleNotifyChunkSaved(conn, c)
	}
	return protocol.Errf(protocol.KindUnknown, "unhandled command %T", cmd)
}

func (n *Node) handleRingForward(conn net.Conn, c protocol.RingForward) error {
	log.WithFields(log.Fields{"node": n.Port, "ttl": c.TTL, "msg": c.Msg}).Info("ring message")
	if c.TTL > 0 {
		if next := n.Next(); next != "" {
			go func() {
				peer, err := n.dialPeer(next, n.Cfg.Ring.PingTimeout)
				if err != nil {
					log.WithFields(log.Fields{"node": n.Port, "peer": next}).WithError(err).Warn("ring forward failed")
					return
				}
				defer peer.Close()
				_ = writeLine(peer, fmt.Sprintf("RING FORWARD %d %s", c.TTL-1, c.Msg))
			}()
		}
	}
	return writeLine(conn, "OK")
}

func (n *Node) handleNetmapGet(conn net.Conn) error {
	m := n.NetmapSnapshot()
	var b strings.Builder
	for _, kv := range strings.Split(protocol.FormatNetmap(m), ",") {
		if kv == "" {
			continue
		}
		b.WriteString(kv)
		b.WriteByte('\n')
	}
	b.WriteString("OK")
	return writeLine(conn, b.String())
}

// replyErr writes the wire form of an error and reports the error so the
// connection closes. Non-wire errors surface as kind "io".
func (n *Node) replyErr(conn net.Conn, err error) error {
	var we *protocol.WireError
	if !errors.As(err, &we) {
		we = protocol.Errf(protocol.KindIO, "%v", err)
	}
	_, _ = conn.Write([]byte(we.Line()))
	return we
}

/* ---- wire helpers ---- */

func writeLine(w io.Writer, s string) error {
	_, err := w.Write([]byte(s + "\n"))
	return err
}

// dialPeer opens a TCP connection with a bounded dial time.
func (n *Node) dialPeer(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, protocol.Errf(protocol.KindPeerUnreachable, "dial %s: %v", addr, err)
	}
	return conn, nil
}

// addrOfPort builds a dialable address for a bare ring port using this
// peer's own host.
func (n *Node) addrOfPort(port string) string {
	return protocol.AddrFor(n.Host, port)
}

// sendAwaitOK performs one acknowledged control exchange: dial, send the
// line, expect a line starting with OK. Used for resync and replication
// control traffic.
func (n *Node) sendAwaitOK(addr, line string, timeout time.Duration) error {
	conn, err := n.dialPeer(addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := writeLine(conn, line); err != nil {
		return protocol.Errf(protocol.KindIO, "send to %s: %v", addr, err)
	}
	return awaitOK(conn, addr)
}

// awaitOK reads lines until OK or ERR. Multi-line responses (NODE STATUS,
// NETMAP GET) drain down to their trailing OK.
func awaitOK(conn net.Conn, addr string) error {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return protocol.Errf(protocol.KindIO, "await ack from %s: %v", addr, err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "OK" || strings.HasPrefix(trimmed, "OK ") {
			return nil
		}
		if strings.HasPrefix(trimmed, "ERR ") {
			return protocol.Errf(protocol.KindIO, "peer %s: %s", addr, trimmed)
		}
	}
}

// fireLine dials, writes one line and closes; the walk primitives are
// fire-and-forget between hops.
func (n *Node) fireLine(addr, line string, timeout time.Duration) error {
	conn, err := n.dialPeer(addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return writeLine(conn, line)
}
