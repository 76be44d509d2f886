package node

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
	"github.com/hazardous-sun/ouroboros-fs/pkg/store"
)

// handleFilePush is the entry peer's side of a push: take chunk 0, tag the
// file, and pipe the rest of the payload around the ring.
func (n *Node) handleFilePush(r *bufio.Reader, conn net.Conn, c protocol.FilePush) error {
	timer := prometheus.NewTimer(pushDuration)
	defer timer.ObserveDuration()
	pushTotal.Inc()

	name := protocol.SanitizeName(path.Base(c.Name))
	parts := n.AliveCount()

	log.WithFields(log.Fields{"node": n.Port, "file": name, "bytes": c.Size, "parts": parts}).
		Info("push started")

	myLen := store.ChunkLen(0, c.Size, parts)
	chunk := store.ChunkFileName(name, 0, parts)
	buf := make([]byte, myLen)
	_ = conn.SetReadDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
	if _, err := io.ReadFull(r, buf); err != nil {
		return protocol.Errf(protocol.KindIO, "read chunk 0 of %q: %v", name, err)
	}
	if err := n.Store.SaveContent(chunk, buf); err != nil {
		return protocol.Errf(protocol.KindIO, "save chunk 0 of %q: %v", name, err)
	}

	tag := protocol.FileTag{Start: n.Port, Size: c.Size, Parts: parts}
	n.SetTag(name, tag)
	go n.broadcastTags()
	n.notifyPredecessor(chunk)

	if parts > 1 {
		next := n.Next()
		if next == "" {
			return protocol.Errf(protocol.KindNoSuccessor, "cannot relay %q", name)
		}
		if err := n.relayOnward(r, conn, next, tag, name, 0); err != nil {
			return err
		}
	}
	return writeLine(conn, "OK")
}

// handleRelayStream is every downstream peer's side of a push: drain my
// chunk, then either forward the remainder or terminate the relay.
func (n *Node) handleRelayStream(r *bufio.Reader, conn net.Conn, c protocol.FileRelayStream) error {
	if c.Index >= c.Parts {
		return protocol.Errf(protocol.KindParse, "relay index %d out of range (parts=%d)", c.Index, c.Parts)
	}
	name := protocol.SanitizeName(c.Name)
	startPort := protocol.PortOf(c.Start)

	myLen := store.ChunkLen(c.Index, c.Size, c.Parts)
	chunk := store.ChunkFileName(name, c.Index, c.Parts)
	buf := make([]byte, myLen)
	_ = conn.SetReadDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
	if _, err := io.ReadFull(r, buf); err != nil {
		return protocol.Errf(protocol.KindIO, "read chunk %d of %q: %v", c.Index, name, err)
	}
	if err := n.Store.SaveContent(chunk, buf); err != nil {
		return protocol.Errf(protocol.KindIO, "save chunk %d of %q: %v", c.Index, name, err)
	}
	log.WithFields(log.Fields{"node": n.Port, "file": name, "chunk": c.Index + 1, "parts": c.Parts, "bytes": myLen}).
		Info("chunk saved")

	tag := protocol.FileTag{Start: startPort, Size: c.Size, Parts: c.Parts}
	n.SetTag(name, tag)
	n.notifyPredecessor(chunk)

	remaining := c.Size - store.ConsumedThrough(c.Index, c.Size, c.Parts)
	if remaining > 0 {
		next := n.Next()
		if next == "" {
			return protocol.Errf(protocol.KindNoSuccessor, "cannot relay %q", name)
		}
		if err := n.relayOnward(r, conn, next, tag, name, c.Index); err != nil {
			return err
		}
	}
	return writeLine(conn, "OK")
}

// relayOnward opens the successor connection, sends the RELAY-STREAM header
// for index+1, pipes the remaining bytes verbatim and waits for the
// downstream acknowledgement. The push completes at the client only after
// the final peer has acked, hop by hop.
func (n *Node) relayOnward(r *bufio.Reader, conn net.Conn, next string, tag protocol.FileTag, name string, index uint32) error {
	remaining := tag.Size - store.ConsumedThrough(index, tag.Size, tag.Parts)

	succ, err := n.dialPeer(next, n.Cfg.Ring.PingTimeout)
	if err != nil {
		return err
	}
	defer succ.Close()
	_ = succ.SetDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))

	header := fmt.Sprintf("FILE RELAY-STREAM %s %d %d %d %s", tag.Start, tag.Size, tag.Parts, index+1, name)
	if err := writeLine(succ, header); err != nil {
		return protocol.Errf(protocol.KindIO, "relay header to %s: %v", next, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
	if _, err := io.CopyN(succ, r, int64(remaining)); err != nil {
		return protocol.Errf(protocol.KindIO, "relay %d bytes to %s: %v", remaining, next, err)
	}
	return awaitOK(succ, next)
}
