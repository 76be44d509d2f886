package node

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
	"github.com/hazardous-sun/ouroboros-fs/pkg/store"
)

// handleFilePull reassembles a file and streams the raw bytes to the client.
// No framing precedes the payload; the client reads until EOF.
func (n *Node) handleFilePull(conn net.Conn, c protocol.FilePull) error {
	timer := prometheus.NewTimer(pullDuration)
	defer timer.ObserveDuration()
	pullTotal.Inc()

	name := protocol.SanitizeName(c.Name)
	tag, ok := n.Tag(name)
	if !ok {
		return protocol.Errf(protocol.KindNoSuchFile, "no tag for %q", name)
	}

	log.WithFields(log.Fields{"node": n.Port, "file": name, "bytes": tag.Size, "parts": tag.Parts}).
		Info("pull started")

	owner := tag.Start
	var streamed uint64
	for i := uint32(0); i < tag.Parts; i++ {
		if store.ChunkLen(i, tag.Size, tag.Parts) == 0 {
			// the relay stops at the first downstream peer that finds no
			// bytes left, so most owners of zero-length chunks hold nothing
			owner = n.ownerAfter(owner)
			continue
		}
		chunk := store.ChunkFileName(name, i, tag.Parts)
		data, err := n.fetchChunk(owner, chunk)
		if err != nil {
			// Owner is gone: record it, tell the ring, try the mirror.
			log.WithFields(log.Fields{"node": n.Port, "owner": owner, "chunk": chunk}).
				WithError(err).Warn("chunk owner failed, trying backup")
			if owner != n.Port {
				n.MarkStatus(owner, protocol.Dead)
				go n.broadcastNetmap()
			}

			pred := n.PredecessorOf(owner)
			if pred == "" {
				return n.abortPull(streamed, protocol.Errf(protocol.KindChunkUnavailable, "%s: owner down, predecessor unknown", chunk))
			}
			data, err = n.fetchBackupChunk(pred, chunk)
			if err != nil {
				return n.abortPull(streamed, protocol.Errf(protocol.KindChunkUnavailable, "%s: owner and backup both failed", chunk))
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("stream chunk %d to client: %w", i, err)
		}
		streamed += uint64(len(data))
		owner = n.ownerAfter(owner)
	}
	// The payload has no trailer; EOF terminates the response.
	return errCloseConn
}

// abortPull keeps the ERR line off the socket once payload bytes have gone
// out; a partial stream terminates by closing.
func (n *Node) abortPull(streamed uint64, werr error) error {
	if streamed > 0 {
		log.WithField("node", n.Port).WithError(werr).Warn("pull aborted mid-stream")
		return errCloseConn
	}
	return werr
}

// ownerAfter steps one hop along the recorded topology; an unmapped port
// falls back to itself so a parts=1 pull never leaves the start peer.
func (n *Node) ownerAfter(port string) string {
	if next := n.SuccessorInTopology(port); next != "" {
		return next
	}
	return port
}

// fetchChunk retrieves an owned chunk from a peer. The local store is the
// fast path when the owner is this peer.
func (n *Node) fetchChunk(owner, chunk string) ([]byte, error) {
	if owner == n.Port {
		return n.Store.ReadContent(chunk)
	}
	return n.requestChunk(n.addrOfPort(owner), "FILE GET-CHUNK "+chunk)
}

// fetchBackupChunk retrieves the mirrored copy from the owner's predecessor.
func (n *Node) fetchBackupChunk(pred, chunk string) ([]byte, error) {
	if pred == n.Port {
		return n.Store.ReadBackup(chunk)
	}
	return n.requestChunk(n.addrOfPort(pred), "FILE GET-BACKUP-CHUNK "+chunk)
}

// requestChunk performs one size-prefixed chunk exchange:
// send the command, read "LEN <n>", then exactly n bytes.
func (n *Node) requestChunk(addr, command string) ([]byte, error) {
	conn, err := n.dialPeer(addr, n.Cfg.Ring.PingTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))

	if err := writeLine(conn, command); err != nil {
		return nil, fmt.Errorf("send %q to %s: %w", command, addr, err)
	}
	r := bufio.NewReader(conn)
	return readLenPayload(r, addr)
}

// readLenPayload parses a "LEN <n>" header followed by n raw bytes.
func readLenPayload(r *bufio.Reader, addr string) ([]byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response header from %s: %w", addr, err)
	}
	header = strings.TrimRight(header, "\r\n")
	if strings.HasPrefix(header, "ERR ") {
		return nil, fmt.Errorf("peer %s: %s", addr, header)
	}
	rest, ok := strings.CutPrefix(header, "LEN ")
	if !ok {
		return nil, fmt.Errorf("peer %s: malformed chunk response %q", addr, header)
	}
	size, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("peer %s: bad chunk length %q", addr, rest)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d chunk bytes from %s: %w", size, addr, err)
	}
	return buf, nil
}

// serveChunk answers the GET-CHUNK command family: "LEN <n>" + bytes + "OK",
// or a typed ERR line for missing chunks.
func (n *Node) serveChunk(conn net.Conn, chunk string, read func(string) ([]byte, error)) error {
	data, err := read(chunk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Errf(protocol.KindNoSuchFile, "%s", chunk)
		}
		return protocol.Errf(protocol.KindIO, "read %s: %v", chunk, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(n.Cfg.Ring.IdleTimeout))
	if err := writeLine(conn, fmt.Sprintf("LEN %d", len(data))); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	return writeLine(conn, "OK")
}

// handleFileList prints the tag index as CSV rows ascending by name.
func (n *Node) handleFileList(conn net.Conn) error {
	tags := n.TagsSnapshot()
	var b strings.Builder
	for _, row := range strings.Split(protocol.FormatTags(tags), ";") {
		if row == "" {
			continue
		}
		b.WriteString(row)
		b.WriteByte('\n')
	}
	b.WriteString("OK")
	return writeLine(conn, b.String())
}
