package node

import (
	"bufio"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// notifyPredecessor tells the peer behind us that a chunk landed in content/
// so it can mirror it. Predecessor resolution goes through the topology map;
// when that is empty or ambiguous the notification is skipped. A later walk
// does not re-send it: that chunk stays unmirrored until it is saved again.
func (n *Node) notifyPredecessor(chunk string) {
	pred := n.PredecessorOf(n.Port)
	if pred == "" {
		log.WithFields(log.Fields{"node": n.Port, "chunk": chunk}).
			Debug("predecessor unknown, backup deferred")
		return
	}
	if pred == n.Port {
		// single-peer ring mirrors nothing
		return
	}
	go func() {
		line := "FILE NOTIFY-CHUNK-SAVED " + chunk
		if err := n.sendAwaitOK(n.addrOfPort(pred), line, n.Cfg.Ring.PingTimeout); err != nil {
			log.WithFields(log.Fields{"node": n.Port, "pred": pred, "chunk": chunk}).
				WithError(err).Warn("backup notification failed, retrying once")
			if err := n.sendAwaitOK(n.addrOfPort(pred), line, n.Cfg.Ring.PingTimeout); err != nil {
				log.WithFields(log.Fields{"node": n.Port, "pred": pred, "chunk": chunk}).
					WithError(err).Warn("backup notification dropped")
			}
		}
	}()
}

// handleNotifyChunkSaved acks immediately and queues the follow-up fetch for
// the replication worker; the saver is this peer's successor, so the fetch
// dials back through the successor slot.
func (n *Node) handleNotifyChunkSaved(conn net.Conn, c protocol.FileNotifyChunkSaved) error {
	select {
	case n.backupJobs <- c.Chunk:
	default:
		log.WithFields(log.Fields{"node": n.Port, "chunk": c.Chunk}).
			Warn("backup queue full, mirror left stale until next push or heal")
	}
	return writeLine(conn, "OK")
}

// replicationWorker services queued backup fetches one at a time so inbound
// handlers never block on mirror traffic.
func (n *Node) replicationWorker() {
	for chunk := range n.backupJobs {
		if err := n.fetchForBackup(chunk); err != nil {
			log.WithFields(log.Fields{"node": n.Port, "chunk": chunk}).
				WithError(err).Warn("backup fetch failed, retrying once")
			if err := n.fetchForBackup(chunk); err != nil {
				log.WithFields(log.Fields{"node": n.Port, "chunk": chunk}).
					WithError(err).Warn("backup fetch dropped")
			}
		}
	}
}

// fetchForBackup pulls one chunk from the successor's content store and
// mirrors it under backup/.
func (n *Node) fetchForBackup(chunk string) error {
	succ := n.Next()
	if succ == "" {
		return protocol.Errf(protocol.KindNoSuccessor, "cannot fetch %s for backup", chunk)
	}
	conn, err := n.dialPeer(succ, n.Cfg.Ring.PingTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.Cfg.Ring.ResyncTimeout))

	if err := writeLine(conn, "FILE GET-CHUNK-FOR-BACKUP "+chunk); err != nil {
		return fmt.Errorf("request %s from %s: %w", chunk, succ, err)
	}
	data, err := readLenPayload(bufio.NewReader(conn), succ)
	if err != nil {
		return err
	}
	if err := n.Store.SaveBackup(chunk, data); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"node":  n.Port,
		"chunk": chunk,
		"bytes": len(data),
		"fp":    fmt.Sprintf("%016x", n.Store.Fingerprint(data)),
	}).Info("backup mirrored")
	return nil
}
