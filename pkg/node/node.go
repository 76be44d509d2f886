// Package node implements one ring peer: its in-memory state, the TCP
// command server, the push/pull and replication engines, and the gossip
// driven self-healing cycle.
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazardous-sun/ouroboros-fs/pkg/config"
	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
	"github.com/hazardous-sun/ouroboros-fs/pkg/store"
)

// Node is the shared state of one peer. Every mutable field is guarded by mu,
// which is held only across in-memory reads and writes, never across I/O:
// handlers snapshot under the lock, release, then dial.
type Node struct {
	Host string
	Port string // bare port, the peer's canonical identity

	Cfg   *config.Config
	Store *store.Store

	mu       sync.RWMutex
	next     string // successor address, "" when isolated
	netmap   map[string]protocol.Status
	topology map[string]string // from-port -> to-port
	tags     map[string]protocol.FileTag

	// Walk rendezvous tables, keyed by token, populated by the initiator
	// and completed by the inbound DONE.
	pendingWalks map[string]chan string
	pendingMaps  map[string]chan string
	pendingHeals map[string]chan struct{}

	// HEAL-HOP tokens already forwarded, so a looping hop is dropped.
	seenHealTokens map[string]struct{}

	tokenCounter atomic.Uint64

	// Chunk names whose predecessor mirror must be fetched; serviced by the
	// replication worker so handlers never block on backup traffic.
	backupJobs chan string

	healing sync.Map // dead port -> struct{}, single-flight guard
}

// New builds a peer bound to host:port. The netmap starts with the peer
// itself marked Alive.
func New(host, port string, cfg *config.Config, st *store.Store) *Node {
	n := &Node{
		Host:           host,
		Port:           port,
		Cfg:            cfg,
		Store:          st,
		netmap:         map[string]protocol.Status{port: protocol.Alive},
		topology:       make(map[string]string),
		tags:           make(map[string]protocol.FileTag),
		pendingWalks:   make(map[string]chan string),
		pendingMaps:    make(map[string]chan string),
		pendingHeals:   make(map[string]chan struct{}),
		seenHealTokens: make(map[string]struct{}),
		backupJobs:     make(chan string, 64),
	}
	return n
}

// Addr is the peer's own dialable address.
func (n *Node) Addr() string {
	return protocol.AddrFor(n.Host, n.Port)
}

/* ---- successor slot ---- */

func (n *Node) Next() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.next
}

func (n *Node) SetNext(addr string) {
	n.mu.Lock()
	n.next = addr
	n.mu.Unlock()
}

/* ---- netmap ---- */

// NetmapSnapshot returns a copy of the netmap.
func (n *Node) NetmapSnapshot() map[string]protocol.Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]protocol.Status, len(n.netmap))
	for k, v := range n.netmap {
		out[k] = v
	}
	return out
}

// AliveCount reports how many peers the netmap currently holds as Alive,
// never less than 1 (the peer itself).
func (n *Node) AliveCount() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var c uint32
	for _, st := range n.netmap {
		if st == protocol.Alive {
			c++
		}
	}
	if c == 0 {
		return 1
	}
	return c
}

// MarkStatus updates one peer's liveness.
func (n *Node) MarkStatus(port string, st protocol.Status) {
	n.mu.Lock()
	n.netmap[port] = st
	n.mu.Unlock()
}

// SetNetmapEntries overwrites the netmap wholesale (last write wins). The
// peer's own port is re-pinned Alive.
func (n *Node) SetNetmapEntries(entries string) {
	m := protocol.ParseNetmap(entries)
	m[n.Port] = protocol.Alive
	n.mu.Lock()
	n.netmap = m
	n.mu.Unlock()
}

// NetmapEntries serializes the current netmap.
func (n *Node) NetmapEntries() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return protocol.FormatNetmap(n.netmap)
}

// EntriesWithSelf merges the peer's own Alive entry into a walked entry set.
func (n *Node) EntriesWithSelf(entries string) string {
	m := protocol.ParseNetmap(entries)
	m[n.Port] = protocol.Alive
	return protocol.FormatNetmap(m)
}

/* ---- topology map ---- */

// SetTopologyHistory replaces the topology wholesale from a walk history.
func (n *Node) SetTopologyHistory(history string) {
	m := protocol.ParseTopology(history)
	n.mu.Lock()
	n.topology = m
	n.mu.Unlock()
}

// TopologyHistory serializes the topology map.
func (n *Node) TopologyHistory() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return protocol.FormatTopology(n.topology)
}

// SuccessorInTopology returns the recorded next hop of a given port.
func (n *Node) SuccessorInTopology(port string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.topology[port]
}

// PredecessorOf resolves the unique port whose topology edge points at the
// given port. Returns "" when the topology is empty or ambiguous.
func (n *Node) PredecessorOf(port string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pred := ""
	for from, to := range n.topology {
		if to != port {
			continue
		}
		if pred != "" {
			return "" // ambiguous
		}
		pred = from
	}
	return pred
}

/* ---- file tags ---- */

// SetTag records one file tag.
func (n *Node) SetTag(name string, tag protocol.FileTag) {
	n.mu.Lock()
	n.tags[name] = tag
	n.mu.Unlock()
}

// Tag looks up one file tag.
func (n *Node) Tag(name string) (protocol.FileTag, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tags[name]
	return t, ok
}

// TagsSnapshot returns a copy of the tag index.
func (n *Node) TagsSnapshot() map[string]protocol.FileTag {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]protocol.FileTag, len(n.tags))
	for k, v := range n.tags {
		out[k] = v
	}
	return out
}

// SetTagsEntries overwrites the tag index from a TAGS-SET payload.
func (n *Node) SetTagsEntries(entries string) {
	m := protocol.ParseTags(entries)
	n.mu.Lock()
	n.tags = m
	n.mu.Unlock()
}

// TagsEntries serializes the tag index.
func (n *Node) TagsEntries() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return protocol.FormatTags(n.tags)
}

/* ---- walk rendezvous ---- */

// NewToken mints a walk token unique to this initiator.
func (n *Node) NewToken() string {
	return fmt.Sprintf("%s-%d", n.Port, n.tokenCounter.Add(1))
}

func (n *Node) registerWalk(token string) <-chan string {
	ch := make(chan string, 1)
	n.mu.Lock()
	n.pendingWalks[token] = ch
	n.mu.Unlock()
	return ch
}

func (n *Node) finishWalk(token, history string) bool {
	n.mu.Lock()
	ch, ok := n.pendingWalks[token]
	delete(n.pendingWalks, token)
	n.mu.Unlock()
	if ok {
		ch <- history
	}
	return ok
}

func (n *Node) registerDiscover(token string) <-chan string {
	ch := make(chan string, 1)
	n.mu.Lock()
	n.pendingMaps[token] = ch
	n.mu.Unlock()
	return ch
}

func (n *Node) finishDiscover(token, entries string) bool {
	n.mu.Lock()
	ch, ok := n.pendingMaps[token]
	delete(n.pendingMaps, token)
	n.mu.Unlock()
	if ok {
		ch <- entries
	}
	return ok
}

func (n *Node) registerHeal(token string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.pendingHeals[token] = ch
	n.mu.Unlock()
	return ch
}

func (n *Node) finishHeal(token string) bool {
	n.mu.Lock()
	ch, ok := n.pendingHeals[token]
	delete(n.pendingHeals, token)
	n.mu.Unlock()
	if ok {
		ch <- struct{}{}
	}
	return ok
}

// markHealHopSeen records a HEAL-HOP token; reports false if it was already
// forwarded by this peer.
func (n *Node) markHealHopSeen(token string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.seenHealTokens[token]; dup {
		return false
	}
	n.seenHealTokens[token] = struct{}{}
	return true
}

func (n *Node) dropWalk(token string) {
	n.mu.Lock()
	delete(n.pendingWalks, token)
	n.mu.Unlock()
}

func (n *Node) dropDiscover(token string) {
	n.mu.Lock()
	delete(n.pendingMaps, token)
	n.mu.Unlock()
}

func (n *Node) dropHeal(token string) {
	n.mu.Lock()
	delete(n.pendingHeals, token)
	n.mu.Unlock()
}

// walkTimeout bounds how long an initiator blocks for a DONE.
const walkTimeout = 30 * time.Second
