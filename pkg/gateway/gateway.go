// Package gateway implements the ring's optional front door: a single
// listener that sniffs the first line of every connection, answering HTTP
// for browsers and proxying the line protocol byte-for-byte to any Alive
// peer for everything else.
package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// Gateway proxies clients onto the ring. Peer selection rotates round-robin
// over the peers its cached netmap holds as Alive.
type Gateway struct {
	host      string
	bootstrap []string // node addresses configured at start

	mu     sync.Mutex
	peers  map[string]protocol.Status // port -> liveness
	rr     int

	cache        *Cache // optional bbolt persistence
	pollInterval time.Duration
	dialTimeout  time.Duration
}

// New builds a gateway over a bootstrap peer list. cachePath may be "" for
// an in-memory-only netmap.
func New(host string, bootstrap []string, pollInterval time.Duration, cachePath string) (*Gateway, error) {
	g := &Gateway{
		host:         host,
		bootstrap:    bootstrap,
		peers:        make(map[string]protocol.Status),
		pollInterval: pollInterval,
		dialTimeout:  2 * time.Second,
	}
	for _, addr := range bootstrap {
		g.peers[protocol.PortOf(addr)] = protocol.Alive
	}
	if cachePath != "" {
		cache, err := OpenCache(cachePath)
		if err != nil {
			return nil, fmt.Errorf("open gateway cache: %w", err)
		}
		g.cache = cache
		// a restarted gateway routes from its last known map until the
		// first poll lands
		for port, st := range cache.Load() {
			g.peers[port] = st
		}
	}
	return g, nil
}

// Run serves the sniffing listener; RunPolling must be started separately.
func (g *Gateway) Run(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", listenAddr, err)
	}
	log.WithField("addr", listenAddr).Info("gateway listening (HTTP + line protocol)")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("gateway accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := g.handleConn(conn); err != nil {
				log.WithField("client", conn.RemoteAddr().String()).
					WithError(err).Debug("gateway client error")
			}
		}()
	}
}

// handleConn reads the first line under a short deadline and routes the
// connection by protocol.
func (g *Gateway) handleConn(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	firstLine, err := r.ReadString('\n')
	if err != nil && firstLine == "" {
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if IsHTTP(firstLine) {
		return g.serveHTTP(r, conn, firstLine)
	}
	return g.proxyLine(r, conn, firstLine)
}

// IsHTTP reports whether a sniffed first line opens an HTTP request.
func IsHTTP(line string) bool {
	for _, prefix := range []string{"GET ", "POST ", "OPTIONS "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.HasPrefix(rest, "/")
		}
	}
	return false
}

// proxyLine replays the sniffed first line to an Alive peer and then copies
// bytes both ways until either side closes.
func (g *Gateway) proxyLine(client *bufio.Reader, conn net.Conn, firstLine string) error {
	peer, err := g.dialRing()
	if err != nil {
		return err
	}
	defer peer.Close()

	if _, err := peer.Write([]byte(firstLine)); err != nil {
		return fmt.Errorf("replay first line: %w", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		// the bufio side drains its buffer before the raw socket
		_, _ = io.Copy(peer, client)
		if tc, ok := peer.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, peer)
		done <- struct{}{}
	}()
	<-done
	<-done
	return nil
}

/* ---- peer selection ---- */

// dialRing connects to the next Alive peer in rotation, skipping peers that
// refuse until the rotation is exhausted.
func (g *Gateway) dialRing() (net.Conn, error) {
	for _, port := range g.rotation() {
		addr := protocol.AddrFor(g.host, port)
		conn, err := net.DialTimeout("tcp", addr, g.dialTimeout)
		if err == nil {
			return conn, nil
		}
		log.WithField("peer", addr).WithError(err).Debug("gateway dial miss")
	}
	return nil, fmt.Errorf("no reachable ring peer")
}

// rotation returns the Alive ports starting after the last one used.
func (g *Gateway) rotation() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	alive := make([]string, 0, len(g.peers))
	for _, port := range sortedStatusKeys(g.peers) {
		if g.peers[port] == protocol.Alive {
			alive = append(alive, port)
		}
	}
	if len(alive) == 0 {
		return nil
	}
	g.rr++
	start := g.rr % len(alive)
	return append(alive[start:], alive[:start]...)
}

func sortedStatusKeys(m map[string]protocol.Status) []string {
	entries := protocol.FormatNetmap(m)
	if entries == "" {
		return nil
	}
	kvs := strings.Split(entries, ",")
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		port, _, _ := strings.Cut(kv, "=")
		out = append(out, port)
	}
	return out
}

/* ---- netmap polling ---- */

// RunPolling refreshes the cached netmap on a timer by asking any peer.
func (g *Gateway) RunPolling() {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for ; ; <-ticker.C {
		if err := g.refreshNetmap(); err != nil {
			log.WithError(err).Warn("gateway netmap refresh failed")
		}
	}
}

func (g *Gateway) refreshNetmap() error {
	m, err := g.FetchNetmap()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.peers = m
	g.mu.Unlock()
	if g.cache != nil {
		g.cache.Store(m)
	}
	return nil
}

// FetchNetmap asks a reachable peer for its netmap.
func (g *Gateway) FetchNetmap() (map[string]protocol.Status, error) {
	conn, err := g.dialRing()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("NETMAP GET\n")); err != nil {
		return nil, fmt.Errorf("send NETMAP GET: %w", err)
	}
	r := bufio.NewReader(conn)
	m := make(map[string]protocol.Status)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read netmap: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "OK" {
			return m, nil
		}
		if strings.HasPrefix(trimmed, "ERR ") {
			return nil, fmt.Errorf("peer: %s", trimmed)
		}
		for port, st := range protocol.ParseNetmap(trimmed) {
			m[port] = st
		}
	}
}

// Close releases the cache DB if one is open.
func (g *Gateway) Close() error {
	if g.cache != nil {
		return g.cache.Close()
	}
	return nil
}
