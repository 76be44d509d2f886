package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// fileInfo is the JSON shape of one FILE LIST row.
type fileInfo struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	Size  uint64 `json:"size"`
	Parts uint32 `json:"parts"`
}

// serveHTTP answers the browser-facing routes by translating bodies to and
// from the line protocol. The HTTP surface is deliberately minimal; anything
// else is a 404.
func (g *Gateway) serveHTTP(r *bufio.Reader, conn net.Conn, firstLine string) error {
	fields := strings.Fields(firstLine)
	if len(fields) < 2 {
		return writeError(conn, 400, "malformed request line")
	}
	method, path := fields[0], fields[1]
	log.WithFields(log.Fields{"method": method, "path": path}).Debug("gateway http request")

	if method == "OPTIONS" {
		return writeOptions(conn)
	}

	switch {
	case method == "GET" && path == "/netmap/get":
		m, err := g.FetchNetmap()
		if err != nil {
			return writeError(conn, 502, err.Error())
		}
		return writeJSON(conn, m)

	case method == "GET" && path == "/file/list":
		list, err := g.fetchFileList()
		if err != nil {
			return writeError(conn, 502, err.Error())
		}
		return writeJSON(conn, list)

	case method == "GET" && strings.HasPrefix(path, "/file/pull/"):
		name := strings.TrimPrefix(path, "/file/pull/")
		if name == "" {
			return writeError(conn, 400, "missing filename")
		}
		return g.servePull(conn, name)

	case method == "POST" && path == "/file/push":
		if err := g.servePush(r); err != nil {
			return writeError(conn, 502, err.Error())
		}
		return writeJSON(conn, map[string]string{"status": "ok"})

	case method == "POST" && path == "/network/heal":
		if err := g.relayCommand("NODE HEAL\n"); err != nil {
			return writeError(conn, 502, err.Error())
		}
		return writeJSON(conn, map[string]string{"status": "healed"})

	case method == "POST" && strings.HasPrefix(path, "/node/") && strings.HasSuffix(path, "/kill"):
		// visualization-only route; the line protocol has no kill verb
		return writeError(conn, 501, "node kill is not supported by the ring protocol")
	}
	return writeError(conn, 404, "not found")
}

// servePush reads the HTTP headers (Content-Length, X-Filename) and the raw
// body, then replays it as FILE PUSH and waits for the ring's OK.
func (g *Gateway) servePush(r *bufio.Reader) error {
	var contentLength uint64
	var filename string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read headers: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "content-length":
			contentLength, _ = strconv.ParseUint(value, 10, 64)
		case "x-filename":
			filename = protocol.SanitizeName(value)
		}
	}
	if filename == "" {
		return fmt.Errorf("missing X-Filename header")
	}

	peer, err := g.dialRing()
	if err != nil {
		return err
	}
	defer peer.Close()
	_ = peer.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprintf(peer, "FILE PUSH %d %s\n", contentLength, filename); err != nil {
		return fmt.Errorf("send push header: %w", err)
	}
	if _, err := io.CopyN(peer, r, int64(contentLength)); err != nil {
		return fmt.Errorf("stream body: %w", err)
	}

	pr := bufio.NewReader(peer)
	for {
		line, err := pr.ReadString('\n')
		if err != nil {
			return fmt.Errorf("await push ack: %w", err)
		}
		if strings.HasPrefix(line, "OK") {
			return nil
		}
		if strings.HasPrefix(line, "ERR ") {
			return fmt.Errorf("ring: %s", strings.TrimRight(line, "\r\n"))
		}
	}
}

// servePull streams a FILE PULL payload to the browser as an attachment.
func (g *Gateway) servePull(conn net.Conn, name string) error {
	peer, err := g.dialRing()
	if err != nil {
		return writeError(conn, 502, err.Error())
	}
	defer peer.Close()

	if _, err := fmt.Fprintf(peer, "FILE PULL %s\n", name); err != nil {
		return writeError(conn, 502, err.Error())
	}
	if tc, ok := peer.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", name) +
		"Connection: close\r\n\r\n"
	if _, err := conn.Write([]byte(header)); err != nil {
		return err
	}
	_, err = io.Copy(conn, peer)
	return err
}

// fetchFileList asks a peer for FILE LIST and parses the CSV rows.
func (g *Gateway) fetchFileList() ([]fileInfo, error) {
	peer, err := g.dialRing()
	if err != nil {
		return nil, err
	}
	defer peer.Close()
	_ = peer.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := peer.Write([]byte("FILE LIST\n")); err != nil {
		return nil, fmt.Errorf("send FILE LIST: %w", err)
	}
	r := bufio.NewReader(peer)
	files := []fileInfo{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read file list: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "OK" {
			return files, nil
		}
		if strings.HasPrefix(trimmed, "ERR ") {
			return nil, fmt.Errorf("peer: %s", trimmed)
		}
		fields := strings.SplitN(trimmed, ",", 4)
		if len(fields) != 4 {
			continue
		}
		size, _ := strconv.ParseUint(fields[2], 10, 64)
		parts, _ := strconv.ParseUint(fields[3], 10, 32)
		files = append(files, fileInfo{Name: fields[0], Start: fields[1], Size: size, Parts: uint32(parts)})
	}
}

// relayCommand sends one acknowledged command line to any Alive peer.
func (g *Gateway) relayCommand(line string) error {
	peer, err := g.dialRing()
	if err != nil {
		return err
	}
	defer peer.Close()
	_ = peer.SetDeadline(time.Now().Add(90 * time.Second))

	if _, err := peer.Write([]byte(line)); err != nil {
		return err
	}
	r := bufio.NewReader(peer)
	for {
		resp, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		if strings.HasPrefix(resp, "OK") {
			return nil
		}
		if strings.HasPrefix(resp, "ERR ") {
			return fmt.Errorf("ring: %s", strings.TrimRight(resp, "\r\n"))
		}
	}
}

/* ---- response helpers ---- */

func writeOptions(conn net.Conn) error {
	resp := "HTTP/1.1 204 No Content\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		"Access-Control-Allow-Methods: POST, GET, OPTIONS\r\n" +
		"Access-Control-Allow-Headers: Content-Type, X-Filename\r\n" +
		"Connection: close\r\n\r\n"
	_, err := conn.Write([]byte(resp))
	return err
}

func writeJSON(conn net.Conn, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte("{}")
	}
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
		"Content-Type: application/json\r\n"+
		"Access-Control-Allow-Origin: *\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", len(body), body)
	_, err = conn.Write([]byte(resp))
	return err
}

func writeError(conn net.Conn, status int, message string) error {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain\r\n"+
		"Access-Control-Allow-Origin: *\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", status, statusText(status), len(message), message)
	_, err := conn.Write([]byte(resp))
	return err
}

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	default:
		return "Error"
	}
}
