package node

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/hazardous-sun/ouroboros-fs/pkg/config"
	"github.com/hazardous-sun/ouroboros-fs/pkg/store"
)

// servedNode runs handleConn over an in-memory pipe, no listener involved.
func servedNode(t *testing.T, port string) (*Node, net.Conn) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	st, err := store.New(t.TempDir(), port)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	n := New("127.0.0.1", port, cfg, st)

	client, server := net.Pipe()
	go func() {
		_ = n.handleConn(server)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return n, client
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestPingPong(t *testing.T) {
	_, client := servedNode(t, "7000")
	if _, err := client.Write([]byte("NODE PING\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, bufio.NewReader(client)); got != "PONG" {
		t.Errorf("response = %q, want PONG", got)
	}
}

func TestNodeNextAndStatus(t *testing.T) {
	n, client := servedNode(t, "7000")
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("NODE NEXT 127.0.0.1:7001\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Fatalf("NODE NEXT response = %q", got)
	}
	if n.Next() != "127.0.0.1:7001" {
		t.Errorf("successor = %q", n.Next())
	}

	if _, err := client.Write([]byte("NODE STATUS\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "7000 127.0.0.1:7001" {
		t.Errorf("status line = %q", got)
	}
	if got := readLine(t, r); got != "OK" {
		t.Errorf("status trailer = %q", got)
	}
}

func TestStatusWithoutSuccessor(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("NODE STATUS\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "7000 none" {
		t.Errorf("status line = %q", got)
	}
}

func TestNetmapSetAndGet(t *testing.T) {
	_, client := servedNode(t, "7001")
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("NETMAP SET 7000=Alive,7001=Alive,7002=Dead\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Fatalf("NETMAP SET response = %q", got)
	}

	if _, err := client.Write([]byte("NETMAP GET\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []string{"7000=Alive", "7001=Alive", "7002=Dead", "OK"}
	for _, w := range want {
		if got := readLine(t, r); got != w {
			t.Errorf("NETMAP GET line = %q, want %q", got, w)
		}
	}
}

func TestUnknownCommandGetsErr(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("NODE EXPLODE\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readLine(t, r)
	if !strings.HasPrefix(got, "ERR unknown-command") {
		t.Errorf("response = %q, want ERR unknown-command ...", got)
	}
	// the connection closes after an error
	if _, err := r.ReadString('\n'); err != io.EOF {
		t.Errorf("connection stayed open after error: %v", err)
	}
}

func TestSingleNodePushAndPull(t *testing.T) {
	n, client := servedNode(t, "7000")
	r := bufio.NewReader(client)

	payload := "hello"
	if _, err := client.Write([]byte("FILE PUSH 5 c\n" + payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Fatalf("push response = %q", got)
	}

	tag, ok := n.Tag("c")
	if !ok {
		t.Fatal("push did not tag the file")
	}
	if tag.Start != "7000" || tag.Size != 5 || tag.Parts != 1 {
		t.Errorf("tag = %+v", tag)
	}
	chunk, err := n.Store.ReadContent("c.part-1-of-1")
	if err != nil {
		t.Fatalf("chunk not saved: %v", err)
	}
	if string(chunk) != payload {
		t.Errorf("chunk bytes = %q", chunk)
	}

	// pull over a fresh connection; the payload is EOF-terminated
	client2, server2 := net.Pipe()
	go func() {
		_ = n.handleConn(server2)
		server2.Close()
	}()
	defer client2.Close()
	if _, err := client2.Write([]byte("FILE PULL c\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := io.ReadAll(client2)
	if err != nil {
		t.Fatalf("read pull payload: %v", err)
	}
	if string(got) != payload {
		t.Errorf("pull = %q, want %q", got, payload)
	}
}

func TestPullUnknownFile(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("FILE PULL ghost\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readLine(t, r)
	if !strings.HasPrefix(got, "ERR no-such-file") {
		t.Errorf("response = %q, want ERR no-such-file ...", got)
	}
}

func TestGetChunkRoundTrip(t *testing.T) {
	n, client := servedNode(t, "7000")
	r := bufio.NewReader(client)

	if err := n.Store.SaveContent("a.part-1-of-3", []byte("abcd")); err != nil {
		t.Fatalf("SaveContent: %v", err)
	}
	if _, err := client.Write([]byte("FILE GET-CHUNK a.part-1-of-3\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "LEN 4" {
		t.Fatalf("header = %q", got)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(buf) != "abcd" {
		t.Errorf("payload = %q", buf)
	}
	if got := readLine(t, r); got != "OK" {
		t.Errorf("trailer = %q", got)
	}
}

func TestGetChunkMissing(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("FILE GET-CHUNK ghost.part-1-of-1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readLine(t, r)
	if !strings.HasPrefix(got, "ERR no-such-file") {
		t.Errorf("response = %q", got)
	}
}

func TestFileListAndTagsSet(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("FILE TAGS-SET b,7001,7,3;a,7000,10,3\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Fatalf("TAGS-SET response = %q", got)
	}

	if _, err := client.Write([]byte("FILE LIST\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []string{"a,7000,10,3", "b,7001,7,3", "OK"}
	for _, w := range want {
		if got := readLine(t, r); got != w {
			t.Errorf("FILE LIST line = %q, want %q", got, w)
		}
	}
}

func TestTopologySetThenPredecessor(t *testing.T) {
	n, client := servedNode(t, "7001")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("TOPOLOGY SET 7000->7001;7001->7002;7002->7000\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Fatalf("TOPOLOGY SET response = %q", got)
	}
	if pred := n.PredecessorOf("7001"); pred != "7000" {
		t.Errorf("PredecessorOf(7001) = %q, want 7000", pred)
	}
}

func TestNotifyChunkSavedAcksImmediately(t *testing.T) {
	n, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("FILE NOTIFY-CHUNK-SAVED a.part-2-of-3\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(t, r); got != "OK" {
		t.Errorf("response = %q", got)
	}
	select {
	case chunk := <-n.backupJobs:
		if chunk != "a.part-2-of-3" {
			t.Errorf("queued chunk = %q", chunk)
		}
	default:
		t.Error("no backup job queued")
	}
}

func TestHealDoneUnknownTokenConflicts(t *testing.T) {
	_, client := servedNode(t, "7000")
	r := bufio.NewReader(client)
	if _, err := client.Write([]byte("NODE HEAL-DONE nobody-1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readLine(t, r)
	if !strings.HasPrefix(got, "ERR conflict") {
		t.Errorf("response = %q, want ERR conflict ...", got)
	}
}
