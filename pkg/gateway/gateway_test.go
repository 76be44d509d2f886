package gateway

import (
	"testing"
	"time"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

func TestIsHTTP(t *testing.T) {
	cases := map[string]bool{
		"GET /netmap/get HTTP/1.1\r\n":  true,
		"POST /file/push HTTP/1.1\r\n":  true,
		"OPTIONS /file/push HTTP/1.1":   true,
		"GET nothing":                   false,
		"NODE PING\n":                   false,
		"FILE PUSH 10 GET /x":           false,
		"TOPOLOGY WALK\n":               false,
		"":                              false,
	}
	for line, want := range cases {
		if got := IsHTTP(line); got != want {
			t.Errorf("IsHTTP(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestRotationSkipsDeadPeers(t *testing.T) {
	g, err := New("127.0.0.1", []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"}, time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.mu.Lock()
	g.peers["7001"] = protocol.Dead
	g.mu.Unlock()

	for i := 0; i < 6; i++ {
		for _, port := range g.rotation() {
			if port == "7001" {
				t.Fatal("rotation produced a Dead peer")
			}
		}
	}
}

func TestRotationRoundRobins(t *testing.T) {
	g, err := New("127.0.0.1", []string{"127.0.0.1:7000", "127.0.0.1:7001"}, time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := g.rotation()
	second := g.rotation()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("rotation lengths = %d, %d", len(first), len(second))
	}
	if first[0] == second[0] {
		t.Errorf("rotation did not advance: both start at %s", first[0])
	}
}

func TestRotationEmptyWhenAllDead(t *testing.T) {
	g, err := New("127.0.0.1", []string{"127.0.0.1:7000"}, time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.mu.Lock()
	g.peers["7000"] = protocol.Dead
	g.mu.Unlock()
	if got := g.rotation(); len(got) != 0 {
		t.Errorf("rotation over dead peers = %v", got)
	}
}

func TestCachePersistsNetmap(t *testing.T) {
	path := t.TempDir() + "/gateway.db"
	c, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	c.Store(map[string]protocol.Status{"7000": protocol.Alive, "7001": protocol.Dead})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = OpenCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	m := c.Load()
	if m["7000"] != protocol.Alive || m["7001"] != protocol.Dead {
		t.Errorf("Load = %v", m)
	}
}
