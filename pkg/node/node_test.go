package node

import (
	"testing"

	"github.com/hazardous-sun/ouroboros-fs/pkg/config"
	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

func testNode(t *testing.T, port string) *Node {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return New("127.0.0.1", port, cfg, nil)
}

func TestSuccessorSlot(t *testing.T) {
	n := testNode(t, "7000")
	if n.Next() != "" {
		t.Errorf("fresh node has successor %q", n.Next())
	}
	n.SetNext("127.0.0.1:7001")
	if n.Next() != "127.0.0.1:7001" {
		t.Errorf("Next = %q", n.Next())
	}
}

func TestOwnPortAlwaysAlive(t *testing.T) {
	n := testNode(t, "7000")
	if got := n.NetmapSnapshot()["7000"]; got != protocol.Alive {
		t.Errorf("own port = %s, want Alive", got)
	}
	// a SET that omits or kills the own port gets it re-pinned
	n.SetNetmapEntries("7000=Dead,7001=Alive")
	if got := n.NetmapSnapshot()["7000"]; got != protocol.Alive {
		t.Errorf("own port after SET = %s, want Alive", got)
	}
}

func TestAliveCount(t *testing.T) {
	n := testNode(t, "7000")
	if n.AliveCount() != 1 {
		t.Errorf("fresh AliveCount = %d, want 1", n.AliveCount())
	}
	n.SetNetmapEntries("7000=Alive,7001=Alive,7002=Dead")
	if n.AliveCount() != 2 {
		t.Errorf("AliveCount = %d, want 2", n.AliveCount())
	}
}

func TestPredecessorOf(t *testing.T) {
	n := testNode(t, "7001")
	if pred := n.PredecessorOf("7001"); pred != "" {
		t.Errorf("empty topology predecessor = %q, want \"\"", pred)
	}

	n.SetTopologyHistory("7000->7001;7001->7002;7002->7000")
	cases := map[string]string{"7001": "7000", "7002": "7001", "7000": "7002"}
	for port, want := range cases {
		if got := n.PredecessorOf(port); got != want {
			t.Errorf("PredecessorOf(%s) = %q, want %q", port, got, want)
		}
	}

	// two edges into the same port is ambiguous
	n.SetTopologyHistory("7000->7001;7002->7001")
	if got := n.PredecessorOf("7001"); got != "" {
		t.Errorf("ambiguous predecessor = %q, want \"\"", got)
	}
}

func TestTopologyReplacedWholesale(t *testing.T) {
	n := testNode(t, "7000")
	n.SetTopologyHistory("7000->7001;7001->7000")
	n.SetTopologyHistory("7000->7002;7002->7000")
	if got := n.SuccessorInTopology("7001"); got != "" {
		t.Errorf("stale edge survived: 7001->%s", got)
	}
	if got := n.SuccessorInTopology("7000"); got != "7002" {
		t.Errorf("SuccessorInTopology(7000) = %q, want 7002", got)
	}
}

func TestTagsRoundTripThroughEntries(t *testing.T) {
	n := testNode(t, "7000")
	n.SetTag("a", protocol.FileTag{Start: "7000", Size: 10, Parts: 3})
	n.SetTag("b", protocol.FileTag{Start: "7001", Size: 7, Parts: 3})

	m := testNode(t, "7001")
	m.SetTagsEntries(n.TagsEntries())
	tag, ok := m.Tag("a")
	if !ok || tag.Start != "7000" || tag.Size != 10 || tag.Parts != 3 {
		t.Errorf("tag a = %+v ok=%v", tag, ok)
	}
}

func TestTokensUnique(t *testing.T) {
	n := testNode(t, "7000")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := n.NewToken()
		if seen[tok] {
			t.Fatalf("token %q minted twice", tok)
		}
		seen[tok] = true
	}
}

func TestWalkRendezvous(t *testing.T) {
	n := testNode(t, "7000")
	tok := n.NewToken()
	ch := n.registerWalk(tok)

	if !n.finishWalk(tok, "7000->7001") {
		t.Fatal("finishWalk of registered token failed")
	}
	if got := <-ch; got != "7000->7001" {
		t.Errorf("rendezvous history = %q", got)
	}
	// the same token cannot complete twice
	if n.finishWalk(tok, "again") {
		t.Error("finishWalk of consumed token succeeded")
	}
}

func TestHealHopTokenDedup(t *testing.T) {
	n := testNode(t, "7000")
	if !n.markHealHopSeen("7001-1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if n.markHealHopSeen("7001-1") {
		t.Error("duplicate sighting not detected")
	}
}

func TestEntriesWithSelf(t *testing.T) {
	n := testNode(t, "7001")
	got := n.EntriesWithSelf("7000=Alive")
	if got != "7000=Alive,7001=Alive" {
		t.Errorf("EntriesWithSelf = %q", got)
	}
}
