package protocol

import (
	"reflect"
	"testing"
)

func TestNetmapRoundTrip(t *testing.T) {
	in := "7002=Dead, 7000=Alive,7001=Alive"
	m := ParseNetmap(in)
	want := map[string]Status{"7000": Alive, "7001": Alive, "7002": Dead}
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("ParseNetmap(%q) = %v", in, m)
	}
	if got := FormatNetmap(m); got != "7000=Alive,7001=Alive,7002=Dead" {
		t.Errorf("FormatNetmap = %q", got)
	}
}

func TestNetmapUnknownStatusDefaultsAlive(t *testing.T) {
	m := ParseNetmap("7000=zombie")
	if m["7000"] != Alive {
		t.Errorf("unknown status parsed as %s, want Alive", m["7000"])
	}
}

func TestAppendEdgeCanonicalizesPorts(t *testing.T) {
	h := AppendEdge("", "127.0.0.1:7000", "127.0.0.1:7001")
	h = AppendEdge(h, "7001", "localhost:7002")
	if h != "7000->7001;7001->7002" {
		t.Errorf("history = %q", h)
	}
}

func TestTopologyRoundTrip(t *testing.T) {
	hist := "7000->7001;7001->7002;7002->7000"
	m := ParseTopology(hist)
	if len(m) != 3 || m["7002"] != "7000" {
		t.Fatalf("ParseTopology = %v", m)
	}
	if got := FormatTopology(m); got != hist {
		t.Errorf("FormatTopology = %q, want %q", got, hist)
	}
}

func TestTagsRoundTrip(t *testing.T) {
	tags := map[string]FileTag{
		"b.bin": {Start: "7002", Size: 7, Parts: 3},
		"a.txt": {Start: "7001", Size: 10, Parts: 3},
	}
	s := FormatTags(tags)
	if s != "a.txt,7001,10,3;b.bin,7002,7,3" {
		t.Fatalf("FormatTags = %q", s)
	}
	back := ParseTags(s)
	if !reflect.DeepEqual(back, tags) {
		t.Errorf("ParseTags(FormatTags) = %v, want %v", back, tags)
	}
}

func TestParseTagsDropsMalformedRows(t *testing.T) {
	tags := ParseTags("good,7001,5,2;short,row;bad,7001,x,2;zero,7001,5,0")
	if len(tags) != 1 {
		t.Fatalf("kept %d rows, want 1: %v", len(tags), tags)
	}
	if _, ok := tags["good"]; !ok {
		t.Errorf("missing surviving row: %v", tags)
	}
}

func TestPortOf(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7001": "7001",
		"7001":           "7001",
		"[::1]:7001":     "7001",
	}
	for in, want := range cases {
		if got := PortOf(in); got != want {
			t.Errorf("PortOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	if got := SanitizeName("a/b:c d,e"); got != "a_b_c_d_e" {
		t.Errorf("SanitizeName = %q", got)
	}
	if got := SanitizeName(""); got != "_" {
		t.Errorf("SanitizeName(\"\") = %q", got)
	}
}
