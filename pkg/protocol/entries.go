package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Status is the liveness of a peer as tracked by the netmap.
type Status string

const (
	Alive Status = "Alive"
	Dead  Status = "Dead"
)

// PortOf returns the canonical peer identity: the last colon-separated field
// of an address. "127.0.0.1:7001" and "7001" both canonicalize to "7001".
func PortOf(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

// HostOf returns the host part of an address, defaulting to loopback.
func HostOf(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return addr[:i]
	}
	return "127.0.0.1"
}

// AddrFor rebuilds a dialable address from a host and a bare port.
func AddrFor(host, port string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + port
}

/* ---- netmap entries: "7001=Alive,7002=Dead" ---- */

// ParseNetmap parses a netmap CSV into a port -> status map. Unknown status
// words default to Alive, matching last-write-wins leniency on the wire.
func ParseNetmap(entries string) map[string]Status {
	m := make(map[string]Status)
	for _, kv := range strings.Split(entries, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(v), string(Dead)) {
			m[k] = Dead
		} else {
			m[k] = Alive
		}
	}
	return m
}

// FormatNetmap serializes a netmap ascending by port.
func FormatNetmap(m map[string]Status) string {
	ports := sortedPorts(m)
	var b strings.Builder
	for i, p := range ports {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p)
		b.WriteByte('=')
		b.WriteString(string(m[p]))
	}
	return b.String()
}

func sortedPorts[T any](m map[string]T) []string {
	ports := make([]string, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool {
		a, errA := strconv.Atoi(ports[i])
		b, errB := strconv.Atoi(ports[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ports[i] < ports[j]
	})
	return ports
}

/* ---- topology history: "7000->7001;7001->7002" ---- */

// AppendEdge extends a walk history with one "from->to" edge, canonicalizing
// both endpoints to port form.
func AppendEdge(history, fromAddr, toAddr string) string {
	edge := PortOf(fromAddr) + "->" + PortOf(toAddr)
	if history == "" {
		return edge
	}
	return history + ";" + edge
}

// ParseTopology parses an edge history into a from-port -> to-port map.
func ParseTopology(history string) map[string]string {
	m := make(map[string]string)
	for _, edge := range strings.Split(history, ";") {
		edge = strings.TrimSpace(edge)
		if edge == "" {
			continue
		}
		from, to, ok := strings.Cut(edge, "->")
		if !ok || from == "" {
			continue
		}
		m[from] = to
	}
	return m
}

// FormatTopology serializes the edge set ascending by source port.
func FormatTopology(m map[string]string) string {
	ports := sortedPorts(m)
	edges := make([]string, 0, len(ports))
	for _, p := range ports {
		edges = append(edges, p+"->"+m[p])
	}
	return strings.Join(edges, ";")
}

/* ---- file tags: "name,start,size,parts" rows ---- */

// FileTag identifies a pushed file globally: the port holding part 0, the
// total byte size, and the ring size at push time.
type FileTag struct {
	Start string
	Size  uint64
	Parts uint32
}

// FormatTagRow renders one FILE LIST row (no trailing newline).
func FormatTagRow(name string, t FileTag) string {
	return fmt.Sprintf("%s,%s,%d,%d", name, t.Start, t.Size, t.Parts)
}

// FormatTags serializes a tag index as semicolon-joined CSV rows ascending by
// name, the payload shape of FILE TAGS-SET.
func FormatTags(tags map[string]FileTag) string {
	names := make([]string, 0, len(tags))
	for n := range tags {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := make([]string, 0, len(names))
	for _, n := range names {
		rows = append(rows, FormatTagRow(n, tags[n]))
	}
	return strings.Join(rows, ";")
}

// ParseTags parses a FILE TAGS-SET payload. Malformed rows are dropped.
func ParseTags(entries string) map[string]FileTag {
	tags := make(map[string]FileTag)
	for _, row := range strings.Split(entries, ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		fields := strings.SplitN(row, ",", 4)
		if len(fields) != 4 {
			continue
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		parts, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil || parts == 0 {
			continue
		}
		name := fields[0]
		if name == "" || fields[1] == "" {
			continue
		}
		tags[name] = FileTag{Start: fields[1], Size: size, Parts: uint32(parts)}
	}
	return tags
}

// SanitizeName replaces filename characters that would break the line
// protocol or escape the node directory. Empty names become "_".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, ch := range name {
		switch ch {
		case '/', '\\', 0, ':', '|', ';', ',', '\n', '\r', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(ch)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
