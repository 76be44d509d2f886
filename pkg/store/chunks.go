package store

import (
	"fmt"
	"strconv"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

// ChunkLen returns the byte length of zero-based chunk i when size bytes are
// split into parts chunks. The remainder goes to the first size%parts chunks.
func ChunkLen(i uint32, size uint64, parts uint32) uint64 {
	base := size / uint64(parts)
	rem := size % uint64(parts)
	if uint64(i) < rem {
		return base + 1
	}
	return base
}

// ConsumedThrough returns the total bytes held by chunks 0..i inclusive.
func ConsumedThrough(i uint32, size uint64, parts uint32) uint64 {
	base := size / uint64(parts)
	rem := size % uint64(parts)
	n := uint64(i) + 1
	consumed := n * base
	if n < rem {
		consumed += n
	} else {
		consumed += rem
	}
	return consumed
}

// ChunkFileName names zero-based chunk i of a file: "<name>.part-<NNN>-of-<MMM>"
// with NNN 1-based and zero-padded to the printed width of MMM.
func ChunkFileName(name string, i, parts uint32) string {
	width := len(strconv.FormatUint(uint64(parts), 10))
	return fmt.Sprintf("%s.part-%0*d-of-%d", protocol.SanitizeName(name), width, i+1, parts)
}
