package store

import "testing"

func TestChunkLenSumsToSize(t *testing.T) {
	for _, parts := range []uint32{1, 2, 3, 5, 11} {
		for _, size := range []uint64{0, 1, uint64(parts) - 1, uint64(parts), uint64(parts) + 1, 7*uint64(parts) + 3, 1 << 20} {
			var sum uint64
			for i := uint32(0); i < parts; i++ {
				l := ChunkLen(i, size, parts)
				base := size / uint64(parts)
				if l != base && l != base+1 {
					t.Errorf("ChunkLen(%d, %d, %d) = %d, not within 1 of %d", i, size, parts, l, base)
				}
				sum += l
			}
			if sum != size {
				t.Errorf("parts=%d size=%d: chunk lengths sum to %d", parts, size, sum)
			}
		}
	}
}

func TestChunkLenRemainderFirst(t *testing.T) {
	// 10 bytes over 3 parts: (4,3,3)
	want := []uint64{4, 3, 3}
	for i, w := range want {
		if got := ChunkLen(uint32(i), 10, 3); got != w {
			t.Errorf("ChunkLen(%d, 10, 3) = %d, want %d", i, got, w)
		}
	}
	// 7 bytes over 3 parts: (3,2,2)
	want = []uint64{3, 2, 2}
	for i, w := range want {
		if got := ChunkLen(uint32(i), 7, 3); got != w {
			t.Errorf("ChunkLen(%d, 7, 3) = %d, want %d", i, got, w)
		}
	}
}

func TestConsumedThrough(t *testing.T) {
	for _, size := range []uint64{0, 1, 7, 10, 1000} {
		const parts = 3
		var running uint64
		for i := uint32(0); i < parts; i++ {
			running += ChunkLen(i, size, parts)
			if got := ConsumedThrough(i, size, parts); got != running {
				t.Errorf("ConsumedThrough(%d, %d, %d) = %d, want %d", i, size, parts, got, running)
			}
		}
	}
}

func TestChunkFileName(t *testing.T) {
	cases := []struct {
		name  string
		i     uint32
		parts uint32
		want  string
	}{
		{"a", 0, 3, "a.part-1-of-3"},
		{"a", 2, 3, "a.part-3-of-3"},
		{"report.pdf", 9, 11, "report.pdf.part-10-of-11"},
		{"report.pdf", 0, 11, "report.pdf.part-01-of-11"},
		{"weird/name", 0, 1, "weird_name.part-1-of-1"},
	}
	for _, tc := range cases {
		if got := ChunkFileName(tc.name, tc.i, tc.parts); got != tc.want {
			t.Errorf("ChunkFileName(%q, %d, %d) = %q, want %q", tc.name, tc.i, tc.parts, got, tc.want)
		}
	}
}
