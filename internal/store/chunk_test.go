package store

import "testing"

func TestChunkIDs_DedupAndPartition(t *testing.T) {
	ids := make([]uint64, 0, 300)
	for i := 0; i < 300; i++ {
		ids = append(ids, uint64(i%150)+1) // 每个ID出现两次
	}
	chunks := ChunkIDs(ids, DefaultChunkSize)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for 150 unique ids, got %d", len(chunks))
	}
	total := 0
	seen := map[uint64]bool{}
	for _, c := range chunks {
		if len(c) > DefaultChunkSize {
			t.Fatalf("chunk over limit: %d", len(c))
		}
		for _, id := range c {
			if seen[id] {
				t.Fatalf("duplicate id across chunks: %d", id)
			}
			seen[id] = true
		}
		total += len(c)
	}
	if total != 150 {
		t.Fatalf("expected 150 unique ids, got %d", total)
	}
}

func TestChunkIDs_Empty(t *testing.T) {
	if got := ChunkIDs(nil, DefaultChunkSize); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func TestChunkIDs_SingleChunk(t *testing.T) {
	chunks := ChunkIDs([]uint64{5, 3, 5, 1}, DefaultChunkSize)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if len(c) != 3 || c[0] != 1 || c[1] != 3 || c[2] != 5 {
		t.Fatalf("unexpected chunk: %v", c)
	}
}
