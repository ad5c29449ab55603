package store

import "sort"

// DefaultChunkSize 为单次批量查询允许的最大ID数。
const DefaultChunkSize = 128

// ChunkIDs 去重并按 size 切分ID列表，保证任何一次 IN 查询的规模有上界。
// 返回的切片内ID升序；size<=0 时按 DefaultChunkSize 处理。
func ChunkIDs(ids []uint64, size int) [][]uint64 {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(ids) == 0 {
		return nil
	}
	dedup := make([]uint64, len(ids))
	copy(dedup, ids)
	sort.Slice(dedup, func(i, j int) bool { return dedup[i] < dedup[j] })
	n := 0
	for i, v := range dedup {
		if i == 0 || v != dedup[n-1] {
			dedup[n] = v
			n++
		}
	}
	dedup = dedup[:n]

	var chunks [][]uint64
	for i := 0; i < len(dedup); i += size {
		end := i + size
		if end > len(dedup) {
			end = len(dedup)
		}
		chunks = append(chunks, dedup[i:end])
	}
	return chunks
}
