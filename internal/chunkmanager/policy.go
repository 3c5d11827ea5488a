package chunkmanager

// Policy is the chunking policy for a transfer: the pair (chunk size,
// derived chunk count).
type Policy struct {
	ChunkSize  int64
	ChunkCount int64
}

// NewPolicy derives ChunkCount = ceil(size / chunkSize).
func NewPolicy(size, chunkSize int64) Policy {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	count := size / chunkSize
	if size%chunkSize != 0 || size == 0 {
		count++
	}
	if size == 0 {
		count = 0
	}
	return Policy{ChunkSize: chunkSize, ChunkCount: count}
}

// ChunkLength returns the expected payload length of the chunk at
// index: chunkSize for every chunk except possibly the last, which is
// size mod chunkSize (or chunkSize if the modulus is zero).
func (p Policy) ChunkLength(index int, size int64) int64 {
	last := int64(p.ChunkCount) - 1
	if int64(index) != last {
		return p.ChunkSize
	}
	rem := size % p.ChunkSize
	if rem == 0 {
		return p.ChunkSize
	}
	return rem
}

// Direct reports whether size fits in a single chunk, so the direct
// (non-chunked) transfer path applies.
func Direct(size, chunkSize int64) bool {
	return size <= chunkSize
}
