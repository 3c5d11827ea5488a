package chunkmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPolicyChunkCount(t *testing.T) {
	require.EqualValues(t, 1, NewPolicy(4096, 4096).ChunkCount)
	require.EqualValues(t, 2, NewPolicy(4097, 4096).ChunkCount)
	require.EqualValues(t, 10, NewPolicy(10*1<<20, 1<<20).ChunkCount)
}

func TestChunkLength(t *testing.T) {
	p := NewPolicy(4097, 4096)
	require.EqualValues(t, 4096, p.ChunkLength(0, 4097))
	require.EqualValues(t, 1, p.ChunkLength(1, 4097))

	// Exact multiple: last chunk is a full chunkSize, not zero.
	p2 := NewPolicy(8192, 4096)
	require.EqualValues(t, 4096, p2.ChunkLength(1, 8192))
}

func TestDirectPath(t *testing.T) {
	require.True(t, Direct(4096, 4096))
	require.False(t, Direct(4097, 4096))
}
