package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		TransferID: "t-1",
		Metadata:   FileDescriptor{LogicalName: "backup.sql", Size: 1024},
		AuthToken:  "tok",
	}
	require.NoError(t, WriteFrame(&buf, req))

	var got Request
	require.NoError(t, ReadFrame(&buf, MaxControlFrame, &got))
	require.Equal(t, req, got)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	c := Chunk{TransferID: "t-1", ChunkIndex: 0, Data: bytes.Repeat([]byte{1}, 100)}
	require.NoError(t, WriteFrame(&buf, c))

	var got Chunk
	err := ReadFrame(&buf, 4, &got) // smaller than the actual frame
	require.Error(t, err)
}

func TestReadExactlyPrematureEOF(t *testing.T) {
	buf := bytes.NewReader([]byte{1, 2})
	err := ReadExactly(buf, make([]byte, 4))
	require.Error(t, err)
}

func TestChunkDataIsBase64InJSON(t *testing.T) {
	var buf bytes.Buffer
	c := Chunk{TransferID: "t-1", ChunkIndex: 3, Data: []byte("binary-payload"), IsLastChunk: true}
	require.NoError(t, WriteFrame(&buf, c))

	raw, err := ReadRawFrame(bytes.NewReader(buf.Bytes()), MaxChunkFrame)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"data":"`) // base64 string, not raw binary
}
