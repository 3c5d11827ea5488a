package transferclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mysqlbak/transfer/internal/auth"
	"github.com/mysqlbak/transfer/internal/checksum"
	"github.com/mysqlbak/transfer/internal/chunkmanager"
	"github.com/mysqlbak/transfer/internal/credentialstore"
	"github.com/mysqlbak/transfer/internal/resumestore"
	"github.com/mysqlbak/transfer/internal/storagesink"
	"github.com/mysqlbak/transfer/internal/transferserver"
	"github.com/mysqlbak/transfer/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeAuthStore struct {
	rec credentialstore.ClientRecord
}

func (f fakeAuthStore) Get(ctx context.Context, clientID string) (credentialstore.ClientRecord, error) {
	return f.rec, nil
}

func startTestServer(t *testing.T) (addr string, token string, resumes resumestore.Store) {
	t.Helper()
	hashed, salt, err := credentialstore.HashSecret("s3cr3t")
	require.NoError(t, err)
	rec := credentialstore.ClientRecord{ClientID: "agent-1", HashedSecret: hashed, Salt: salt, Active: true}

	authSvc := auth.New(fakeAuthStore{rec: rec}, nil, nil, auth.Config{})
	resumeStore, err := resumestore.NewFileStore(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	chunks := chunkmanager.New(t.TempDir(), resumeStore)
	sink, err := storagesink.NewLocalSink(t.TempDir())
	require.NoError(t, err)

	logger := logrus.NewEntry(logrus.New())
	srv := transferserver.New(transferserver.Config{ListenAddr: "127.0.0.1:0"}, authSvc, chunks, sink, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.ServeListener(ctx, ln)

	authToken, err := authSvc.Authenticate(context.Background(), "agent-1", "s3cr3t", time.Now())
	require.NoError(t, err)

	return ln.Addr().String(), authToken.TokenID, resumeStore
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestClientTransferSmallFile(t *testing.T) {
	addr, token, _ := startTestServer(t)
	path := writeTempFile(t, 1024)

	c := New(Config{}, nil)
	res, err := c.Transfer(context.Background(), path, addr, Credentials{ClientID: "agent-1", AuthToken: token}, Chunking{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 1024, res.BytesTransferred)
	require.NotEmpty(t, res.FinalPath)
}

func TestClientTransferChunked(t *testing.T) {
	addr, token, _ := startTestServer(t)
	path := writeTempFile(t, 10*1024)

	c := New(Config{}, nil)
	res, err := c.Transfer(context.Background(), path, addr, Credentials{ClientID: "agent-1", AuthToken: token}, Chunking{ChunkSize: 4096})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 10*1024, res.BytesTransferred)
}

// TestClientResumeAfterMidStreamDisconnect exercises the
// resume-after-network-drop scenario end to end: a raw wire-level
// client plays the role of a peer that
// sends the request and one chunk, then vanishes mid-stream (the
// connection is closed without a Final), and a real Client.Resume call
// reattaches with the token the server minted and completes the
// transfer. This is the regression scenario for the bug where Restore
// rebuilt the chunking policy from the whole-file size instead of the
// persisted chunk size: with that bug, the second half of this test
// would hang until FrameTimeout instead of completing.
func TestClientResumeAfterMidStreamDisconnect(t *testing.T) {
	addr, token, _ := startTestServer(t)
	const chunkSize = int64(4096)
	path := writeTempFile(t, 10*1024)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	engine := checksum.New()
	md5Hex, sha256Hex, size, err := engine.DigestFile(path)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	req := wire.Request{
		TransferID: "xfer-resume-test",
		Metadata: wire.FileDescriptor{
			LogicalName: "payload.bin",
			Size:        size,
			MD5:         md5Hex,
			SHA256:      sha256Hex,
		},
		ChunkingStrategy: wire.ChunkingStrategy{ChunkSize: chunkSize},
		AuthToken:        token,
	}
	require.NoError(t, wire.WriteFrame(conn, req))

	var ack wire.Ack
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &ack))
	require.True(t, ack.Success)
	require.NotEmpty(t, ack.ResumeToken)
	require.Equal(t, chunkSize, ack.ChunkSize)

	policy := chunkmanager.NewPolicy(size, chunkSize)
	require.EqualValues(t, 3, policy.ChunkCount, "10KiB over a 4096-byte chunk size must produce 3 chunks")

	firstChunk := content[:policy.ChunkLength(0, size)]
	require.NoError(t, wire.WriteFrame(conn, wire.Chunk{
		TransferID:    req.TransferID,
		ChunkIndex:    0,
		Data:          firstChunk,
		ChunkChecksum: engine.DigestBuffer(firstChunk),
		IsLastChunk:   false,
	}))
	var cack wire.ChunkAck
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &cack))
	require.True(t, cack.Success)

	// Simulate a crash: close before sending chunks 1, 2, or Final.
	require.NoError(t, conn.Close())

	c := New(Config{}, nil)
	res, err := c.Resume(context.Background(), ack.ResumeToken, path, addr,
		Credentials{ClientID: "agent-1", AuthToken: token}, Chunking{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, size, res.BytesTransferred)

	got, err := os.ReadFile(res.FinalPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestClientTransferRejectsBadAuth(t *testing.T) {
	addr, _, _ := startTestServer(t)
	path := writeTempFile(t, 128)

	c := New(Config{MaxRetries: 1}, nil)
	res, err := c.Transfer(context.Background(), path, addr, Credentials{ClientID: "agent-1", AuthToken: "bogus"}, Chunking{})
	require.Error(t, err)
	require.False(t, res.Success)
}
