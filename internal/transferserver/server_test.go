package transferserver

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/mysqlbak/transfer/internal/auth"
	"github.com/mysqlbak/transfer/internal/chunkmanager"
	"github.com/mysqlbak/transfer/internal/credentialstore"
	"github.com/mysqlbak/transfer/internal/resumestore"
	"github.com/mysqlbak/transfer/internal/storagesink"
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

func newTestServer(t *testing.T) (*Server, *auth.Service, string) {
	t.Helper()
	hashed, salt, err := credentialstore.HashSecret("s3cr3t")
	require.NoError(t, err)
	rec := credentialstore.ClientRecord{ClientID: "agent-1", HashedSecret: hashed, Salt: salt, Active: true}

	authSvc := auth.New(fakeAuthStore{rec: rec}, nil, nil, auth.Config{})
	resumes, err := resumestore.NewFileStore(t.TempDir() + "/resume.db")
	require.NoError(t, err)
	chunks := chunkmanager.New(t.TempDir(), resumes)
	sink, err := storagesink.NewLocalSink(t.TempDir())
	require.NoError(t, err)

	logger := logrus.NewEntry(logrus.New())
	srv := New(Config{ListenAddr: "127.0.0.1:0"}, authSvc, chunks, sink, logger)
	return srv, authSvc, "agent-1"
}

func TestServerHandlesDirectTransfer(t *testing.T) {
	srv, authSvc, clientID := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.serveFromListener(ctx, ln)

	token, err := authSvc.Authenticate(context.Background(), clientID, "s3cr3t", time.Now())
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A file smaller than one chunk takes the direct path: raw bytes
	// follow the ack with no per-chunk framing and no chunk acks.
	payload := []byte("small payload")
	req := wire.Request{
		TransferID: "xfer-direct",
		Metadata:   wire.FileDescriptor{LogicalName: "f.bin", Size: int64(len(payload))},
		AuthToken:  token.TokenID,
	}
	require.NoError(t, wire.WriteFrame(conn, req))

	var ack wire.Ack
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &ack))
	require.True(t, ack.Success)

	n, err := conn.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	var final wire.Final
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &final))
	require.True(t, final.Success)
	require.NotEmpty(t, final.FinalPath)

	stored, err := os.ReadFile(final.FinalPath)
	require.NoError(t, err)
	require.Equal(t, payload, stored)
}

func TestServerRejectsOutOfOrderChunk(t *testing.T) {
	srv, authSvc, clientID := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ServeListener(ctx, ln)

	token, err := authSvc.Authenticate(context.Background(), clientID, "s3cr3t", time.Now())
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 64)
	req := wire.Request{
		TransferID:       "xfer-order",
		Metadata:         wire.FileDescriptor{LogicalName: "f.bin", Size: int64(len(payload))},
		ChunkingStrategy: wire.ChunkingStrategy{ChunkSize: 16},
		AuthToken:        token.TokenID,
	}
	require.NoError(t, wire.WriteFrame(conn, req))

	var ack wire.Ack
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &ack))
	require.True(t, ack.Success)

	// Chunk 2 arrives when chunk 0 is expected.
	require.NoError(t, wire.WriteFrame(conn, wire.Chunk{
		TransferID: "xfer-order",
		ChunkIndex: 2,
		Data:       payload[32:48],
	}))

	var cack wire.ChunkAck
	require.NoError(t, wire.ReadFrame(conn, wire.MaxControlFrame, &cack))
	require.False(t, cack.Success)

	// The server closes the connection after the rejection.
	var extra wire.ChunkAck
	require.Error(t, wire.ReadFrame(conn, wire.MaxControlFrame, &extra))
}
