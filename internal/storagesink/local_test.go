package storagesink

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalSinkStoreOpenRemove(t *testing.T) {
	ctx := context.Background()
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)

	dest := sink.ResolvePath("xfer-1", "backup.sql")
	require.Equal(t, filepath.Base(dest), "xfer-1_backup.sql")

	n, err := sink.Store(ctx, dest, bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	require.EqualValues(t, 11, n)

	rc, err := sink.Open(ctx, dest)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, "hello world", string(data))

	require.NoError(t, sink.Remove(ctx, dest))
	_, err = sink.Open(ctx, dest)
	require.Error(t, err)
}

func TestLocalSinkHasSpace(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)
	ok, err := sink.HasSpace(context.Background(), 1024)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalSinkResolvePathFallsBackToTransferID(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)
	dest := sink.ResolvePath("xfer-2", "")
	require.Equal(t, filepath.Base(dest), "xfer-2_xfer-2")
}
