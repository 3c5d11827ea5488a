// Package storagesink abstracts where finalized transfer artifacts
// land: a local filesystem path or an S3-compatible bucket. The
// TransferServer only sees this interface, never a concrete backend;
// the ChunkManager does not use it.
package storagesink

import (
	"context"
	"io"
)

// Sink resolves destination paths and reports available capacity for
// a finalized file, without participating in chunk-level I/O itself.
type Sink interface {
	// HasSpace reports whether size bytes can be written without
	// exceeding the sink's capacity budget. A sink with no fixed
	// budget (e.g. S3) always returns true.
	HasSpace(ctx context.Context, size int64) (bool, error)

	// ResolvePath returns the destination identifier (filesystem path
	// or object key) a finalized transfer with this logical name
	// should be written to.
	ResolvePath(transferID, logicalName string) string

	// Store persists the reader's content under dest and returns the
	// number of bytes written.
	Store(ctx context.Context, dest string, r io.Reader) (int64, error)

	// Open returns a reader over the object at dest.
	Open(ctx context.Context, dest string) (io.ReadCloser, error)

	// Remove deletes the object at dest, if present.
	Remove(ctx context.Context, dest string) error
}
