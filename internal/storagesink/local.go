package storagesink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/mysqlbak/transfer/internal/errs"
)

// LocalSink stores artifacts under a root directory on the local
// filesystem, using the volume's free-space statistics for HasSpace.
type LocalSink struct {
	root string
}

// NewLocalSink returns a Sink rooted at root, creating it if absent.
func NewLocalSink(root string) (*LocalSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New(errs.KindInternal, "LocalSink.new", err)
	}
	return &LocalSink{root: root}, nil
}

func (s *LocalSink) HasSpace(ctx context.Context, size int64) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		return false, errs.New(errs.KindInternal, "LocalSink.hasSpace", err)
	}
	avail := int64(stat.Bavail) * int64(stat.Bsize)
	return size <= avail, nil
}

func (s *LocalSink) ResolvePath(transferID, logicalName string) string {
	name := filepath.Base(logicalName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = transferID
	}
	return filepath.Join(s.root, transferID+"_"+name)
}

func (s *LocalSink) Store(ctx context.Context, dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".sink-*.tmp")
	if err != nil {
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, errs.New(errs.KindInternal, "LocalSink.store", err)
	}
	return n, nil
}

func (s *LocalSink) Open(ctx context.Context, dest string) (io.ReadCloser, error) {
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "LocalSink.open", fmt.Errorf("%s: %w", dest, err))
		}
		return nil, errs.New(errs.KindInternal, "LocalSink.open", err)
	}
	return f, nil
}

func (s *LocalSink) Remove(ctx context.Context, dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindInternal, "LocalSink.remove", err)
	}
	return nil
}
