package transferclient

import (
	"context"
	"net"
	"time"

	"github.com/mysqlbak/transfer/internal/wire"
)

// writeFrameCtx writes v as a frame on conn, translating ctx's
// deadline (set by RecoveryCoordinator.WithDeadline) into a socket
// deadline so a stalled write is interrupted.
func writeFrameCtx(ctx context.Context, conn net.Conn, v interface{}) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wire.WriteFrame(conn, v)
}

// readFrameCtx mirrors writeFrameCtx for reads.
func readFrameCtx(ctx context.Context, conn net.Conn, maxSize uint32, v interface{}) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}
	return wire.ReadFrame(conn, maxSize, v)
}
