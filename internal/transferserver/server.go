// Package transferserver implements the TLS-first TCP listener that
// accepts inbound transfers: one goroutine per connection, driven
// through a small state machine from handshake to finalize.
package transferserver

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mysqlbak/transfer/internal/auth"
	"github.com/mysqlbak/transfer/internal/chunkmanager"
	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/mysqlbak/transfer/internal/recovery"
	"github.com/mysqlbak/transfer/internal/storagesink"
	"github.com/mysqlbak/transfer/internal/wire"
	"github.com/sirupsen/logrus"
)

// state names the connection's position in the protocol state machine,
// used only for logging.
type state string

const (
	stateAccept       state = "ACCEPT"
	stateHandshake    state = "TLS_HANDSHAKE"
	stateAwaitRequest state = "AWAIT_REQUEST"
	stateAuthorize    state = "AUTHORIZE"
	stateSendAck      state = "SEND_ACK"
	stateIngest       state = "INGEST"
	stateFinalize     state = "FINALIZE"
	stateSendFinal    state = "SEND_FINAL"
	stateClose        state = "CLOSE"
	stateFail         state = "FAIL"
)

// Config holds the values a Server needs beyond its collaborators.
type Config struct {
	ListenAddr       string
	TLSConfig        *tls.Config
	DefaultChunkSize int64
	ShutdownGrace    time.Duration
	FrameTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultChunkSize <= 0 {
		c.DefaultChunkSize = 4 << 20
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 30 * time.Second
	}
	return c
}

// Server is the C7 TransferServer: it accepts connections, authorizes
// them via auth.Service, and drives chunk ingestion through
// chunkmanager.Manager before committing into a storagesink.Sink.
type Server struct {
	cfg      Config
	auth     *auth.Service
	chunks   *chunkmanager.Manager
	sink     storagesink.Sink
	logger   *logrus.Entry
	recovery *recovery.Coordinator

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  chan struct{}
}

// New constructs a Server. logger is used as-is, so callers control
// its fields (service name, instance id, ...).
func New(cfg Config, authSvc *auth.Service, chunks *chunkmanager.Manager, sink storagesink.Sink, logger *logrus.Entry) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		auth:     authSvc,
		chunks:   chunks,
		sink:     sink,
		logger:   logger,
		recovery: recovery.New(),
		closing:  make(chan struct{}),
	}
}

// ListenAndServe binds cfg.ListenAddr and serves connections until ctx
// is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var ln net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return errs.New(errs.KindInternal, "TransferServer.listen", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("transfer server listening")

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	return s.serveFromListener(ctx, ln)
}

// ServeListener runs the accept loop against an already-bound
// listener, useful for callers (and tests, including those in other
// packages) that need to bind the listener themselves before serving.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	return s.serveFromListener(ctx, ln)
}

// serveFromListener runs the accept loop against an already-bound
// listener, split out from ListenAndServe so tests can drive a
// listener directly without going through TLS/address binding.
func (s *Server) serveFromListener(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
				return errs.New(errs.KindTransport, "TransferServer.accept", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits up to
// cfg.ShutdownGrace for in-flight connections to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return
	default:
		close(s.closing)
	}
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace period elapsed with connections still in flight")
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.logger.WithField("remote", conn.RemoteAddr().String())
	cur := stateAccept

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"panic": r,
				"state": cur,
				"stack": string(debug.Stack()),
			}).Error("panic recovered in connection handler")
		}
		conn.Close()
	}()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		cur = stateHandshake
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logger.WithError(err).Warn("TLS handshake failed")
			return
		}
	}

	cur = stateAwaitRequest
	var req wire.Request
	if err := s.readFrame(ctx, conn, wire.MaxControlFrame, &req); err != nil {
		logger.WithError(err).Warn("failed to read request frame")
		return
	}
	logger = logger.WithField("transferId", req.TransferID)

	cur = stateAuthorize
	if _, err := s.auth.Introspect(ctx, req.AuthToken); err != nil {
		s.sendAck(conn, logger, false, "unauthorized")
		return
	}

	if ok, spaceErr := s.sink.HasSpace(ctx, req.Metadata.Size); spaceErr != nil || !ok {
		s.sendAck(conn, logger, false, "insufficient storage")
		return
	}

	transferID, completed, chunkSize, err := s.beginOrResume(ctx, req)
	if err != nil {
		s.sendAck(conn, logger, false, err.Error())
		return
	}

	resumeToken := req.ResumeToken
	if resumeToken == "" {
		// Mint eagerly so a mid-stream disconnect still leaves the
		// client holding a handle it can use to reattach.
		if token, mintErr := s.chunks.MintResume(ctx, transferID); mintErr == nil {
			resumeToken = token
		} else {
			logger.WithError(mintErr).Warn("failed to mint resume token")
		}
	}

	cur = stateSendAck
	if err := s.writeFrame(ctx, conn, wire.Ack{Success: true, AdditionalInfo: completed, ResumeToken: resumeToken, ChunkSize: chunkSize}); err != nil {
		logger.WithError(err).Warn("failed to write ack")
		return
	}

	cur = stateIngest
	if !req.ResumeTransfer && chunkmanager.Direct(req.Metadata.Size, chunkSize) {
		// Direct path: the whole file fits in one chunk, so the client
		// streams raw bytes after the ack with no per-chunk framing.
		// Integrity is verified only via the whole-file digest.
		if err := s.ingestDirect(ctx, conn, transferID, req.Metadata.Size); err != nil {
			cur = stateFail
			logger.WithError(err).Warn("direct ingest failed")
			wire.WriteFrame(conn, wire.Final{Success: false, ErrorMessage: err.Error()})
			return
		}
	} else if done, err := s.chunks.IsComplete(transferID); err == nil && done {
		// A resumed transfer may already hold every chunk; nothing to
		// ingest, go straight to finalize.
	} else {
		expectedIndex := 0
		if len(completed) > 0 {
			expectedIndex = completed[len(completed)-1] + 1
		}
		for {
			var chunk wire.Chunk
			if err := s.readFrame(ctx, conn, wire.MaxChunkFrame, &chunk); err != nil {
				logger.WithError(err).Warn("failed to read chunk frame")
				return
			}
			if chunk.ChunkIndex != expectedIndex {
				// Strictly ascending order: a replayed or skipped index
				// is rejected and the connection closed.
				s.sendChunkAck(conn, logger, chunk.ChunkIndex, false, "out-of-order chunk")
				return
			}

			var result chunkmanager.IngestResult
			ingestErr := s.recovery.WithDeadline(ctx, "ChunkManager.ingest", s.cfg.FrameTimeout, func(cctx context.Context) error {
				var err error
				result, err = s.chunks.Ingest(cctx, transferID, chunk.ChunkIndex, chunk.Data, chunk.ChunkChecksum, chunk.IsLastChunk)
				return err
			})
			if ingestErr != nil {
				s.sendChunkAck(conn, logger, chunk.ChunkIndex, false, ingestErr.Error())
				return
			}
			s.sendChunkAck(conn, logger, chunk.ChunkIndex, true, "")
			expectedIndex++

			if result.IsComplete {
				done, err := s.chunks.IsComplete(transferID)
				if err == nil && done {
					break
				}
			}
		}
	}

	cur = stateFinalize
	var stagedPath string
	err = s.recovery.WithDeadline(ctx, "ChunkManager.finalize", s.cfg.FrameTimeout, func(cctx context.Context) error {
		var ferr error
		stagedPath, ferr = s.chunks.Finalize(cctx, transferID, "")
		return ferr
	})
	if err != nil {
		cur = stateFail
		logger.WithError(err).Warn("finalize failed")
		if errs.Is(err, errs.KindIntegrity) {
			// A whole-file digest or length mismatch is not retryable:
			// the staged chunks are poisoned, so tear the session down
			// rather than leave it resumable.
			if cerr := s.chunks.CleanupResume(ctx, transferID); cerr != nil {
				logger.WithError(cerr).Warn("session cleanup failed")
			}
		}
		wire.WriteFrame(conn, wire.Final{Success: false, ErrorMessage: err.Error()})
		return
	}

	finalPath, err := s.commitToSink(ctx, transferID, req.Metadata.LogicalName, stagedPath)
	if err != nil {
		cur = stateFail
		logger.WithError(err).Warn("commit to storage sink failed")
		wire.WriteFrame(conn, wire.Final{Success: false, ErrorMessage: err.Error()})
		return
	}

	cur = stateSendFinal
	if err := s.writeFrame(ctx, conn, wire.Final{Success: true, FinalPath: finalPath}); err != nil {
		logger.WithError(err).Warn("failed to write final frame")
	}

	cur = stateClose
	logger.WithField("finalPath", finalPath).Info("transfer complete")
}

// ingestDirect reads exactly size raw bytes off the stream (the
// direct, non-chunked path for files no larger than one chunk) and
// stages them as the transfer's single chunk.
func (s *Server) ingestDirect(ctx context.Context, conn net.Conn, transferID string, size int64) error {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if err := s.recovery.WithDeadline(ctx, "TransferServer.readDirect", s.cfg.FrameTimeout, func(cctx context.Context) error {
		if dl, ok := cctx.Deadline(); ok {
			conn.SetReadDeadline(dl)
			defer conn.SetReadDeadline(time.Time{})
		}
		return wire.ReadExactly(conn, buf)
	}); err != nil {
		return err
	}
	return s.recovery.WithDeadline(ctx, "ChunkManager.ingest", s.cfg.FrameTimeout, func(cctx context.Context) error {
		_, err := s.chunks.Ingest(cctx, transferID, 0, buf, "", true)
		return err
	})
}

// commitToSink asks the StorageSink for the artifact's final resting
// place and moves it there; the ChunkManager's staging root is never
// the durable home for a finished transfer.
func (s *Server) commitToSink(ctx context.Context, transferID, logicalName, stagedPath string) (string, error) {
	dest := s.sink.ResolvePath(transferID, logicalName)

	f, err := os.Open(stagedPath)
	if err != nil {
		return "", errs.New(errs.KindInternal, "TransferServer.commitToSink", err)
	}
	defer f.Close()

	if _, err := s.sink.Store(ctx, dest, f); err != nil {
		return "", err
	}
	os.Remove(stagedPath)
	return dest, nil
}

// beginOrResume begins a fresh transfer or reattaches to an existing
// one, returning the effective chunk size alongside the transferID and
// already-completed chunk set: the client's ChunkingStrategy.ChunkSize
// is only a request, and on resume it is ignored entirely in favor of
// whatever size the original transfer actually used, so the Ack must
// report back the size actually in effect for the client to frame
// correctly.
func (s *Server) beginOrResume(ctx context.Context, req wire.Request) (string, []int, int64, error) {
	if req.ResumeTransfer && req.ResumeToken != "" {
		transferID, err := s.chunks.Restore(ctx, req.ResumeToken, req.Metadata)
		if err != nil {
			return "", nil, 0, err
		}
		_, chunkSize, _, err := s.chunks.ResumeInfo(ctx, req.ResumeToken)
		if err != nil {
			return "", nil, 0, err
		}
		// The restored session's set is the reconciled one: indices both
		// on disk and persisted. The raw store entry may claim more.
		completed, err := s.chunks.Completed(transferID)
		if err != nil {
			return "", nil, 0, err
		}
		return transferID, completed, chunkSize, nil
	}
	chunkSize := req.ChunkingStrategy.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}
	transferID, err := s.chunks.Begin(ctx, req.Metadata, chunkSize)
	if err != nil {
		return "", nil, 0, err
	}
	return transferID, nil, chunkSize, nil
}

func (s *Server) sendAck(conn net.Conn, logger *logrus.Entry, success bool, errMsg string) {
	if err := s.writeFrame(context.Background(), conn, wire.Ack{Success: success, ErrorMessage: errMsg}); err != nil {
		logger.WithError(err).Warn("failed to write ack")
	}
}

func (s *Server) sendChunkAck(conn net.Conn, logger *logrus.Entry, index int, success bool, errMsg string) {
	if err := s.writeFrame(context.Background(), conn, wire.ChunkAck{Success: success, ChunkIndex: index, ErrorMessage: errMsg}); err != nil {
		logger.WithError(err).Warn("failed to write chunk ack")
	}
}

// writeFrame writes v under a RecoveryCoordinator-managed deadline, so
// a send that stalls (a slow/stuck peer) surfaces as a typed
// TimeoutError instead of hanging the connection goroutine forever.
func (s *Server) writeFrame(ctx context.Context, conn net.Conn, v interface{}) error {
	return s.recovery.WithDeadline(ctx, "TransferServer.writeFrame", s.cfg.FrameTimeout, func(cctx context.Context) error {
		if dl, ok := cctx.Deadline(); ok {
			conn.SetWriteDeadline(dl)
			defer conn.SetWriteDeadline(time.Time{})
		}
		return wire.WriteFrame(conn, v)
	})
}

// readFrame mirrors writeFrame for reads.
func (s *Server) readFrame(ctx context.Context, conn net.Conn, maxSize uint32, v interface{}) error {
	return s.recovery.WithDeadline(ctx, "TransferServer.readFrame", s.cfg.FrameTimeout, func(cctx context.Context) error {
		if dl, ok := cctx.Deadline(); ok {
			conn.SetReadDeadline(dl)
			defer conn.SetReadDeadline(time.Time{})
		}
		return wire.ReadFrame(conn, maxSize, v)
	})
}
