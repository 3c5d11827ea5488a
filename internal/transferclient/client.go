// Package transferclient implements the C8 TransferClient: the
// outbound counterpart to transferserver. It opens a TLS (or, for
// development builds, plain TCP) connection, submits a transfer
// request, streams the file, and retries the whole attempt with
// exponential backoff on a retriable fault, resuming where the
// previous attempt left off whenever a resume token is available.
package transferclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mysqlbak/transfer/internal/checksum"
	"github.com/mysqlbak/transfer/internal/chunkmanager"
	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/mysqlbak/transfer/internal/recovery"
	"github.com/mysqlbak/transfer/internal/wire"
	"github.com/sirupsen/logrus"
)

// Credentials carries the already-issued AuthToken presented on the
// wire's Request frame. Acquiring that token (an AuthService.Authenticate
// round trip) happens out of band, before Transfer/Resume is called;
// the client never re-derives or caches a secret.
type Credentials struct {
	ClientID  string
	AuthToken string
}

// Chunking is the caller-selected chunking policy for a new transfer.
// Zero means "let the server pick its default".
type Chunking struct {
	ChunkSize int64
}

// Config tunes connection and retry behavior.
type Config struct {
	ConnectTimeout time.Duration
	FrameTimeout   time.Duration
	TLS            *TLSPolicy // nil selects plain TCP (development only)
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Result is the public-boundary outcome of a transfer attempt: a
// struct, never a propagated exception, per the error handling design.
type Result struct {
	Success          bool
	ErrorMessage     string
	BytesTransferred int64
	Duration         time.Duration
	ResumeToken      string
	FinalPath        string
}

// Client is the C8 TransferClient.
type Client struct {
	cfg         Config
	checksummer *checksum.Engine
	recovery    *recovery.Coordinator
	logger      *logrus.Entry
}

// New constructs a Client. logger may be nil, in which case a
// discarding logger is used.
func New(cfg Config, logger *logrus.Entry) *Client {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Client{
		cfg:         cfg.withDefaults(),
		checksummer: checksum.New(),
		recovery:    recovery.New(),
		logger:      logger,
	}
}

// Transfer ships path to endpoint as a fresh transfer, retrying the
// whole attempt on retriable faults up to cfg.MaxRetries times.
func (c *Client) Transfer(ctx context.Context, path, endpoint string, creds Credentials, chunking Chunking) (Result, error) {
	return c.run(ctx, path, endpoint, creds, chunking, "")
}

// Resume reattaches to a previously started transfer identified by
// resumeToken, skipping chunks the server already holds.
func (c *Client) Resume(ctx context.Context, resumeToken, path, endpoint string, creds Credentials, chunking Chunking) (Result, error) {
	return c.run(ctx, path, endpoint, creds, chunking, resumeToken)
}

// run drives the retry loop. A cancellation observed mid-attempt is
// never retried: it propagates straight out.
func (c *Client) run(ctx context.Context, path, endpoint string, creds Credentials, chunking Chunking, resumeToken string) (Result, error) {
	start := time.Now()
	var lastErr error
	token := resumeToken

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		res, err := c.attempt(ctx, path, endpoint, creds, chunking, token)
		if err == nil {
			res.Duration = time.Since(start)
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{Success: false, ErrorMessage: err.Error(), Duration: time.Since(start)}, err
		}

		decision := c.recovery.Classify(err, token != "", errs.ScopeOf(err) == "file")
		if !decision.Retry {
			break
		}
		// The server mints a resume token on first acceptance, so carry
		// it forward whenever we have one, independent of whether this
		// particular fault's classification calls itself resume-capable.
		if res.ResumeToken != "" {
			token = res.ResumeToken
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"reason":  decision.Reason,
		}).Warn("transfer attempt failed, retrying")

		if attempt == c.cfg.MaxRetries {
			break
		}
		delay := recovery.Backoff(c.cfg.BackoffBase, attempt)
		if delay > c.cfg.BackoffCap {
			delay = c.cfg.BackoffCap
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Success: false, ErrorMessage: ctx.Err().Error(), Duration: time.Since(start)}, ctx.Err()
		}
	}

	return Result{Success: false, ErrorMessage: lastErr.Error(), Duration: time.Since(start)}, lastErr
}

// attempt performs exactly one connect-request-stream-finalize cycle.
func (c *Client) attempt(ctx context.Context, path, endpoint string, creds Credentials, chunking Chunking, resumeToken string) (Result, error) {
	descMD5, descSHA, size, err := c.checksummer.DigestFile(path)
	if err != nil {
		return Result{}, err
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	var created time.Time
	if info, statErr := os.Stat(path); statErr == nil {
		created = info.ModTime()
	}

	req := wire.Request{
		TransferID: newClientTransferID(),
		Metadata: wire.FileDescriptor{
			LogicalName: filepath.Base(path),
			Size:        size,
			MD5:         descMD5,
			SHA256:      descSHA,
			CreatedAt:   created,
		},
		ChunkingStrategy: wire.ChunkingStrategy{ChunkSize: chunking.ChunkSize},
		ResumeTransfer:   resumeToken != "",
		ResumeToken:      resumeToken,
		AuthToken:        creds.AuthToken,
	}

	if err := c.recovery.WithDeadline(ctx, "transfer.sendRequest", c.cfg.FrameTimeout, func(cctx context.Context) error {
		return writeFrameCtx(cctx, conn, req)
	}); err != nil {
		return Result{ResumeToken: resumeToken}, err
	}

	var ack wire.Ack
	if err := c.recovery.WithDeadline(ctx, "transfer.readAck", c.cfg.FrameTimeout, func(cctx context.Context) error {
		return readFrameCtx(cctx, conn, wire.MaxControlFrame, &ack)
	}); err != nil {
		return Result{ResumeToken: resumeToken}, err
	}
	if !ack.Success {
		return Result{ResumeToken: resumeToken}, errs.New(errs.KindAuth, "TransferClient.attempt", fmt.Errorf("%s", ack.ErrorMessage))
	}
	// The server mints a resume token eagerly on acceptance, so even a
	// brand-new transfer's first attempt leaves the caller able to
	// reattach after a mid-stream disconnect.
	if ack.ResumeToken != "" {
		resumeToken = ack.ResumeToken
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{ResumeToken: resumeToken}, errs.New(errs.KindInternal, "TransferClient.attempt", err)
	}
	defer f.Close()

	// The server is authoritative on chunk size: on resume it reports
	// back the original transfer's size regardless of what this request
	// asked for, and on a fresh transfer it reports its resolved default
	// when chunking.ChunkSize was left at zero. Framing off anything
	// else would desync ChunkCount between client and server and hang
	// the ingest loop until FrameTimeout.
	chunkSize := ack.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunking.ChunkSize
	}
	if chunkSize <= 0 {
		return Result{ResumeToken: resumeToken}, errs.New(errs.KindInternal, "TransferClient.attempt", fmt.Errorf("server did not report a chunk size"))
	}
	policy := chunkmanager.NewPolicy(size, chunkSize)
	completed := completedSet(ack.AdditionalInfo)

	var sent int64
	if !req.ResumeTransfer && chunkmanager.Direct(size, chunkSize) {
		// Direct path: the file fits in one chunk, so raw bytes follow
		// the ack with no per-chunk framing; the server verifies only
		// the whole-file digest.
		if err := c.recovery.WithDeadline(ctx, "transfer.sendDirect", c.cfg.FrameTimeout, func(cctx context.Context) error {
			if dl, ok := cctx.Deadline(); ok {
				conn.SetWriteDeadline(dl)
				defer conn.SetWriteDeadline(time.Time{})
			}
			if _, err := io.Copy(conn, f); err != nil {
				return errs.New(errs.KindTransport, "TransferClient.sendDirect", err)
			}
			return nil
		}); err != nil {
			return Result{ResumeToken: resumeToken}, err
		}
		sent = size
		return c.readFinal(ctx, conn, resumeToken, sent, size)
	}

	for idx := int64(0); idx < policy.ChunkCount; idx++ {
		length := policy.ChunkLength(int(idx), size)
		if _, already := completed[int(idx)]; already {
			if _, err := f.Seek(length, io.SeekCurrent); err != nil {
				return Result{ResumeToken: resumeToken}, errs.New(errs.KindInternal, "TransferClient.attempt", err)
			}
			continue
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			return Result{ResumeToken: resumeToken}, errs.New(errs.KindInternal, "TransferClient.attempt", err)
		}

		chunk := wire.Chunk{
			TransferID:    req.TransferID,
			ChunkIndex:    int(idx),
			Data:          buf,
			ChunkChecksum: c.checksummer.DigestBuffer(buf),
			IsLastChunk:   idx == policy.ChunkCount-1,
		}
		if err := c.recovery.WithDeadline(ctx, "transfer.sendChunk", c.cfg.FrameTimeout, func(cctx context.Context) error {
			return writeFrameCtx(cctx, conn, chunk)
		}); err != nil {
			return Result{ResumeToken: resumeToken, BytesTransferred: sent}, err
		}

		var cack wire.ChunkAck
		if err := c.recovery.WithDeadline(ctx, "transfer.readChunkAck", c.cfg.FrameTimeout, func(cctx context.Context) error {
			return readFrameCtx(cctx, conn, wire.MaxControlFrame, &cack)
		}); err != nil {
			return Result{ResumeToken: resumeToken, BytesTransferred: sent}, err
		}
		if !cack.Success {
			return Result{ResumeToken: resumeToken, BytesTransferred: sent}, errs.NewScoped(errs.KindChecksum, "chunk", "TransferClient.attempt", fmt.Errorf("%s", cack.ErrorMessage))
		}
		sent += length
	}

	return c.readFinal(ctx, conn, resumeToken, sent, size)
}

// readFinal reads the server's terminal frame and renders it into the
// public Result record.
func (c *Client) readFinal(ctx context.Context, conn net.Conn, resumeToken string, sent, size int64) (Result, error) {
	var final wire.Final
	if err := c.recovery.WithDeadline(ctx, "transfer.readFinal", c.cfg.FrameTimeout, func(cctx context.Context) error {
		return readFrameCtx(cctx, conn, wire.MaxControlFrame, &final)
	}); err != nil {
		return Result{ResumeToken: resumeToken, BytesTransferred: sent}, err
	}
	if !final.Success {
		return Result{ResumeToken: resumeToken, BytesTransferred: sent}, errs.NewScoped(errs.KindIntegrity, "file", "TransferClient.attempt", fmt.Errorf("%s", final.ErrorMessage))
	}

	return Result{
		Success:          true,
		BytesTransferred: size,
		FinalPath:        final.FinalPath,
	}, nil
}

func (c *Client) dial(ctx context.Context, endpoint string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if c.cfg.TLS == nil {
		d := net.Dialer{}
		conn, err := d.DialContext(dialCtx, "tcp", endpoint)
		if err != nil {
			return nil, errs.New(errs.KindTransport, "TransferClient.dial", err)
		}
		return conn, nil
	}

	tlsCfg, err := c.cfg.TLS.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: tlsCfg}
	conn, err := d.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return nil, errs.New(errs.KindTransport, "TransferClient.dial", err)
	}
	return conn, nil
}

func completedSet(indices []int) map[int]struct{} {
	out := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		out[idx] = struct{}{}
	}
	return out
}

func newClientTransferID() string {
	return fmt.Sprintf("xfer_%d_%d", time.Now().UnixNano(), os.Getpid())
}
