// Command transferclient is the C8 TransferClient's CLI entrypoint: it
// loads a YAML configuration describing the destination endpoint and
// credentials, then ships one file (or resumes a partial transfer of
// one) and reports the outcome via process exit code.
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mysqlbak/transfer/internal/config"
	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/mysqlbak/transfer/internal/transferclient"
)

// Exit codes follow the sysexits-style convention.
const (
	exitOK           = 0
	exitUsage        = 64
	exitDataError    = 65
	exitUnavailable  = 69
	exitIO           = 73
	exitTimeout      = 124
	exitUnclassified = 1
)

func main() {
	configPath := flag.String("config", "transferclient.yaml", "path to the client configuration file")
	filePath := flag.String("file", "", "path to the file to transfer")
	resumeToken := flag.String("resume", "", "resume token from a previous partial transfer")
	flag.Parse()

	logger := logrus.NewEntry(logrus.StandardLogger())

	if *filePath == "" {
		logger.Error("missing required -file argument")
		os.Exit(exitUsage)
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transferclient.New(buildClientConfig(cfg), logger)
	creds := transferclient.Credentials{ClientID: cfg.ClientID, AuthToken: cfg.AuthToken}
	chunking := transferclient.Chunking{ChunkSize: cfg.ChunkSize}

	var res transferclient.Result
	if *resumeToken != "" {
		res, err = client.Resume(ctx, *resumeToken, *filePath, cfg.Endpoint, creds, chunking)
	} else {
		res, err = client.Transfer(ctx, *filePath, cfg.Endpoint, creds, chunking)
	}

	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":       res.ErrorMessage,
			"resumeToken": res.ResumeToken,
		}).Error("transfer failed")
		os.Exit(exitCodeFor(err))
	}

	logger.WithFields(logrus.Fields{
		"bytesTransferred": res.BytesTransferred,
		"duration":         res.Duration,
		"finalPath":        res.FinalPath,
	}).Info("transfer complete")
	os.Exit(exitOK)
}

func buildClientConfig(cfg *config.ClientConfig) transferclient.Config {
	c := transferclient.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		FrameTimeout:   cfg.FrameTimeout,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
	}
	// config.LoadClient defaults TLSCertPolicy to full-pki, so this is
	// always set; Config.TLS == nil (plain TCP) is a library-level
	// escape hatch for tests, not something the CLI exposes.
	c.TLS = &transferclient.TLSPolicy{
		Mode:              transferclient.CertPolicy(cfg.TLSCertPolicy),
		PinnedThumbprints: cfg.TLSThumbprints,
	}
	if cfg.TLSCAFile != "" {
		if pool, err := loadCAPool(cfg.TLSCAFile); err == nil {
			c.TLS.RootCAs = pool
		}
	}
	return c
}

func loadCAPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(raw)
	return pool, nil
}

// exitCodeFor maps the error taxonomy onto process exit codes.
func exitCodeFor(err error) int {
	switch errs.Of(err) {
	case errs.KindTimeout:
		return exitTimeout
	case errs.KindIntegrity, errs.KindChecksum:
		return exitDataError
	case errs.KindAuth, errs.KindAuthz, errs.KindTokenExp, errs.KindLockedOut, errs.KindStorageFull, errs.KindUnavail:
		return exitUnavailable
	case errs.KindTransport, errs.KindProtocol, errs.KindInternal:
		return exitIO
	default:
		return exitUnclassified
	}
}
