// Command transferserver runs the C7 TransferServer: it loads the
// deployment's YAML configuration, wires the collaborators the core
// takes as explicit parameters (credential store, audit log, chunk
// manager, resume store, storage sink), and serves the TLS-first
// transfer protocol until signalled to stop.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mysqlbak/transfer/internal/audit"
	"github.com/mysqlbak/transfer/internal/auth"
	"github.com/mysqlbak/transfer/internal/chunkmanager"
	"github.com/mysqlbak/transfer/internal/config"
	"github.com/mysqlbak/transfer/internal/credentialstore"
	"github.com/mysqlbak/transfer/internal/resumestore"
	"github.com/mysqlbak/transfer/internal/storagesink"
	"github.com/mysqlbak/transfer/internal/transferserver"
)

func main() {
	configPath := flag.String("config", "transferserver.yaml", "path to the server configuration file")
	flag.Parse()

	logger := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build transfer server")
	}
	defer cleanup()

	if cfg.AdminAddr != "" {
		go serveAdmin(cfg.AdminAddr, logger)
	}

	// Transfer parameters are bound at startup; the watcher surfaces
	// on-disk edits so operators learn a restart is needed.
	go func() {
		err := config.WatchServer(ctx, *configPath, logger, func(*config.ServerConfig) {
			logger.Warn("configuration changed on disk; restart to apply")
		})
		if err != nil {
			logger.WithError(err).Warn("config watcher unavailable")
		}
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("starting transfer server")
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.WithError(err).Error("transfer server exited with error")
		os.Exit(73) // EX_IOERR
	}
}

// build wires every collaborator the core takes as an explicit
// parameter; nothing is ambient or global. The returned cleanup func
// closes everything that owns a background goroutine or file handle.
func build(ctx context.Context, cfg *config.ServerConfig, logger *logrus.Entry) (*transferserver.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	credStore, err := credentialstore.NewStore(cfg.CredentialStorePath, cfg.CredentialPassword)
	if err != nil {
		return nil, cleanup, err
	}

	auditLog := audit.New(cfg.AuditLogPath, logger, audit.WithFlushInterval(durationOr(cfg.AuditFlushInterval, 30*time.Second)))
	closers = append(closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		auditLog.Close(closeCtx)
	})

	authSvc := auth.New(credStore, buildBucket(cfg, logger), auditLog, auth.Config{
		MaxAttempts:     cfg.MaxAttempts,
		LockoutDuration: cfg.LockoutDuration,
		ReplayWindow:    cfg.ReplayWindow,
		TokenValidity:   cfg.TokenValidity,
	})
	authSvc.StartBackgroundSweep(ctx, time.Minute)

	if cfg.AuditRetentionDays > 0 {
		go purgeAuditPeriodically(ctx, auditLog, cfg.AuditRetentionDays, logger)
	}

	resumes, err := buildResumeStore(cfg)
	if err != nil {
		return nil, cleanup, err
	}
	go purgeResumesPeriodically(ctx, resumes, logger)

	chunks := chunkmanager.New(cfg.StagingDir, resumes)

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return nil, cleanup, err
	}

	tlsConfig, err := buildServerTLS(cfg)
	if err != nil {
		return nil, cleanup, err
	}

	srv := transferserver.New(transferserver.Config{
		ListenAddr:       cfg.ListenAddr,
		TLSConfig:        tlsConfig,
		DefaultChunkSize: cfg.DefaultChunkSize,
		ShutdownGrace:    durationOr(cfg.ShutdownGrace, 30*time.Second),
	}, authSvc, chunks, sink, logger.WithField("component", "transferserver"))

	return srv, cleanup, nil
}

func buildServerTLS(cfg *config.ServerConfig) (*tls.Config, error) {
	if cfg.AllowPlaintext {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func buildBucket(cfg *config.ServerConfig, logger *logrus.Entry) auth.Bucket {
	if cfg.RedisAddr == "" {
		return auth.NewMemoryBucket()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.WithField("redisAddr", cfg.RedisAddr).Info("using Redis-backed failed-attempt bucket")
	return auth.NewRedisBucket(rdb, "transfer:bucket:")
}

func buildResumeStore(cfg *config.ServerConfig) (resumestore.Store, error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return resumestore.NewRedisStore(rdb, "transfer:resume:"), nil
	}
	return resumestore.NewFileStore(cfg.ResumeStorePath)
}

func buildSink(ctx context.Context, cfg *config.ServerConfig) (storagesink.Sink, error) {
	switch cfg.Storage.Kind {
	case "s3":
		return storagesink.NewS3Sink(ctx, storagesink.S3Options{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			Prefix:    cfg.Storage.S3PathPrefix,
		})
	default:
		return storagesink.NewLocalSink(cfg.Storage.LocalRoot)
	}
}

func purgeAuditPeriodically(ctx context.Context, log *audit.Log, days int, logger *logrus.Entry) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := log.PurgeOlderThan(days); err != nil {
				logger.WithError(err).Warn("audit retention sweep failed")
			}
		}
	}
}

func purgeResumesPeriodically(ctx context.Context, store resumestore.Store, logger *logrus.Entry) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, resumestore.DefaultTTL)
			if err != nil {
				logger.WithError(err).Warn("resume store purge failed")
				continue
			}
			if n > 0 {
				logger.WithField("purged", n).Info("purged expired resume tokens")
			}
		}
	}
}

// serveAdmin exposes process liveness/readiness only, not metrics.
func serveAdmin(addr string, logger *logrus.Entry) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	})
	logger.WithField("addr", addr).Info("admin HTTP listener starting")
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.WithError(err).Warn("admin HTTP listener stopped")
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
