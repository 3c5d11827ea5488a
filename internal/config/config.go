// Package config loads the YAML configuration for the transfer
// server and client binaries, with optional hot-reload. The core
// packages take every collaborator as an explicit parameter; this
// package is only what wires a concrete deployment's file into those
// parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the on-disk shape for cmd/transferserver.
type ServerConfig struct {
	ListenAddr       string        `yaml:"listenAddr"`
	AdminAddr        string        `yaml:"adminAddr"`
	TLSCertFile      string        `yaml:"tlsCertFile"`
	TLSKeyFile       string        `yaml:"tlsKeyFile"`
	AllowPlaintext   bool          `yaml:"allowPlaintext"` // development builds only
	StagingDir       string        `yaml:"stagingDir"`
	DefaultChunkSize int64         `yaml:"defaultChunkSize"`
	ShutdownGrace    time.Duration `yaml:"shutdownGrace"`

	CredentialStorePath string `yaml:"credentialStorePath"`
	CredentialPassword  string `yaml:"credentialPassphrase"`

	AuditLogPath       string        `yaml:"auditLogPath"`
	AuditFlushInterval time.Duration `yaml:"auditFlushInterval"`
	AuditRetentionDays int           `yaml:"auditRetentionDays"`

	MaxAttempts     int           `yaml:"maxAttempts"`
	LockoutDuration time.Duration `yaml:"lockoutDuration"`
	ReplayWindow    time.Duration `yaml:"replayWindow"`
	TokenValidity   time.Duration `yaml:"tokenValidity"`

	ResumeStorePath string `yaml:"resumeStorePath"`
	RedisAddr       string `yaml:"redisAddr"` // optional: shared bucket/resume state

	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig selects and parameterizes the StorageSink adapter.
type StorageConfig struct {
	Kind         string `yaml:"kind"` // "local" or "s3"
	LocalRoot    string `yaml:"localRoot"`
	S3Bucket     string `yaml:"s3Bucket"`
	S3Region     string `yaml:"s3Region"`
	S3Endpoint   string `yaml:"s3Endpoint"`
	S3AccessKey  string `yaml:"s3AccessKey"`
	S3SecretKey  string `yaml:"s3SecretKey"`
	S3PathPrefix string `yaml:"s3PathPrefix"`
}

// ClientConfig is the on-disk shape for cmd/transferclient.
type ClientConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ClientID       string        `yaml:"clientId"`
	AuthToken      string        `yaml:"authToken"`
	TLSCertPolicy  string        `yaml:"tlsCertPolicy"` // full-pki | thumbprint-pin | insecure
	TLSCAFile      string        `yaml:"tlsCaFile"`
	TLSThumbprints []string      `yaml:"tlsThumbprints"`
	ChunkSize      int64         `yaml:"chunkSize"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	FrameTimeout   time.Duration `yaml:"frameTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffCap     time.Duration `yaml:"backoffCap"`
}

// LoadServer reads and validates a ServerConfig from path.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("config: listenAddr is required")
	}
	if cfg.CredentialStorePath == "" {
		return nil, fmt.Errorf("config: credentialStorePath is required")
	}
	if !cfg.AllowPlaintext && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("config: tlsCertFile/tlsKeyFile are required unless allowPlaintext is set")
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "local"
	}
	return &cfg, nil
}

// LoadClient reads and validates a ClientConfig from path.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("config: endpoint is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("config: clientId is required")
	}
	if cfg.TLSCertPolicy == "" {
		cfg.TLSCertPolicy = "full-pki"
	}
	return &cfg, nil
}

func loadYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
