package transferclient

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mysqlbak/transfer/internal/errs"
)

// CertPolicy selects one of the three server-certificate validation
// modes a caller may pick for a connection: full PKI, thumbprint-pin,
// or insecure (dev only). The caller states the mode explicitly; there
// is no implicit fallback between them.
type CertPolicy string

const (
	// CertPolicyFullPKI validates the server certificate against the
	// configured root pool using the standard chain-of-trust rules.
	CertPolicyFullPKI CertPolicy = "full-pki"
	// CertPolicyThumbprintPin accepts the certificate only if its
	// SHA-256 fingerprint matches one of the pinned thumbprints,
	// bypassing chain validation entirely.
	CertPolicyThumbprintPin CertPolicy = "thumbprint-pin"
	// CertPolicyInsecure skips all server certificate validation.
	// Development builds only; never select this for a production
	// connect address.
	CertPolicyInsecure CertPolicy = "insecure"
)

// TLSPolicy bundles a CertPolicy with the data it needs: a root pool
// for full-pki, or a set of pinned thumbprints for thumbprint-pin.
type TLSPolicy struct {
	Mode              CertPolicy
	RootCAs           *x509.CertPool
	PinnedThumbprints []string // hex-encoded SHA-256, case-insensitive
	ServerName        string
}

// buildTLSConfig renders p into a *tls.Config for the dialer. For
// thumbprint-pin, chain validation is disabled and replaced by a
// VerifyPeerCertificate callback so an otherwise-untrusted (e.g.
// self-signed) cert is accepted iff it was pinned.
func (p TLSPolicy) buildTLSConfig() (*tls.Config, error) {
	switch p.Mode {
	case CertPolicyFullPKI, "":
		return &tls.Config{
			RootCAs:    p.RootCAs,
			ServerName: p.ServerName,
			MinVersion: tls.VersionTLS12,
		}, nil
	case CertPolicyThumbprintPin:
		if len(p.PinnedThumbprints) == 0 {
			return nil, errs.New(errs.KindInternal, "TransferClient.tls", fmt.Errorf("thumbprint-pin policy requires at least one pinned thumbprint"))
		}
		pinned := make(map[string]struct{}, len(p.PinnedThumbprints))
		for _, t := range p.PinnedThumbprints {
			pinned[strings.ToLower(t)] = struct{}{}
		}
		return &tls.Config{
			ServerName:         p.ServerName,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				for _, raw := range rawCerts {
					sum := sha256.Sum256(raw)
					if _, ok := pinned[hex.EncodeToString(sum[:])]; ok {
						return nil
					}
				}
				return fmt.Errorf("server certificate thumbprint not in pinned set")
			},
		}, nil
	case CertPolicyInsecure:
		return &tls.Config{
			ServerName:         p.ServerName,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}, nil
	default:
		return nil, errs.New(errs.KindInternal, "TransferClient.tls", fmt.Errorf("unknown cert policy %q", p.Mode))
	}
}
