package config

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrustBundle holds trust anchor configuration with lazy loading and
// checksum verification. The bundle is the set of CA certificates the
// validator accepts as issuers for workload SVIDs.
type TrustBundle struct {
	Name   string `json:"name" yaml:"name"`
	Path   string `json:"path" yaml:"path"`
	Inline string `json:"inline" yaml:"inline"`
	SHA256 string `json:"sha256" yaml:"sha256"`

	mu     sync.Mutex
	cached []byte
	pool   *x509.CertPool
	certs  []*x509.Certificate
}

// Materialise returns the PEM-encoded contents for the bundle.
func (b *TrustBundle) Materialise() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.materialiseLocked()
}

func (b *TrustBundle) materialiseLocked() ([]byte, error) {
	if len(b.cached) > 0 {
		return append([]byte(nil), b.cached...), nil
	}

	var data []byte
	var err error
	switch {
	case strings.TrimSpace(b.Inline) != "":
		data = []byte(b.Inline)
	case strings.TrimSpace(b.Path) != "":
		path := filepath.Clean(b.Path)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: read: %w", b.Name, err)
		}
	default:
		return nil, fmt.Errorf("trust bundle %s: no path or inline data provided", b.Name)
	}

	if err := b.verifyChecksum(data); err != nil {
		return nil, err
	}

	b.cached = append([]byte(nil), data...)
	return append([]byte(nil), data...), nil
}

func (b *TrustBundle) verifyChecksum(data []byte) error {
	if b.SHA256 == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(b.SHA256))
	expected = strings.TrimPrefix(expected, "sha256:")
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return fmt.Errorf("trust bundle %s: checksum mismatch", b.Name)
	}
	return nil
}

// CertPool parses the bundle into an x509.CertPool (cached per instance).
func (b *TrustBundle) CertPool() (*x509.CertPool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		return b.pool, nil
	}

	data, err := b.materialiseLocked()
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("trust bundle %s: no certificates found", b.Name)
	}
	b.pool = pool
	return pool, nil
}

// Certificates parses the bundle into individual x509 certificates
// (cached per instance). Issuer matching during chain validation needs
// the parsed subjects, which a CertPool does not expose.
func (b *TrustBundle) Certificates() ([]*x509.Certificate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.certs != nil {
		return b.certs, nil
	}

	data, err := b.materialiseLocked()
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: parse certificate: %w", b.Name, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("trust bundle %s: no certificates found", b.Name)
	}
	b.certs = certs
	return certs, nil
}

// Invalidate drops all cached material so the next access re-reads the
// source. The watcher calls this when the bundle file changes on disk.
func (b *TrustBundle) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = nil
	b.pool = nil
	b.certs = nil
}

// Version returns a stable fingerprint of the bundle contents, used by the
// autonomic loop to detect trust bundle drift.
func (b *TrustBundle) Version() (string, error) {
	data, err := b.Materialise()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:8]), nil
}
