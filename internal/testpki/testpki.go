// Package testpki generates throwaway certificate material for tests:
// a self-signed mesh CA and SPIFFE leaf certificates issued from it.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"time"
)

// CA is an in-memory certificate authority.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Identity bundles a leaf certificate in the encodings tests need.
type Identity struct {
	Cert *x509.Certificate
	DER  []byte
	PEM  []byte
	Key  *ecdsa.PrivateKey
}

// NewCA creates a self-signed CA valid for 24 hours.
func NewCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mesh-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, Key: key}, nil
}

// CertPEM returns the CA certificate encoded as PEM, suitable for use as
// an inline trust bundle.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
}

// IssueSVID issues a leaf certificate carrying the given SPIFFE ID as a
// SAN URI, valid across the given window.
func (ca *CA) IssueSVID(spiffeID string, notBefore, notAfter time.Time) (*Identity, error) {
	uri, err := url.Parse(spiffeID)
	if err != nil {
		return nil, fmt.Errorf("parse spiffe id: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mesh-workload"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		URIs:         []*url.URL{uri},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, err
	}
	return identityFromDER(der, key)
}

// IssueRevocableSVID issues a leaf certificate that advertises OCSP and
// CRL endpoints, so revocation checks have somewhere to go.
func (ca *CA) IssueRevocableSVID(spiffeID string, notBefore, notAfter time.Time, ocspURL, crlURL string) (*Identity, error) {
	uri, err := url.Parse(spiffeID)
	if err != nil {
		return nil, fmt.Errorf("parse spiffe id: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mesh-workload"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		URIs:                  []*url.URL{uri},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		OCSPServer:            []string{ocspURL},
		CRLDistributionPoints: []string{crlURL},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, err
	}
	return identityFromDER(der, key)
}

// SelfSignedSVID issues a leaf certificate not anchored to any CA, useful
// for exercising chain validation failures.
func SelfSignedSVID(spiffeID string, notBefore, notAfter time.Time) (*Identity, error) {
	uri, err := url.Parse(spiffeID)
	if err != nil {
		return nil, fmt.Errorf("parse spiffe id: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "mesh-workload-selfsigned"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		URIs:         []*url.URL{uri},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return identityFromDER(der, key)
}

// PlainCertificate issues a certificate without any SPIFFE URI.
func (ca *CA) PlainCertificate(cn string, notBefore, notAfter time.Time) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		DNSNames:     []string{cn},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, err
	}
	return identityFromDER(der, key)
}

func identityFromDER(der []byte, key *ecdsa.PrivateKey) (*Identity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Cert: cert,
		DER:  der,
		PEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:  key,
	}, nil
}
