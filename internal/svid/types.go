package svid

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// X509SVID is a workload identity document: a SPIFFE ID asserted by an
// X.509 certificate chain plus the corresponding private key.
//
// An SVID is owned exclusively by the component that fetched it until it
// is replaced; replacement is wholesale, never an in-place mutation.
// Expiry is checked again before every use because time passes between
// fetch and use.
type X509SVID struct {
	// ID is the SPIFFE ID asserted by the leaf certificate.
	ID spiffeid.ID

	// CertChain holds DER-encoded certificates, leaf first.
	CertChain [][]byte

	// PrivateKey is the key matching the leaf certificate.
	PrivateKey crypto.Signer

	// Expiry is the leaf certificate's NotAfter.
	Expiry time.Time
}

// Leaf parses and returns the leaf certificate.
func (s *X509SVID) Leaf() (*x509.Certificate, error) {
	if len(s.CertChain) == 0 {
		return nil, fmt.Errorf("svid %s has an empty certificate chain", s.ID)
	}
	cert, err := x509.ParseCertificate(s.CertChain[0])
	if err != nil {
		return nil, fmt.Errorf("parse svid leaf certificate: %w", err)
	}
	return cert, nil
}

// TTLRemaining returns the time left until expiry, clamped at zero.
func (s *X509SVID) TTLRemaining(now time.Time) time.Duration {
	remaining := s.Expiry.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the SVID is expired at the given instant.
func (s *X509SVID) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// WorkloadEntry is a registration request for a workload identity. It is
// immutable once submitted; the attestation backend is the source of truth.
type WorkloadEntry struct {
	SPIFFEID  string
	ParentID  string
	Selectors []string

	// TTL is the requested SVID lifetime in seconds.
	TTL int
}

// AttestationStrategy identifies the mechanism a node uses to prove its
// identity to the issuing authority.
type AttestationStrategy string

const (
	AttestJoinToken AttestationStrategy = "join_token"
	AttestAWSIID    AttestationStrategy = "aws_iid"
	AttestK8sPSAT   AttestationStrategy = "k8s_psat"
	AttestX509PoP   AttestationStrategy = "x509_pop"
)

// MTLSRole distinguishes the client and server side of a connection.
type MTLSRole string

const (
	RoleClient MTLSRole = "client"
	RoleServer MTLSRole = "server"
)

// PeerCertificateKind tags the source of peer certificate material.
type PeerCertificateKind int

const (
	// PeerCertAbsent means no peer certificate was presented.
	PeerCertAbsent PeerCertificateKind = iota

	// PeerCertFromTransport means the TLS layer already verified the peer
	// and did not surface the certificate itself.
	PeerCertFromTransport

	// PeerCertParsed carries a parsed peer certificate for application
	// level verification.
	PeerCertParsed
)

// PeerCertificate is a tagged variant describing what peer certificate
// material is available. Downstream code switches on Kind instead of
// probing a value that is sometimes a boolean and sometimes a certificate.
type PeerCertificate struct {
	kind PeerCertificateKind
	cert *x509.Certificate
}

// AbsentPeerCertificate reports that the peer presented no certificate.
func AbsentPeerCertificate() PeerCertificate {
	return PeerCertificate{kind: PeerCertAbsent}
}

// TransportVerifiedPeerCertificate reports that the transport layer
// verified the peer without exposing certificate material.
func TransportVerifiedPeerCertificate() PeerCertificate {
	return PeerCertificate{kind: PeerCertFromTransport}
}

// ParsedPeerCertificate wraps a parsed peer certificate.
func ParsedPeerCertificate(cert *x509.Certificate) PeerCertificate {
	return PeerCertificate{kind: PeerCertParsed, cert: cert}
}

// Kind returns the variant tag.
func (p PeerCertificate) Kind() PeerCertificateKind { return p.kind }

// Certificate returns the parsed certificate and whether one is present.
func (p PeerCertificate) Certificate() (*x509.Certificate, bool) {
	return p.cert, p.kind == PeerCertParsed
}
