package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// PeerVerification is the outcome of a peer SVID check. A soft expiry
// warning sets ExpiringSoon while leaving Verified true.
type PeerVerification struct {
	Verified     bool
	SPIFFEID     string
	Reason       string
	ExpiresAt    time.Time
	ExpiresIn    time.Duration
	ExpiringSoon bool
}

// VerifyConfiguredVersion checks a TLS configuration before use. A
// minimum below TLS 1.3 while enforcement is on is an enforcement
// error.
func (b *ContextBuilder) VerifyConfiguredVersion(cfg *tls.Config) error {
	if cfg == nil {
		return svid.NewContractViolation("nil TLS configuration")
	}
	if !b.enforceTLS13 {
		return nil
	}
	if cfg.MinVersion < tls.VersionTLS13 {
		return svid.NewIdentityError(svid.ErrorTypeTLSEnforcement,
			"TLS configuration permits versions below 1.3").
			WithContext("min_version", cfg.MinVersion)
	}
	return nil
}

// VerifyNegotiatedVersion checks the version a live handshake actually
// settled on.
func (b *ContextBuilder) VerifyNegotiatedVersion(version uint16) error {
	if !b.enforceTLS13 {
		return nil
	}
	if version < tls.VersionTLS13 {
		return svid.NewIdentityError(svid.ErrorTypeTLSEnforcement,
			"negotiated TLS version is below 1.3").
			WithContext("negotiated_version", version)
	}
	return nil
}

// VerifyPeer checks whatever peer certificate material the transport
// handed over, dispatching on the variant tag. An absent certificate
// fails verification; a peer the transport layer already verified is
// accepted without certificate material; a parsed certificate goes
// through the full SVID check.
func (b *ContextBuilder) VerifyPeer(peer svid.PeerCertificate, expected []spiffeid.ID) PeerVerification {
	switch peer.Kind() {
	case svid.PeerCertFromTransport:
		return PeerVerification{Verified: true, Reason: "peer verified by the transport layer"}
	case svid.PeerCertParsed:
		cert, _ := peer.Certificate()
		return b.verifyPeerCertificate(cert, expected)
	default:
		return PeerVerification{Reason: "peer presented no certificate"}
	}
}

// VerifyPeerSVID extracts and checks the SPIFFE identity of a peer
// leaf certificate. When expected is non-empty the peer ID must be a
// member. Expiry inside the warning threshold is advisory: the peer is
// accepted and the result flags it as expiring soon.
func (b *ContextBuilder) VerifyPeerSVID(peerDER []byte, expected []spiffeid.ID) PeerVerification {
	cert, err := x509.ParseCertificate(peerDER)
	if err != nil {
		return PeerVerification{Reason: fmt.Sprintf("peer certificate parse failure: %v", err)}
	}
	return b.verifyPeerCertificate(cert, expected)
}

func (b *ContextBuilder) verifyPeerCertificate(cert *x509.Certificate, expected []spiffeid.ID) PeerVerification {
	id, err := svid.ExtractSPIFFEID(cert)
	if err != nil {
		return PeerVerification{Reason: fmt.Sprintf("peer has no SPIFFE ID: %v", err)}
	}
	if !id.MemberOf(b.trustDomain) {
		return PeerVerification{
			SPIFFEID: id.String(),
			Reason:   fmt.Sprintf("peer %s is not a member of trust domain %s", id, b.trustDomain),
		}
	}

	if len(expected) > 0 && !containsID(expected, id) {
		return PeerVerification{
			SPIFFEID: id.String(),
			Reason:   fmt.Sprintf("peer %s is not among the expected identities", id),
		}
	}

	now := time.Now()
	remaining := cert.NotAfter.Sub(now)
	if remaining <= 0 {
		return PeerVerification{
			SPIFFEID:  id.String(),
			Reason:    fmt.Sprintf("peer certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)),
			ExpiresAt: cert.NotAfter,
		}
	}

	result := PeerVerification{
		Verified:  true,
		SPIFFEID:  id.String(),
		ExpiresAt: cert.NotAfter,
		ExpiresIn: remaining,
	}
	if remaining < b.expiryWarning {
		result.ExpiringSoon = true
		b.log.Warn("peer certificate expires soon",
			"spiffe_id", id.String(),
			"expires_in", remaining.Round(time.Second))
	}
	return result
}

// VerifyCertificateChain checks every certificate in a chain for
// validity-window violations. An empty chain is a caller bug and comes
// back as a contract violation, not a soft failure.
func (b *ContextBuilder) VerifyCertificateChain(chain [][]byte) error {
	if len(chain) == 0 {
		return svid.NewContractViolation("certificate chain is empty")
	}

	now := time.Now()
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("certificate %d in chain: parse failure: %w", i, err)
		}
		if now.Before(cert.NotBefore) {
			return fmt.Errorf("certificate %d in chain is not yet valid (not before %s)",
				i, cert.NotBefore.UTC().Format(time.RFC3339))
		}
		if now.After(cert.NotAfter) {
			return fmt.Errorf("certificate %d in chain expired at %s",
				i, cert.NotAfter.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func containsID(ids []spiffeid.ID, id spiffeid.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
