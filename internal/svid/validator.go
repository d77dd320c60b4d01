package svid

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// Result is the outcome of a certificate validation. Rejections are
// expected and frequent on the hot path, so they are values rather than
// errors: Valid is false and Reason explains the first failed check.
type Result struct {
	Valid    bool
	SPIFFEID string
	Reason   string
}

func reject(reason string) Result {
	return Result{Reason: reason}
}

// ChainVerifier validates the chain of trust between a leaf certificate
// and a trust bundle. Its boolean result is authoritative.
type ChainVerifier interface {
	VerifyChain(leaf *x509.Certificate, bundle []*x509.Certificate) (bool, error)
}

// Validator performs ordered, short-circuiting validation of workload
// certificates: parse, freshness, expiry, SPIFFE identity, trust domain,
// chain of trust, revocation, and pinning. The only side effects are
// revocation cache writes.
type Validator struct {
	trustDomain    spiffeid.TrustDomain
	maxCertAge     time.Duration
	pinningEnabled bool

	chain      ChainVerifier
	revocation *RevocationChecker
	pins       *PinSet

	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewValidator creates a validator for the given trust domain. The
// revocation checker may be nil to disable revocation checks; metrics may
// be nil.
func NewValidator(trustDomain string, cfg config.ValidationConfig, revocation *RevocationChecker, log *slog.Logger, metrics *telemetry.Metrics) (*Validator, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	if log == nil {
		log = slog.Default()
	}

	maxCertAge := cfg.MaxCertAge
	if maxCertAge <= 0 {
		maxCertAge = time.Hour
	}

	return &Validator{
		trustDomain:    td,
		maxCertAge:     maxCertAge,
		pinningEnabled: cfg.PinningEnabled,
		chain:          &bundleChainVerifier{},
		revocation:     revocation,
		pins:           NewPinSet(),
		log:            log,
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// SetChainVerifier replaces the chain validation step.
func (v *Validator) SetChainVerifier(verifier ChainVerifier) {
	v.chain = verifier
}

// Pins returns the validator's pinned-certificate set.
func (v *Validator) Pins() *PinSet {
	return v.pins
}

// TrustDomain returns the configured trust domain.
func (v *Validator) TrustDomain() spiffeid.TrustDomain {
	return v.trustDomain
}

// ValidateCertificate validates a PEM certificate against the configured
// policy. The trust bundle is optional; when nil the chain-of-trust step
// is skipped. Checks run in order and stop at the first failure.
func (v *Validator) ValidateCertificate(ctx context.Context, certPEM []byte, bundle []*x509.Certificate) Result {
	result := v.validate(ctx, certPEM, bundle)
	if v.metrics != nil {
		v.metrics.RecordValidation(result.Valid, rejectionLabel(result))
	}
	if !result.Valid {
		v.log.Debug("Certificate rejected", "reason", result.Reason)
	}
	return result
}

func (v *Validator) validate(ctx context.Context, certPEM []byte, bundle []*x509.Certificate) Result {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return reject("certificate parse failure: no PEM certificate block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return reject(fmt.Sprintf("certificate parse failure: %v", err))
	}

	now := v.now()

	// Freshness bounds how long ago the certificate was issued. A
	// certificate can be too old to accept while still inside its
	// validity window.
	if age := now.Sub(cert.NotBefore); age > v.maxCertAge {
		return reject(fmt.Sprintf("certificate too old: issued %s ago, maximum age %s", age.Round(time.Second), v.maxCertAge))
	}

	if now.After(cert.NotAfter) {
		return reject(fmt.Sprintf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339)))
	}

	id, err := ExtractSPIFFEID(cert)
	if err != nil {
		return reject(fmt.Sprintf("no SPIFFE ID: %v", err))
	}

	if !id.MemberOf(v.trustDomain) {
		return reject(fmt.Sprintf("SPIFFE ID %s is not a member of trust domain %s", id, v.trustDomain))
	}

	var issuer *x509.Certificate
	if bundle != nil {
		valid, issuerCert, err := v.verifyChain(cert, bundle)
		if err != nil {
			return reject(fmt.Sprintf("chain validation failed: %v", err))
		}
		if !valid {
			return reject("chain validation failed: leaf issuer not present in trust bundle")
		}
		issuer = issuerCert
	}

	if v.revocation != nil {
		switch v.revocation.Status(ctx, cert, issuer) {
		case RevocationRevoked:
			return reject("certificate is revoked")
		case RevocationUnknown:
			if !v.revocation.FailOpen() {
				return reject("revocation status unknown and policy is fail-closed")
			}
			v.log.Warn("Revocation status unknown, accepting per fail-open policy",
				"spiffe_id", id.String())
		}
	}

	if v.pinningEnabled && !v.pins.Empty() {
		if !v.pins.IsPinned(Fingerprint(cert.Raw)) {
			return reject("certificate fingerprint is not pinned")
		}
	}

	return Result{Valid: true, SPIFFEID: id.String()}
}

// verifyChain runs the pluggable chain verifier and additionally resolves
// the issuer certificate so the revocation step can build OCSP requests.
func (v *Validator) verifyChain(leaf *x509.Certificate, bundle []*x509.Certificate) (bool, *x509.Certificate, error) {
	valid, err := v.chain.VerifyChain(leaf, bundle)
	if err != nil || !valid {
		return valid, nil, err
	}
	for _, candidate := range bundle {
		if bytes.Equal(candidate.RawSubject, leaf.RawIssuer) {
			return true, candidate, nil
		}
	}
	return true, nil, nil
}

// CheckExpiry is the composable expiry check used by request middleware:
// it reports only whether the certificate is inside its validity window
// at the current instant.
func (v *Validator) CheckExpiry(cert *x509.Certificate) Result {
	now := v.now()
	if now.After(cert.NotAfter) {
		return reject(fmt.Sprintf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339)))
	}
	if now.Before(cert.NotBefore) {
		return reject(fmt.Sprintf("certificate not valid until %s", cert.NotBefore.Format(time.RFC3339)))
	}
	return Result{Valid: true}
}

// ExtractSPIFFEID reads the certificate's SAN URI entries and returns the
// first spiffe:// identity.
func ExtractSPIFFEID(cert *x509.Certificate) (spiffeid.ID, error) {
	for _, uri := range cert.URIs {
		if uri.Scheme != "spiffe" {
			continue
		}
		id, err := spiffeid.FromURI(uri)
		if err != nil {
			return spiffeid.ID{}, fmt.Errorf("malformed SPIFFE URI %s: %w", uri, err)
		}
		return id, nil
	}
	return spiffeid.ID{}, fmt.Errorf("certificate has no spiffe:// URI among %d SAN URIs", len(cert.URIs))
}

// SPIFFEIDFromString parses and normalises a SPIFFE ID string.
func SPIFFEIDFromString(raw string) (spiffeid.ID, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("malformed SPIFFE ID %q: %w", raw, err)
	}
	return spiffeid.FromURI(parsed)
}

func rejectionLabel(result Result) string {
	if result.Valid {
		return ""
	}
	switch {
	case containsAny(result.Reason, "parse failure"):
		return "parse"
	case containsAny(result.Reason, "too old"):
		return "too_old"
	case containsAny(result.Reason, "expired"):
		return "expired"
	case containsAny(result.Reason, "no SPIFFE ID"):
		return "no_spiffe_id"
	case containsAny(result.Reason, "trust domain"):
		return "trust_domain"
	case containsAny(result.Reason, "chain validation"):
		return "chain"
	case containsAny(result.Reason, "revoked", "revocation"):
		return "revocation"
	case containsAny(result.Reason, "pinned"):
		return "pinning"
	default:
		return "other"
	}
}

// bundleChainVerifier is the default chain validation step: the leaf's
// issuer must be a subject in the bundle and the signature must verify.
type bundleChainVerifier struct{}

func (bundleChainVerifier) VerifyChain(leaf *x509.Certificate, bundle []*x509.Certificate) (bool, error) {
	for _, candidate := range bundle {
		if !bytes.Equal(candidate.RawSubject, leaf.RawIssuer) {
			continue
		}
		if err := leaf.CheckSignatureFrom(candidate); err != nil {
			return false, fmt.Errorf("issuer %s signature check: %w", candidate.Subject, err)
		}
		return true, nil
	}
	return false, nil
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var _ ChainVerifier = (*bundleChainVerifier)(nil)
