package mtls

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

// Context wraps a ready-to-use TLS configuration for one
// connection-establishment cycle.
type Context struct {
	Role     svid.MTLSRole
	TLS      *tls.Config
	SPIFFEID spiffeid.ID
}

// ContextBuilder produces mTLS configurations bound to a workload
// identity. Hostname verification is disabled everywhere; peers are
// verified by SPIFFE ID through VerifyPeerSVID instead.
type ContextBuilder struct {
	trustDomain   spiffeid.TrustDomain
	enforceTLS13  bool
	expiryWarning time.Duration
	log           *slog.Logger
}

// NewContextBuilder creates a builder for the given trust domain.
// A nil logger falls back to slog.Default.
func NewContextBuilder(trustDomain spiffeid.TrustDomain, cfg config.ValidationConfig, log *slog.Logger) *ContextBuilder {
	if log == nil {
		log = slog.Default()
	}
	warning := cfg.ExpiryWarning
	if warning <= 0 {
		warning = 600 * time.Second
	}
	return &ContextBuilder{
		trustDomain:   trustDomain,
		enforceTLS13:  cfg.EnforceTLS13,
		expiryWarning: warning,
		log:           log,
	}
}

// BuildContext loads the identity's key material into a TLS
// configuration pinned to TLS 1.3. Key or certificate load failures
// come back as a single key-material error, never a raw parser error.
func (b *ContextBuilder) BuildContext(identity *svid.X509SVID, role svid.MTLSRole) (*Context, error) {
	if identity == nil {
		return nil, svid.NewContractViolation("mTLS context requires an identity")
	}
	if len(identity.CertChain) == 0 {
		return nil, svid.NewContractViolation("identity has an empty certificate chain")
	}

	leaf, err := identity.Leaf()
	if err != nil {
		return nil, svid.NewIdentityErrorWithCause(svid.ErrorTypeKeyMaterial,
			"failed to load identity certificate", err)
	}
	if identity.PrivateKey == nil {
		return nil, svid.NewIdentityError(svid.ErrorTypeKeyMaterial,
			"identity carries no private key")
	}

	certificate := tls.Certificate{
		Certificate: identity.CertChain,
		PrivateKey:  identity.PrivateKey,
		Leaf:        leaf,
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}
	// Downgrade negotiation can still happen on some transports, so
	// the negotiated version is re-checked on every handshake.
	cfg.VerifyConnection = func(state tls.ConnectionState) error {
		return b.VerifyNegotiatedVersion(state.Version)
	}

	switch role {
	case svid.RoleServer:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case svid.RoleClient:
		// SPIFFE ID verification replaces hostname matching.
		cfg.InsecureSkipVerify = true
	default:
		return nil, svid.NewContractViolation(fmt.Sprintf("unknown mTLS role %q", role))
	}

	return &Context{Role: role, TLS: cfg, SPIFFEID: identity.ID}, nil
}

// ExpiryWarningThreshold reports the soft-expiry window applied by
// VerifyPeerSVID.
func (b *ContextBuilder) ExpiryWarningThreshold() time.Duration {
	return b.expiryWarning
}
