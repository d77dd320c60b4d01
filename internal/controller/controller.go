// Package controller orchestrates the agent manager, the Workload API
// client, the certificate validator and the mTLS builder behind one
// identity-owning facade.
package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/agent"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/mtls"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/workloadapi"
)

// ConnectionMetadata describes a prepared mTLS connection. The caller
// owns the actual socket I/O; this is the configuration plus the
// expectations it encodes.
type ConnectionMetadata struct {
	LocalSPIFFEID string
	PeerSPIFFEID  string
	TLSVersion    string
	CipherSuites  []string
	Verified      bool
	Context       *mtls.Context
}

// HealthStatus is the controller's three-part liveness report.
type HealthStatus struct {
	Agent         bool `json:"agent"`
	IdentityValid bool `json:"identity_valid"`
	WorkloadAPI   bool `json:"workload_api"`
}

// Controller owns the current workload identity and its renewal
// policy. Identity replacement is atomic: readers always observe
// either the old or the new identity in full, never a mix.
type Controller struct {
	agent     *agent.Manager
	client    workloadapi.Client
	validator *svid.Validator
	builder   *mtls.ContextBuilder
	threshold float64
	log       *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	identity    atomic.Pointer[svid.X509SVID]
	initialized atomic.Bool
}

// New wires the controller. Metrics may be nil.
func New(agentManager *agent.Manager, client workloadapi.Client, validator *svid.Validator, builder *mtls.ContextBuilder, cfg config.RenewalConfig, log *slog.Logger, metrics *telemetry.Metrics) *Controller {
	if log == nil {
		log = slog.Default()
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	return &Controller{
		agent:     agentManager,
		client:    client,
		validator: validator,
		builder:   builder,
		threshold: threshold,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Initialize starts the agent, attests the node and fetches the first
// identity, short-circuiting on the first failure.
func (c *Controller) Initialize(ctx context.Context, strategy svid.AttestationStrategy, params map[string]string) bool {
	if err := c.agent.Start(ctx); err != nil {
		c.log.Error("initialization failed at agent start", "error", err)
		return false
	}
	if err := c.agent.AttestNode(ctx, strategy, params); err != nil {
		c.log.Error("initialization failed at node attestation", "error", err)
		return false
	}
	identity, err := c.client.FetchX509SVID(ctx)
	if err != nil {
		c.log.Error("initialization failed at SVID fetch", "error", err)
		return false
	}

	c.storeIdentity(identity)
	c.initialized.Store(true)
	c.log.Info("controller initialized",
		"spiffe_id", identity.ID.String(),
		"expiry", identity.Expiry.UTC())
	return true
}

// Identity returns the current SVID, renewing it first when its
// remaining TTL fraction has dropped below the threshold. Renewal
// failure falls back to the current identity as long as it has not
// fully expired.
func (c *Controller) Identity(ctx context.Context) (*svid.X509SVID, error) {
	if !c.initialized.Load() {
		return nil, svid.NewIdentityError(svid.ErrorTypeNotInitialized,
			"controller has no identity; call Initialize first")
	}

	current := c.identity.Load()
	if c.shouldRenew(current) {
		fresh, err := c.client.FetchX509SVID(ctx)
		if err != nil {
			c.recordRenewal("threshold", false)
			if current.Expired(c.now()) {
				return nil, svid.NewIdentityErrorWithCause(svid.ErrorTypeTransportFailure,
					"identity expired and renewal failed", err)
			}
			c.log.Warn("identity renewal failed, serving current identity", "error", err)
			return current, nil
		}
		c.storeIdentity(fresh)
		c.recordRenewal("threshold", true)
		c.log.Info("identity renewed",
			"spiffe_id", fresh.ID.String(),
			"expiry", fresh.Expiry.UTC())
		return fresh, nil
	}
	return current, nil
}

// ForceRenew fetches and installs a fresh identity regardless of the
// threshold. The autonomic loop uses it as a remediation action.
func (c *Controller) ForceRenew(ctx context.Context) error {
	if !c.initialized.Load() {
		return svid.NewIdentityError(svid.ErrorTypeNotInitialized,
			"controller has no identity; call Initialize first")
	}
	fresh, err := c.client.FetchX509SVID(ctx)
	if err != nil {
		c.recordRenewal("forced", false)
		return fmt.Errorf("forced renewal: %w", err)
	}
	c.storeIdentity(fresh)
	c.recordRenewal("forced", true)
	return nil
}

// ReAttest runs a full revoke-and-re-attest cycle with the given join
// token, then installs the re-issued identity.
func (c *Controller) ReAttest(ctx context.Context, params map[string]string) error {
	if err := c.agent.AttestNode(ctx, svid.AttestJoinToken, params); err != nil {
		return fmt.Errorf("re-attestation: %w", err)
	}
	fresh, err := c.client.FetchX509SVID(ctx)
	if err != nil {
		return fmt.Errorf("SVID fetch after re-attestation: %w", err)
	}
	c.storeIdentity(fresh)
	return nil
}

// EstablishMTLSConnection prepares a client-side mTLS configuration
// for talking to peerSPIFFEID and returns the connection expectations.
// No socket I/O happens here.
func (c *Controller) EstablishMTLSConnection(ctx context.Context, peerSPIFFEID string) (*ConnectionMetadata, error) {
	identity, err := c.Identity(ctx)
	if err != nil {
		return nil, err
	}

	peerID, err := svid.SPIFFEIDFromString(peerSPIFFEID)
	if err != nil {
		return nil, svid.NewContractViolation(fmt.Sprintf("invalid peer SPIFFE ID %q: %v", peerSPIFFEID, err))
	}

	mtlsCtx, err := c.builder.BuildContext(identity, svid.RoleClient)
	if err != nil {
		return nil, err
	}
	if err := c.builder.VerifyConfiguredVersion(mtlsCtx.TLS); err != nil {
		return nil, err
	}

	return &ConnectionMetadata{
		LocalSPIFFEID: identity.ID.String(),
		PeerSPIFFEID:  peerID.String(),
		TLSVersion:    "TLSv1.3",
		CipherSuites:  tls13CipherSuites(),
		Verified:      true,
		Context:       mtlsCtx,
	}, nil
}

// RegisterWorkload creates a registration entry using the current
// identity as parent. Returns false on any failure.
func (c *Controller) RegisterWorkload(ctx context.Context, spiffeID string, selectors []string, ttl int) bool {
	identity, err := c.Identity(ctx)
	if err != nil {
		c.log.Warn("workload registration requires a provisioned identity", "error", err)
		return false
	}
	return c.agent.RegisterWorkload(ctx, svid.WorkloadEntry{
		SPIFFEID:  spiffeID,
		ParentID:  identity.ID.String(),
		Selectors: selectors,
		TTL:       ttl,
	})
}

// HealthCheck reports agent, identity and Workload API health.
func (c *Controller) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Agent: c.agent.HealthCheck(ctx),
	}
	if identity := c.identity.Load(); identity != nil {
		status.IdentityValid = !identity.Expired(c.now())
	}
	if c.initialized.Load() {
		_, err := c.client.FetchX509SVID(ctx)
		status.WorkloadAPI = err == nil
	}
	return status
}

// CurrentIdentity returns the stored identity without triggering
// renewal, or nil when uninitialized.
func (c *Controller) CurrentIdentity() *svid.X509SVID {
	return c.identity.Load()
}

// Shutdown stops the agent and closes the Workload API client.
func (c *Controller) Shutdown(ctx context.Context) error {
	stopErr := c.agent.Stop(ctx)
	closeErr := c.client.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

// shouldRenew reports whether the remaining TTL fraction of the
// identity's validity window has fallen below the threshold. Renewal
// is due well before full expiry.
func (c *Controller) shouldRenew(identity *svid.X509SVID) bool {
	if identity == nil {
		return true
	}
	leaf, err := identity.Leaf()
	if err != nil {
		return true
	}
	total := identity.Expiry.Sub(leaf.NotBefore)
	if total <= 0 {
		return true
	}
	remaining := identity.TTLRemaining(c.now())
	return float64(remaining)/float64(total) < c.threshold
}

func (c *Controller) storeIdentity(identity *svid.X509SVID) {
	c.identity.Store(identity)
	if c.metrics != nil {
		c.metrics.SetIdentityExpiry(time.Until(identity.Expiry).Seconds())
	}
}

func (c *Controller) recordRenewal(trigger string, success bool) {
	if c.metrics != nil {
		c.metrics.RecordRenewal(trigger, success)
	}
}

func tls13CipherSuites() []string {
	ids := []uint16{tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384, tls.TLS_CHACHA20_POLY1305_SHA256}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, tls.CipherSuiteName(id))
	}
	return names
}
