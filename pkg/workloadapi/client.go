// Package workloadapi abstracts the SPIFFE Workload API behind a small
// client interface so that identity consumers can run against a real
// agent socket or an in-memory fake interchangeably.
package workloadapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	spiffeworkload "github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// Client fetches workload identities and trust material.
type Client interface {
	// FetchX509SVID returns the workload's current identity. The
	// returned value is a fresh snapshot; callers replace, never
	// mutate.
	FetchX509SVID(ctx context.Context) (*svid.X509SVID, error)

	// TrustBundlePath returns the filesystem location of the trust
	// bundle backing this client, or empty when none applies.
	TrustBundlePath() string

	// ValidatePeerSVID extracts and validates the SPIFFE identity of
	// a peer leaf certificate.
	ValidatePeerSVID(ctx context.Context, peerDER []byte) (spiffeid.ID, error)

	// Close releases the underlying transport.
	Close() error
}

// SPIFFEClient talks to a live agent over its Workload API socket.
type SPIFFEClient struct {
	client      *spiffeworkload.Client
	trustDomain spiffeid.TrustDomain
	bundlePath  string
	log         *slog.Logger
}

// NewSPIFFEClient dials the Workload API at socketPath.
func NewSPIFFEClient(ctx context.Context, socketPath, bundlePath string, trustDomain spiffeid.TrustDomain, log *slog.Logger) (*SPIFFEClient, error) {
	if log == nil {
		log = slog.Default()
	}
	addr := socketPath
	if !strings.Contains(addr, "://") {
		addr = "unix://" + addr
	}

	client, err := spiffeworkload.New(ctx, spiffeworkload.WithAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("dial workload api at %s: %w", addr, err)
	}
	return &SPIFFEClient{
		client:      client,
		trustDomain: trustDomain,
		bundlePath:  bundlePath,
		log:         log,
	}, nil
}

// FetchX509SVID fetches the default identity from the agent.
func (c *SPIFFEClient) FetchX509SVID(ctx context.Context) (*svid.X509SVID, error) {
	fetched, err := c.client.FetchX509SVID(ctx)
	if err != nil {
		return nil, svid.NewIdentityErrorWithCause(svid.ErrorTypeTransportFailure,
			"workload api SVID fetch failed", err)
	}
	if len(fetched.Certificates) == 0 {
		return nil, svid.NewIdentityError(svid.ErrorTypeTransportFailure,
			"workload api returned an identity with no certificates")
	}

	chain := make([][]byte, 0, len(fetched.Certificates))
	for _, cert := range fetched.Certificates {
		chain = append(chain, cert.Raw)
	}

	identity := &svid.X509SVID{
		ID:         fetched.ID,
		CertChain:  chain,
		PrivateKey: fetched.PrivateKey,
		Expiry:     fetched.Certificates[0].NotAfter,
	}
	c.log.Debug("fetched SVID from workload api",
		"spiffe_id", identity.ID.String(),
		"expiry", identity.Expiry.UTC())
	return identity, nil
}

// TrustBundlePath returns the bundle path configured at construction.
func (c *SPIFFEClient) TrustBundlePath() string {
	return c.bundlePath
}

// ValidatePeerSVID checks trust-domain membership of a peer leaf.
func (c *SPIFFEClient) ValidatePeerSVID(_ context.Context, peerDER []byte) (spiffeid.ID, error) {
	return validatePeer(peerDER, c.trustDomain)
}

// Close tears down the Workload API connection.
func (c *SPIFFEClient) Close() error {
	return c.client.Close()
}
