package workloadapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// FakeClient serves self-issued identities from memory. It backs mock
// agent mode and tests; no socket is involved.
type FakeClient struct {
	trustDomain  spiffeid.TrustDomain
	workloadPath string
	ttl          time.Duration
	bundlePath   string

	mu      sync.Mutex
	next    *svid.X509SVID
	fetches int
	err     error
}

// NewFakeClient creates a fake that mints a fresh identity on every
// fetch for trustDomain and workloadPath (e.g. "/workload/api").
func NewFakeClient(trustDomain spiffeid.TrustDomain, workloadPath, bundlePath string, ttl time.Duration) *FakeClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FakeClient{
		trustDomain:  trustDomain,
		workloadPath: workloadPath,
		ttl:          ttl,
		bundlePath:   bundlePath,
	}
}

// SetNextSVID pins the next fetch result instead of minting one.
func (c *FakeClient) SetNextSVID(identity *svid.X509SVID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = identity
}

// SetError makes every subsequent fetch fail with err until cleared.
func (c *FakeClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// FetchCount reports how many fetches have been served.
func (c *FakeClient) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// FetchX509SVID returns the pinned identity if one was set, otherwise
// mints a self-signed SVID valid for the configured TTL.
func (c *FakeClient) FetchX509SVID(_ context.Context) (*svid.X509SVID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, svid.NewIdentityErrorWithCause(svid.ErrorTypeTransportFailure,
			"workload api SVID fetch failed", c.err)
	}
	c.fetches++

	if c.next != nil {
		identity := c.next
		c.next = nil
		return identity, nil
	}
	return c.mint()
}

// TrustBundlePath returns the configured bundle path.
func (c *FakeClient) TrustBundlePath() string {
	return c.bundlePath
}

// ValidatePeerSVID checks trust-domain membership of a peer leaf.
func (c *FakeClient) ValidatePeerSVID(_ context.Context, peerDER []byte) (spiffeid.ID, error) {
	return validatePeer(peerDER, c.trustDomain)
}

// Close is a no-op.
func (c *FakeClient) Close() error { return nil }

func (c *FakeClient) mint() (*svid.X509SVID, error) {
	id, err := spiffeid.FromPath(c.trustDomain, c.workloadPath)
	if err != nil {
		return nil, fmt.Errorf("build spiffe id: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	uri, err := url.Parse(id.String())
	if err != nil {
		return nil, fmt.Errorf("parse spiffe uri: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mesh-workload-mock"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(c.ttl),
		URIs:         []*url.URL{uri},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-issue certificate: %w", err)
	}

	return &svid.X509SVID{
		ID:         id,
		CertChain:  [][]byte{der},
		PrivateKey: key,
		Expiry:     template.NotAfter,
	}, nil
}

func validatePeer(peerDER []byte, trustDomain spiffeid.TrustDomain) (spiffeid.ID, error) {
	cert, err := x509.ParseCertificate(peerDER)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("parse peer certificate: %w", err)
	}
	id, err := svid.ExtractSPIFFEID(cert)
	if err != nil {
		return spiffeid.ID{}, err
	}
	if !id.MemberOf(trustDomain) {
		return spiffeid.ID{}, fmt.Errorf("peer %s is not a member of trust domain %s", id, trustDomain)
	}
	if time.Now().After(cert.NotAfter) {
		return spiffeid.ID{}, fmt.Errorf("peer certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return id, nil
}
