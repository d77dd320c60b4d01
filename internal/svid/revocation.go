package svid

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// RevocationStatus is the outcome of a revocation lookup.
type RevocationStatus string

const (
	RevocationGood    RevocationStatus = "good"
	RevocationRevoked RevocationStatus = "revoked"
	RevocationUnknown RevocationStatus = "unknown"
)

// revocationEntry is a cached lookup result. Entries are replaced, not
// merged, on refresh.
type revocationEntry struct {
	revoked   bool
	checkedAt time.Time
}

// OCSPFetcher performs a network OCSP lookup.
type OCSPFetcher interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate) (revoked bool, err error)
}

// CRLFetcher downloads and evaluates a certificate revocation list.
type CRLFetcher interface {
	Check(ctx context.Context, cert *x509.Certificate) (revoked bool, err error)
}

// RevocationChecker answers "is this certificate revoked" using two
// independent time-bounded caches: OCSP results (1h TTL by default) and
// CRL results (6h TTL by default). Cache misses and stale entries trigger
// a network check. Network failures never propagate; they degrade to
// RevocationUnknown and the caller applies the fail-open/fail-closed
// policy.
//
// Concurrent validators may race to populate the same fingerprint;
// last-write-wins is acceptable because both writers computed an
// equivalent revalidation within the TTL window.
type RevocationChecker struct {
	cfg     config.RevocationConfig
	ocsp    OCSPFetcher
	crl     CRLFetcher
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	ocspCache map[string]revocationEntry
	crlCache  map[string]revocationEntry
}

// NewRevocationChecker creates a checker with HTTP-backed OCSP and CRL
// fetchers. Metrics may be nil.
func NewRevocationChecker(cfg config.RevocationConfig, log *slog.Logger, metrics *telemetry.Metrics) *RevocationChecker {
	if log == nil {
		log = slog.Default()
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &RevocationChecker{
		cfg:       cfg,
		ocsp:      &httpOCSPFetcher{client: client},
		crl:       &httpCRLFetcher{client: client},
		log:       log,
		metrics:   metrics,
		now:       time.Now,
		ocspCache: make(map[string]revocationEntry),
		crlCache:  make(map[string]revocationEntry),
	}
}

// SetFetchers replaces the network fetchers. Tests use this to avoid
// real network calls.
func (c *RevocationChecker) SetFetchers(ocspFetcher OCSPFetcher, crlFetcher CRLFetcher) {
	c.ocsp = ocspFetcher
	c.crl = crlFetcher
}

// Status resolves the revocation status of cert. The issuer may be nil
// when unavailable; OCSP requires it, so a nil issuer skips straight to
// the CRL path.
func (c *RevocationChecker) Status(ctx context.Context, cert, issuer *x509.Certificate) RevocationStatus {
	fingerprint := Fingerprint(cert.Raw)
	now := c.now()

	if entry, ok := c.lookup(c.ocspCache, fingerprint, now, c.cfg.OCSPCacheTTL); ok {
		c.recordCache("ocsp", true)
		return statusFromBool(entry.revoked)
	}
	if entry, ok := c.lookup(c.crlCache, fingerprint, now, c.cfg.CRLCacheTTL); ok {
		c.recordCache("crl", true)
		return statusFromBool(entry.revoked)
	}
	c.recordCache("any", false)

	if issuer != nil && len(cert.OCSPServer) > 0 {
		revoked, err := c.ocsp.Check(ctx, cert, issuer)
		if err == nil {
			c.store(c.ocspCache, fingerprint, revoked)
			return statusFromBool(revoked)
		}
		c.log.Warn("OCSP check failed", "fingerprint", fingerprint[:12], "error", err)
	}

	if len(cert.CRLDistributionPoints) > 0 {
		revoked, err := c.crl.Check(ctx, cert)
		if err == nil {
			c.store(c.crlCache, fingerprint, revoked)
			return statusFromBool(revoked)
		}
		c.log.Warn("CRL check failed", "fingerprint", fingerprint[:12], "error", err)
	}

	return RevocationUnknown
}

// FailOpen reports the configured policy for RevocationUnknown results.
func (c *RevocationChecker) FailOpen() bool {
	return c.cfg.FailOpen
}

func (c *RevocationChecker) lookup(cache map[string]revocationEntry, fingerprint string, now time.Time, ttl time.Duration) (revocationEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := cache[fingerprint]
	if !ok || now.Sub(entry.checkedAt) > ttl {
		return revocationEntry{}, false
	}
	return entry, true
}

func (c *RevocationChecker) store(cache map[string]revocationEntry, fingerprint string, revoked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache[fingerprint] = revocationEntry{revoked: revoked, checkedAt: c.now()}
}

func (c *RevocationChecker) recordCache(source string, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordRevocationCacheLookup(source, hit)
	}
}

func statusFromBool(revoked bool) RevocationStatus {
	if revoked {
		return RevocationRevoked
	}
	return RevocationGood
}

// httpOCSPFetcher queries the certificate's OCSP responder over HTTP.
type httpOCSPFetcher struct {
	client *http.Client
}

func (f *httpOCSPFetcher) Check(ctx context.Context, cert, issuer *x509.Certificate) (bool, error) {
	request, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return false, fmt.Errorf("create ocsp request: %w", err)
	}

	responder := cert.OCSPServer[0]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(request))
	if err != nil {
		return false, fmt.Errorf("build ocsp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("ocsp responder %s: %w", responder, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ocsp responder %s returned status %d", responder, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read ocsp response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return false, fmt.Errorf("parse ocsp response: %w", err)
	}

	return parsed.Status == ocsp.Revoked, nil
}

// httpCRLFetcher downloads the certificate's CRL distribution point and
// scans it for the certificate's serial number.
type httpCRLFetcher struct {
	client *http.Client
}

func (f *httpCRLFetcher) Check(ctx context.Context, cert *x509.Certificate) (bool, error) {
	endpoint := cert.CRLDistributionPoints[0]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build crl request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("crl endpoint %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("crl endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return false, fmt.Errorf("read crl: %w", err)
	}

	list, err := x509.ParseRevocationList(body)
	if err != nil {
		return false, fmt.Errorf("parse crl: %w", err)
	}

	for _, entry := range list.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true, nil
		}
	}
	return false, nil
}

