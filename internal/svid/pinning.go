package svid

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"
)

// Fingerprint returns the lowercase hex SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	digest := sha256.Sum256(der)
	return hex.EncodeToString(digest[:])
}

// PinSet is the set of explicitly pinned certificate fingerprints. Pins
// are exact-match only: no wildcard or partial matching, no implicit
// expiry. Mutation happens only through Pin and Unpin.
type PinSet struct {
	mu   sync.Mutex
	pins map[string]struct{}
}

// NewPinSet creates an empty pin set.
func NewPinSet() *PinSet {
	return &PinSet{pins: make(map[string]struct{})}
}

// Pin parses a PEM certificate and pins its fingerprint.
func (p *PinSet) Pin(certPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("failed to decode certificate PEM block")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	p.pin(Fingerprint(block.Bytes))
	return nil
}

func (p *PinSet) pin(fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[fingerprint] = struct{}{}
}

// Unpin removes a fingerprint from the set. It is safe to call for a
// fingerprint that was never pinned; the return value reports whether
// anything was actually removed.
func (p *PinSet) Unpin(fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, present := p.pins[fingerprint]
	delete(p.pins, fingerprint)
	return present
}

// IsPinned reports whether the fingerprint is in the set.
func (p *PinSet) IsPinned(fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, present := p.pins[fingerprint]
	return present
}

// Empty reports whether no pins are configured.
func (p *PinSet) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pins) == 0
}

// Fingerprints returns the pinned fingerprints in sorted order.
func (p *PinSet) Fingerprints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pins))
	for fingerprint := range p.pins {
		out = append(out, fingerprint)
	}
	sort.Strings(out)
	return out
}
