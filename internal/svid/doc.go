// Package svid implements validation and lifecycle primitives for X.509
// SPIFFE workload identities: certificate validation (freshness, expiry,
// trust domain, chain of trust), revocation checking with time-bounded
// OCSP/CRL caches, and certificate pinning.
package svid
