// Package mtls builds mutual-TLS configurations from workload
// identities and verifies peers by SPIFFE ID instead of hostname.
// TLS 1.3 is pinned as both the minimum and maximum protocol version.
package mtls
