// Package identity implements certificate-derived identity and
// revocation (spec.md §4.12 "Certificate & identity (C12)"): computing
// the peer cert SHA-1 used as canonical id, extracting the DXL client
// and tenant GUIDs from custom X.509 extensions, and the revoked/accepted
// broker cert sets consulted during TLS verify.
package identity

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// oidDXLClientGUID and oidDXLTenantGUID are the custom X.509 extension
// OIDs carrying the DXL client and tenant GUIDs, under a private
// enterprise arc.
var (
	oidDXLClientGUID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 38318, 1, 1}
	oidDXLTenantGUID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 38318, 1, 2}
)

// SHA1Fingerprint returns the lowercase hex SHA-1 digest of cert's DER
// encoding, used throughout as the canonical cert identity.
func SHA1Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ExtractGUIDs pulls the DXL client and tenant GUIDs out of cert's
// extensions, if present. Each extension's value is a DER-encoded
// OCTET STRING; an extension whose contents fail to parse as one is
// ignored rather than treated as a parse error, matching the original's
// tolerant walk (it copies whatever octet_str_data it found without
// rejecting the certificate).
func ExtractGUIDs(cert *x509.Certificate) (clientGUID, tenantGUID string) {
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidDXLClientGUID):
			clientGUID = decodeOctetString(ext.Value)
		case ext.Id.Equal(oidDXLTenantGUID):
			tenantGUID = decodeOctetString(ext.Value)
		}
	}
	return clientGUID, tenantGUID
}

func decodeOctetString(der []byte) string {
	input := cryptobyte.String(der)
	var octets cryptobyte.String
	if !input.ReadASN1(&octets, cbasn1.OCTET_STRING) {
		return ""
	}
	return string(octets)
}

// RevocationSet is the set of revoked certificate SHA-1 fingerprints,
// consulted on every TLS verify.
type RevocationSet struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewRevocationSet constructs an empty revocation set.
func NewRevocationSet() *RevocationSet {
	return &RevocationSet{revoked: map[string]struct{}{}}
}

// Replace atomically swaps the entire revoked set, as happens when the
// core reloads its revocation policy file.
func (r *RevocationSet) Replace(sha1Hashes []string) {
	next := make(map[string]struct{}, len(sha1Hashes))
	for _, h := range sha1Hashes {
		next[h] = struct{}{}
	}
	r.mu.Lock()
	r.revoked = next
	r.mu.Unlock()
}

// Add merges sha1Hashes into the revoked set without disturbing entries
// already present, as happens when a revocation work-queue runnable
// delivers an incremental update rather than a full policy reload.
func (r *RevocationSet) Add(sha1Hashes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range sha1Hashes {
		r.revoked[h] = struct{}{}
	}
}

// IsRevoked reports whether sha1Hash is in the revoked set.
func (r *RevocationSet) IsRevoked(sha1Hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[sha1Hash]
	return ok
}

// BrokerCertSet is the set of accepted broker certificate fingerprints,
// used to authorize bridge-inbound CONNECTs. It is swapped atomically by
// RestartListeners so an in-flight handshake that raced the swap either
// sees the old set consistently or the new one, never a half-updated
// view.
type BrokerCertSet struct {
	v atomic.Value // map[string]struct{}
}

// NewBrokerCertSet constructs a broker cert set seeded with hashes.
func NewBrokerCertSet(sha1Hashes []string) *BrokerCertSet {
	s := &BrokerCertSet{}
	s.RestartListeners(sha1Hashes)
	return s
}

// RestartListeners atomically replaces the accepted broker cert set.
func (s *BrokerCertSet) RestartListeners(sha1Hashes []string) {
	next := make(map[string]struct{}, len(sha1Hashes))
	for _, h := range sha1Hashes {
		next[h] = struct{}{}
	}
	s.v.Store(next)
}

// IsKnownBrokerCert reports whether sha1Hash is in the current accepted
// broker cert set.
func (s *BrokerCertSet) IsKnownBrokerCert(sha1Hash string) bool {
	m, _ := s.v.Load().(map[string]struct{})
	if m == nil {
		return false
	}
	_, ok := m[sha1Hash]
	return ok
}

// VerifyResult is the outcome of VerifyPeerCertificate.
type VerifyResult struct {
	SHA1       string
	Revoked    bool
	ClientGUID string
	TenantGUID string
}

// VerifyPeerCertificate computes the cert's fingerprint, checks it
// against revoked, and extracts the DXL GUID extensions — the three
// steps the original's process_client_certificate performs inline
// during TLS verify.
func VerifyPeerCertificate(cert *x509.Certificate, revoked *RevocationSet) VerifyResult {
	sha1Hash := SHA1Fingerprint(cert)
	clientGUID, tenantGUID := ExtractGUIDs(cert)
	return VerifyResult{
		SHA1:       sha1Hash,
		Revoked:    revoked.IsRevoked(sha1Hash),
		ClientGUID: clientGUID,
		TenantGUID: tenantGUID,
	}
}
