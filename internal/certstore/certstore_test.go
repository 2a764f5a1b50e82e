package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, cn string, serial int64) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestResolveNewIdentityCertsCreatesChain(t *testing.T) {
	s := New()
	leaf := selfSignedCert(t, "peer-1", 1)

	s.ResolveNewIdentityCerts([]Credential{
		{ID: "cred-1", Device: "dev-1", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf}},
	})

	chain, err := s.IdentityChainFor("cred-1")
	require.NoError(t, err)
	require.Len(t, chain.Certs, 1)
	require.Equal(t, 1, s.IdentityChainCount())
}

// TestCertificateChainExtension covers scenario S6: a later credential
// whose certificate equals an existing leaf and carries a further
// intermediate extends the existing chain instead of duplicating it.
func TestCertificateChainExtension(t *testing.T) {
	s := New()
	leaf := selfSignedCert(t, "peer-2", 1)
	intermediate := selfSignedCert(t, "intermediate-ca", 2)

	s.ResolveNewIdentityCerts([]Credential{
		{ID: "cred-leaf", Device: "dev-2", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf}},
	})
	require.Equal(t, 1, s.IdentityChainCount())

	s.ResolveNewIdentityCerts([]Credential{
		{ID: "cred-leaf-ext", Device: "dev-2", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf, intermediate}},
	})

	// Still one chain object: the intermediate was appended, not
	// duplicated into a second chain.
	require.Equal(t, 1, s.IdentityChainCount())

	chain, err := s.IdentityChainFor("cred-leaf")
	require.NoError(t, err)
	require.Len(t, chain.Certs, 2)
	require.Same(t, intermediate, chain.Certs[1])

	extChain, err := s.IdentityChainFor("cred-leaf-ext")
	require.NoError(t, err)
	require.Same(t, chain, extChain)
}

func TestResolveNewIdentityCertsIgnoresAlreadyRepresented(t *testing.T) {
	s := New()
	leaf := selfSignedCert(t, "peer-3", 1)

	creds := []Credential{{ID: "cred-1", Device: "dev-3", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf}}}
	s.ResolveNewIdentityCerts(creds)
	s.ResolveNewIdentityCerts(creds) // re-provisioned, must be a no-op

	require.Equal(t, 1, s.IdentityChainCount())
}

func TestResolveNewTrustAnchorsAppendsAndTracksNode(t *testing.T) {
	s := New()
	root := selfSignedCert(t, "root-ca", 1)
	sub := selfSignedCert(t, "sub-ca", 2)

	s.ResolveNewTrustAnchors([]Credential{
		{ID: "anchor-1", Usage: UsageTrustCA, Chain: []*x509.Certificate{root}, SubjectUUID: "11111111-1111-1111-1111-111111111111"},
	})
	s.ResolveNewTrustAnchors([]Credential{
		{ID: "anchor-2", Usage: UsageTrustCA, Chain: []*x509.Certificate{sub}, SubjectUUID: "*"},
	})

	require.Len(t, s.AnchorChain(), 2)
	idx1, ok1 := s.AnchorNodeForCredential("anchor-1")
	require.True(t, ok1)
	require.Equal(t, 0, idx1)

	cert, found := s.FindTrustAnchorBySubjectUUID("11111111-1111-1111-1111-111111111111")
	require.True(t, found)
	require.Same(t, root, cert)

	// Wildcard anchor matches any UUID.
	cert, found = s.FindTrustAnchorBySubjectUUID("anything-else")
	require.True(t, found)
	require.Same(t, sub, cert)
}

func TestRemoveTrustAnchorReparsesSurvivors(t *testing.T) {
	s := New()
	root := selfSignedCert(t, "root-ca", 1)
	sub := selfSignedCert(t, "sub-ca", 2)

	s.ResolveNewTrustAnchors([]Credential{
		{ID: "anchor-1", Usage: UsageTrustCA, Chain: []*x509.Certificate{root}},
		{ID: "anchor-2", Usage: UsageTrustCA, Chain: []*x509.Certificate{sub}},
	})
	require.Len(t, s.AnchorChain(), 2)

	s.RemoveTrustAnchor("anchor-1")

	require.Len(t, s.AnchorChain(), 1)
	_, ok := s.AnchorNodeForCredential("anchor-1")
	require.False(t, ok)
	idx2, ok2 := s.AnchorNodeForCredential("anchor-2")
	require.True(t, ok2)
	require.Equal(t, 0, idx2)
}

func TestCheckConsistencyPasses(t *testing.T) {
	s := New()
	leaf := selfSignedCert(t, "peer-4", 1)
	creds := []Credential{{ID: "cred-1", Device: "dev-4", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf}}}

	s.ResolveNewIdentityCerts(creds)
	require.NoError(t, s.CheckConsistency(creds))
}

func TestCheckConsistencyFailsWhenChainMissing(t *testing.T) {
	s := New()
	leaf := selfSignedCert(t, "peer-5", 1)
	creds := []Credential{{ID: "cred-1", Device: "dev-5", Usage: UsageIdentityCert, Chain: []*x509.Certificate{leaf}}}

	require.Error(t, s.CheckConsistency(creds))
}
