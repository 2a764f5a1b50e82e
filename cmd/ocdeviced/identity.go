package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocfcore/ocsession/internal/certstore"
	"github.com/ocfcore/ocsession/internal/tlssess"
)

// identity is the device's loaded (or absent) provisioned credential
// material: its own identity chain/key plus the trust anchors it
// verifies peers against.
type identity struct {
	store      *certstore.Store
	tlsCert    tls.Certificate
	haveCert   bool
	anchorPool *x509.CertPool
}

// loadIdentity reads a provisioned identity chain/key and trust anchor
// from stateDir, if present. A device with no state directory (or an
// empty one, e.g. a fresh RFOTM device) runs PSK-only until it is owned
// and provisioned.
func loadIdentity(stateDir string) (*identity, error) {
	store := certstore.New()
	id := &identity{store: store}

	if stateDir == "" {
		return id, nil
	}

	chainPath := filepath.Join(stateDir, "identity.chain.pem")
	keyPath := filepath.Join(stateDir, "identity.key.pem")
	if _, err := os.Stat(chainPath); err == nil {
		cred, err := certstore.LoadCredential("identity", "device", certstore.UsageIdentityCert, chainPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading identity credential: %w", err)
		}
		store.ResolveNewIdentityCerts([]certstore.Credential{cred})

		rawChain := make([][]byte, len(cred.Chain))
		for i, cert := range cred.Chain {
			rawChain[i] = cert.Raw
		}
		id.tlsCert = tls.Certificate{Certificate: rawChain, PrivateKey: cred.PrivateKey}
		id.haveCert = true
	}

	anchorPath := filepath.Join(stateDir, "anchor.pem")
	if _, err := os.Stat(anchorPath); err == nil {
		anchor, err := certstore.LoadTrustAnchor("anchor", "device", anchorPath)
		if err != nil {
			return nil, fmt.Errorf("loading trust anchor: %w", err)
		}
		store.ResolveNewTrustAnchors([]certstore.Credential{anchor})
	}

	if chain := store.AnchorChain(); len(chain) > 0 {
		pool := x509.NewCertPool()
		for _, cert := range chain {
			pool.AddCert(cert)
		}
		id.anchorPool = pool
	}

	return id, nil
}

// pskResolver builds the PSK-identity resolution closure used by both
// the TCP/TLS and UDP/DTLS handshake adapters.
func pskResolver(ownership tlssess.OwnershipState, oxm tlssess.OxmSelect, pin []byte, deviceUUID [16]byte, known []tlssess.PSKCredential) func(identity []byte) ([]byte, error) {
	return func(hint []byte) ([]byte, error) {
		key, ok := tlssess.ResolvePSK(hint, known, ownership, oxm, pin, deviceUUID)
		if !ok {
			return nil, fmt.Errorf("ocdeviced: no PSK for presented identity")
		}
		return key, nil
	}
}

func parseOwnership(s string) tlssess.OwnershipState {
	if s == "rfnop" {
		return tlssess.RFNOP
	}
	return tlssess.RFOTM
}

func parseOxm(s string) tlssess.OxmSelect {
	switch s {
	case "pin":
		return tlssess.OxmPIN
	case "mfgcert":
		return tlssess.OxmMfgCert
	default:
		return tlssess.OxmJustWorks
	}
}
