package certstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// PEM encoding/decoding errors, for loading a provisioned credential's
// chain and key off disk.
var (
	ErrInvalidPEM = errors.New("certstore: invalid PEM data")
	ErrInvalidKey = errors.New("certstore: invalid private key")
)

// EncodeCertPEM encodes an X.509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// DecodeCertPEM decodes a single PEM-encoded X.509 certificate.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return x509.ParseCertificate(block.Bytes)
}

// DecodeCertChainPEM decodes a concatenated PEM file into an ordered
// chain, leaf first, the way a provisioned identity credential arrives.
func DecodeCertChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrInvalidPEM
	}
	return chain, nil
}

// EncodeKeyPEM encodes an ECDSA private key to PEM format.
func EncodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// DecodeKeyPEM decodes a PEM-encoded ECDSA private key.
func DecodeKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrInvalidKey
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// LoadCredential reads a provisioned credential's certificate chain and
// private key from a pair of PEM files, the on-disk form cmd/ocdeviced
// expects for device identity and manufacturer credentials.
func LoadCredential(id, device string, usage Usage, chainPath, keyPath string) (Credential, error) {
	chainData, err := os.ReadFile(chainPath)
	if err != nil {
		return Credential{}, err
	}
	chain, err := DecodeCertChainPEM(chainData)
	if err != nil {
		return Credential{}, err
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return Credential{}, err
	}
	key, err := DecodeKeyPEM(keyData)
	if err != nil {
		return Credential{}, err
	}
	return Credential{ID: id, Device: device, Usage: usage, Chain: chain, PrivateKey: key}, nil
}

// LoadTrustAnchor reads a single CA certificate from a PEM file as a
// trust-anchor credential.
func LoadTrustAnchor(id, device, path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}
	cert, err := DecodeCertPEM(data)
	if err != nil {
		return Credential{}, err
	}
	return Credential{ID: id, Device: device, Usage: UsageTrustCA, Chain: []*x509.Certificate{cert}}, nil
}
