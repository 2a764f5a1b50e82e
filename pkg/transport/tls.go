package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ALPNProtocol is the ALPN identifier negotiated on the TLS-over-TCP path.
const ALPNProtocol = "ocsession/1"

// TLSConfig holds configuration for a TLS-over-TCP secure endpoint.
type TLSConfig struct {
	// Certificate is the TLS certificate for this endpoint.
	Certificate tls.Certificate

	// RootCAs is the pool of trusted CA certificates used to verify the
	// peer's certificate.
	RootCAs *x509.CertPool

	// ClientCAs is the pool of CA certificates for client authentication.
	// Only used on the server side to verify client certificates.
	ClientCAs *x509.CertPool

	// ServerName is the expected server name for client connections,
	// used for certificate verification.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool

	// VerifyPeerCertificate is an optional callback for custom certificate verification.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewServerTLSConfig creates a server-side TLS configuration.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}

	tlsConfig := &tls.Config{
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12,
		ClientAuth:             tls.RequireAndVerifyClientCert,
		Certificates:           []tls.Certificate{cfg.Certificate},
		ClientCAs:              cfg.ClientCAs,
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
		VerifyPeerCertificate:  cfg.VerifyPeerCertificate,
	}

	if cfg.InsecureSkipVerify {
		tlsConfig.ClientAuth = tls.RequestClientCert
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// NewClientTLSConfig creates a client-side TLS configuration.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("client certificate is required")
	}

	tlsConfig := &tls.Config{
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12,
		Certificates:           []tls.Certificate{cfg.Certificate},
		RootCAs:                cfg.RootCAs,
		ServerName:             cfg.ServerName,
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
		VerifyPeerCertificate:  cfg.VerifyPeerCertificate,
		InsecureSkipVerify:     cfg.InsecureSkipVerify,
	}

	return tlsConfig, nil
}

// VerifyTLS12 checks that a TLS connection is using TLS 1.2.
func VerifyTLS12(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS12 {
		return fmt.Errorf("TLS version %x is not TLS 1.2 (0x0303)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated ALPN protocol is correct.
func VerifyALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// VerifyConnection performs the standard post-handshake verification:
// TLS version and ALPN protocol.
func VerifyConnection(state tls.ConnectionState) error {
	if err := VerifyTLS12(state); err != nil {
		return err
	}
	return VerifyALPN(state)
}
