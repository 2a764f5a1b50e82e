package tlssess

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"

	"github.com/pion/dtls/v2"
)

// DTLSAdapter is the Handshaker implementation for the UDP/DTLS path,
// built on github.com/pion/dtls/v2 the way TCPAdapter is built on
// crypto/tls: pion's Conn.HandshakeContext blocks, so Step kicks it off
// on its own goroutine the first call and polls a done channel on every
// subsequent call.
type DTLSAdapter struct {
	conn *dtls.Conn

	mu      sync.Mutex
	started bool
	done    chan error
}

// PSKConfig carries the PSK callback and identity hint a DTLS handshake
// needs while ownership state selects the PSK ciphersuite family
// (the PIN/JustWorks RFOTM path).
type PSKConfig struct {
	IdentityHint []byte
	Resolve      func(hint []byte) ([]byte, error)
}

// CertConfig carries the certificate and verification callback a DTLS
// handshake needs while ownership state selects the certificate
// ciphersuite family (the MfgCert RFOTM / RFNOP path).
type CertConfig struct {
	Certificate           tls.Certificate
	RootCAs               *x509.CertPool
	ClientCAs             *x509.CertPool
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
	InsecureSkipVerify    bool
}

// buildConfig assembles a *dtls.Config from whichever credential kinds
// are non-nil; when both psk and cert are given, both the PSK and the
// certificate fields are set. pion/dtls offers PSK or certificate
// suites based on which fields are populated, so this adapter doesn't
// need to restate the explicit TLS_* ciphersuite name list a second
// time in pion's own enum.
func buildConfig(psk *PSKConfig, cert *CertConfig) *dtls.Config {
	cfg := &dtls.Config{}
	if psk != nil {
		cfg.PSK = psk.Resolve
		cfg.PSKIdentityHint = psk.IdentityHint
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{cert.Certificate}
		cfg.RootCAs = cert.RootCAs
		cfg.ClientCAs = cert.ClientCAs
		cfg.VerifyPeerCertificate = cert.VerifyPeerCertificate
		cfg.InsecureSkipVerify = cert.InsecureSkipVerify
		if cert.ClientCAs != nil {
			cfg.ClientAuth = dtls.RequireAndVerifyClientCert
		}
	}
	return cfg
}

// NewDTLSClientAdapter dials rawConn (already a connected UDP socket)
// as a DTLS client. Exactly one of psk or cert should be non-nil,
// matching the single ciphersuite family the handshake-start selection
// picks.
func NewDTLSClientAdapter(rawConn net.Conn, psk *PSKConfig, cert *CertConfig) (*DTLSAdapter, error) {
	conn, err := dtls.Client(rawConn, buildConfig(psk, cert))
	if err != nil {
		return nil, err
	}
	return &DTLSAdapter{conn: conn}, nil
}

// NewDTLSServerAdapter wraps an accepted per-peer UDP conn as a DTLS
// server. Server-side demultiplexing of one listening UDP socket into
// per-peer net.Conn values (pion's transport/v2 udp.Listener) is the
// caller's concern; this adapter only drives the handshake once that
// per-peer conn exists, the same division of labor tcpsess.Engine uses
// between net.Listener.Accept and Engine.Accept.
func NewDTLSServerAdapter(rawConn net.Conn, psk *PSKConfig, cert *CertConfig) (*DTLSAdapter, error) {
	conn, err := dtls.Server(rawConn, buildConfig(psk, cert))
	if err != nil {
		return nil, err
	}
	return &DTLSAdapter{conn: conn}, nil
}

// Step advances the handshake. HelloVerifyRequired is pion/dtls's
// internal cookie-exchange retry and isn't surfaced past the library's
// own HandshakeContext, so this adapter only ever reports
// WantRead/HandshakeOver/Fatal -- same taxonomy TCPAdapter reports,
// narrower than the Peer state machine's full PumpResult set.
func (a *DTLSAdapter) Step() (PumpResult, error) {
	a.mu.Lock()
	if !a.started {
		a.started = true
		a.done = make(chan error, 1)
		go func() {
			a.done <- a.conn.HandshakeContext(context.Background())
		}()
	}
	done := a.done
	a.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return PumpFatal, err
		}
		return PumpHandshakeOver, nil
	default:
		return PumpWantRead, nil
	}
}

// Export captures the handshake's exported keying material in place of
// the raw master-secret/client-random/server-random tuple, the same
// RFC 5705 stand-in TCPAdapter.Export uses.
func (a *DTLSAdapter) Export() (KeyExport, error) {
	material, err := a.conn.ExportKeyingMaterial("ocsession owner-psk export", nil, 48+32+32)
	if err != nil {
		return KeyExport{}, err
	}
	var export KeyExport
	copy(export.MasterSecret[:], material[:48])
	copy(export.ClientRandom[:], material[48:80])
	copy(export.ServerRandom[:], material[80:112])
	return export, nil
}

// Conn returns the underlying DTLS connection for post-handshake
// datagram I/O. Each Read returns exactly one decrypted record, so the
// caller needs no separate framing layer the way the TCP path does.
func (a *DTLSAdapter) Conn() net.Conn {
	return a.conn
}

// Close closes the DTLS association through pion/dtls's Conn.Close,
// which sends the closure alert itself. sendCloseNotify is not
// consulted: every call, including the second one Engine.ClosePeer
// makes for DTLS peers, goes straight to Conn.Close.
func (a *DTLSAdapter) Close(sendCloseNotify bool) error {
	return a.conn.Close()
}
