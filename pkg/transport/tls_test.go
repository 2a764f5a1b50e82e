package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"slices"
	"testing"
	"time"
)

// generateTestCertificate creates a self-signed certificate for testing.
func generateTestCertificate(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "test.local",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
		Leaf:        cert,
	}, cert
}

// generateCAAndCert creates a CA and a certificate signed by that CA.
func generateCAAndCert(t *testing.T, cn string) (caCert *x509.Certificate, caKey *ecdsa.PrivateKey, tlsCert tls.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "Test Trust Anchor",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA cert: %v", err)
	}
	caCert, err = x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("failed to parse CA cert: %v", err)
	}

	eeKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate leaf key: %v", err)
	}

	eeTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	eeCertDER, err := x509.CreateCertificate(rand.Reader, eeTemplate, caCert, &eeKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create leaf cert: %v", err)
	}
	eeCert, err := x509.ParseCertificate(eeCertDER)
	if err != nil {
		t.Fatalf("failed to parse leaf cert: %v", err)
	}

	tlsCert = tls.Certificate{
		Certificate: [][]byte{eeCertDER},
		PrivateKey:  eeKey,
		Leaf:        eeCert,
	}

	return caCert, caKey, tlsCert
}

func TestNewServerTLSConfig(t *testing.T) {
	cert, _ := generateTestCertificate(t)

	config := &TLSConfig{Certificate: cert}

	tlsConfig, err := NewServerTLSConfig(config)
	if err != nil {
		t.Fatalf("NewServerTLSConfig failed: %v", err)
	}

	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, tls.VersionTLS12)
	}

	wantProtos := []string{ALPNProtocol}
	if !slices.Equal(tlsConfig.NextProtos, wantProtos) {
		t.Errorf("NextProtos = %v, want %v", tlsConfig.NextProtos, wantProtos)
	}

	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsConfig.ClientAuth)
	}
}

func TestNewServerTLSConfigNoCert(t *testing.T) {
	config := &TLSConfig{}

	_, err := NewServerTLSConfig(config)
	if err == nil {
		t.Error("expected error for missing certificate")
	}
}

func TestNewClientTLSConfig(t *testing.T) {
	cert, caCert := generateTestCertificate(t)

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	config := &TLSConfig{
		Certificate: cert,
		RootCAs:     caPool,
	}

	tlsConfig, err := NewClientTLSConfig(config)
	if err != nil {
		t.Fatalf("NewClientTLSConfig failed: %v", err)
	}

	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, tls.VersionTLS12)
	}

	wantProtos := []string{ALPNProtocol}
	if !slices.Equal(tlsConfig.NextProtos, wantProtos) {
		t.Errorf("NextProtos = %v, want %v", tlsConfig.NextProtos, wantProtos)
	}

	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates length = %d, want 1", len(tlsConfig.Certificates))
	}
}

func TestNewClientTLSConfigNoCert(t *testing.T) {
	config := &TLSConfig{}

	_, err := NewClientTLSConfig(config)
	if err == nil {
		t.Error("expected error for missing certificate")
	}
}

func TestVerifyConnectionValid(t *testing.T) {
	state := tls.ConnectionState{
		Version:            tls.VersionTLS12,
		NegotiatedProtocol: ALPNProtocol,
	}

	if err := VerifyConnection(state); err != nil {
		t.Errorf("VerifyConnection failed for valid state: %v", err)
	}
}

func TestVerifyConnectionWrongVersion(t *testing.T) {
	state := tls.ConnectionState{
		Version:            tls.VersionTLS13,
		NegotiatedProtocol: ALPNProtocol,
	}

	if err := VerifyConnection(state); err == nil {
		t.Error("expected error for TLS 1.3")
	}
}

func TestVerifyConnectionWrongALPN(t *testing.T) {
	state := tls.ConnectionState{
		Version:            tls.VersionTLS12,
		NegotiatedProtocol: "http/1.1",
	}

	if err := VerifyConnection(state); err == nil {
		t.Error("expected error for wrong ALPN")
	}
}

func TestVerifyConnectionNoALPN(t *testing.T) {
	state := tls.ConnectionState{
		Version:            tls.VersionTLS12,
		NegotiatedProtocol: "",
	}

	if err := VerifyConnection(state); err == nil {
		t.Error("expected error for no ALPN")
	}
}

func TestVerifyConnectionMutualTLS(t *testing.T) {
	cert, _ := generateTestCertificate(t)
	parsedCert, _ := x509.ParseCertificate(cert.Certificate[0])

	state := tls.ConnectionState{
		Version:            tls.VersionTLS12,
		NegotiatedProtocol: ALPNProtocol,
		PeerCertificates:   []*x509.Certificate{parsedCert},
	}

	if err := VerifyConnection(state); err != nil {
		t.Errorf("VerifyConnection failed with peer cert: %v", err)
	}
}

func TestALPNProtocol(t *testing.T) {
	if ALPNProtocol != "ocsession/1" {
		t.Errorf("ALPNProtocol = %s, want ocsession/1", ALPNProtocol)
	}
}

func TestVerifyALPN_AcceptsCurrentVersion(t *testing.T) {
	state := tls.ConnectionState{NegotiatedProtocol: ALPNProtocol}
	if err := VerifyALPN(state); err != nil {
		t.Errorf("VerifyALPN should accept %s: %v", ALPNProtocol, err)
	}
}

func TestVerifyALPN_RejectsUnknownProtocol(t *testing.T) {
	state := tls.ConnectionState{NegotiatedProtocol: "http/1.1"}
	if err := VerifyALPN(state); err == nil {
		t.Error("VerifyALPN should reject http/1.1")
	}
}

func TestVerifyALPN_RejectsEmptyProtocol(t *testing.T) {
	state := tls.ConnectionState{NegotiatedProtocol: ""}
	if err := VerifyALPN(state); err == nil {
		t.Error("VerifyALPN should reject empty protocol")
	}
}

// TestMutualTLSHandshakeSucceeds drives an actual TCP+TLS handshake
// between NewServerTLSConfig/NewClientTLSConfig, using a single shared
// trust anchor for both sides -- the same setup tcpsess/tlssess build
// on top of via TCPAdapter.
func TestMutualTLSHandshakeSucceeds(t *testing.T) {
	sharedCA, sharedCAKey, controllerCert := generateCAAndCert(t, "controller-123")

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate device key: %v", err)
	}
	deviceTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			CommonName: "device-456",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	deviceCertDER, err := x509.CreateCertificate(rand.Reader, deviceTemplate, sharedCA, &deviceKey.PublicKey, sharedCAKey)
	if err != nil {
		t.Fatalf("failed to create device cert: %v", err)
	}
	deviceCertParsed, _ := x509.ParseCertificate(deviceCertDER)
	deviceCert := tls.Certificate{
		Certificate: [][]byte{deviceCertDER},
		PrivateKey:  deviceKey,
		Leaf:        deviceCertParsed,
	}

	caPool := x509.NewCertPool()
	caPool.AddCert(sharedCA)

	serverConfig, err := NewServerTLSConfig(&TLSConfig{
		Certificate: deviceCert,
		ClientCAs:   caPool,
	})
	if err != nil {
		t.Fatalf("NewServerTLSConfig() error = %v", err)
	}

	clientConfig, err := NewClientTLSConfig(&TLSConfig{
		Certificate: controllerCert,
		RootCAs:     caPool,
		ServerName:  "localhost",
	})
	if err != nil {
		t.Fatalf("NewClientTLSConfig() error = %v", err)
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	if err != nil {
		t.Fatalf("failed to create TLS listener: %v", err)
	}
	defer listener.Close()

	serverDone := make(chan error, 1)
	var serverPeerCerts []*x509.Certificate
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.Handshake(); err != nil {
			serverDone <- err
			return
		}
		serverPeerCerts = tlsConn.ConnectionState().PeerCertificates
		serverDone <- nil
	}()

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
	if err != nil {
		t.Fatalf("client TLS dial failed: %v", err)
	}
	defer conn.Close()

	clientState := conn.ConnectionState()
	if len(clientState.PeerCertificates) == 0 {
		t.Error("client should have received server's certificate")
	}
	if clientState.PeerCertificates[0].Subject.CommonName != "device-456" {
		t.Errorf("client peer cert CN = %q, want %q",
			clientState.PeerCertificates[0].Subject.CommonName, "device-456")
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}
	if len(serverPeerCerts) == 0 {
		t.Error("server should have received client's certificate")
	}
	if serverPeerCerts[0].Subject.CommonName != "controller-123" {
		t.Errorf("server peer cert CN = %q, want %q",
			serverPeerCerts[0].Subject.CommonName, "controller-123")
	}
}

// TestMutualTLSRejectsWrongAnchor verifies a client rejects a server
// certificate signed by a CA it doesn't trust.
func TestMutualTLSRejectsWrongAnchor(t *testing.T) {
	anchorA, _, controllerCert := generateCAAndCert(t, "controller-123")
	anchorB, anchorBKey, _ := generateCAAndCert(t, "unused")

	deviceKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	deviceTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			CommonName: "device-456",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	deviceCertDER, _ := x509.CreateCertificate(rand.Reader, deviceTemplate, anchorB, &deviceKey.PublicKey, anchorBKey)
	deviceCertParsed, _ := x509.ParseCertificate(deviceCertDER)
	deviceCert := tls.Certificate{
		Certificate: [][]byte{deviceCertDER},
		PrivateKey:  deviceKey,
		Leaf:        deviceCertParsed,
	}

	poolA := x509.NewCertPool()
	poolA.AddCert(anchorA)
	poolB := x509.NewCertPool()
	poolB.AddCert(anchorB)

	serverConfig, _ := NewServerTLSConfig(&TLSConfig{
		Certificate: deviceCert,
		ClientCAs:   poolB,
	})

	clientConfig, _ := NewClientTLSConfig(&TLSConfig{
		Certificate: controllerCert,
		RootCAs:     poolA, // wrong anchor: device cert was signed by anchorB
		ServerName:  "localhost",
	})

	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	if err != nil {
		t.Fatalf("failed to create TLS listener: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
	if err == nil {
		conn.Close()
		t.Error("TLS handshake should fail when certificates are from different trust anchors")
	}
}
