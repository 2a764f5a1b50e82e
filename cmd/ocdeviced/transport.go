package main

import (
	"crypto/x509"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	pionudp "github.com/pion/transport/v2/udp"

	"github.com/ocfcore/ocsession/internal/eventloop"
	"github.com/ocfcore/ocsession/internal/msgpool"
	"github.com/ocfcore/ocsession/internal/netutil"
	"github.com/ocfcore/ocsession/internal/tcpsess"
	"github.com/ocfcore/ocsession/internal/tlssess"
	"github.com/ocfcore/ocsession/pkg/log"
	"github.com/ocfcore/ocsession/pkg/transport"
)

// device bundles the secure-transport-core engines for one device
// process, plus everything needed to build handshakers for new peers.
type device struct {
	deviceID   string
	deviceUUID [16]byte

	ownership tlssess.OwnershipState
	oxm       tlssess.OxmSelect
	pin       []byte

	id *identity

	tcp  *tcpsess.Engine
	tls  *tlssess.Engine
	loop *eventloop.Loop
	pool *msgpool.Pool

	logger log.Logger
}

// serveTCP accepts inbound TCP connections on addr, wraps each as a TLS
// server peer, and drives its handshake.
func (d *device) serveTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.acceptTCPConn(conn)
		}
	}()

	return ln, nil
}

func (d *device) acceptTCPConn(conn net.Conn) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	ep, err := netutil.FromTCPAddr(tcpAddr, true, true, 0)
	if err != nil {
		conn.Close()
		return
	}

	if err := d.tcp.Accept(d.deviceID, ep, conn); err != nil {
		conn.Close()
		return
	}

	peerID := uuid.NewString()
	cfg := d.tlsConfigFor(false, peerID)
	adapter, err := tlssess.NewTCPServerAdapter(conn, cfg)
	if err != nil {
		d.tcp.Close(ep)
		return
	}

	d.createAndDrivePeer(peerID, ep, tlssess.RoleServer, false, adapter)
}

// dialTCP opens an outbound TLS connection to addr as a client,
// exercising the tcpsess connect/retry path.
func (d *device) dialTCP(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", addr, err)
	}
	ep, err := netutil.FromTCPAddr(tcpAddr, true, false, 0)
	if err != nil {
		return err
	}

	policy := tcpsess.RetryPolicy{MaxCount: 3, Timeout: 5 * time.Second}
	_, err = d.tcp.Connect(d.deviceID, ep, policy)
	return err
}

// onTCPConnected is invoked by tcpsess once a session this device
// originated (via dialTCP) becomes active; it starts the TLS client
// handshake over the now-established connection.
func (d *device) onTCPConnected(devID string, ep netutil.Endpoint) {
	sess, ok := d.tcp.Session(ep)
	if !ok || sess.Conn == nil || ep.Accepted {
		return
	}
	peerID := uuid.NewString()
	cfg := d.tlsConfigFor(true, peerID)
	adapter, err := tlssess.NewTCPClientAdapter(sess.Conn, cfg)
	if err != nil {
		d.tcp.Close(ep)
		return
	}
	d.createAndDrivePeer(peerID, ep, tlssess.RoleClient, false, adapter)
}

func (d *device) tlsConfigFor(client bool, peerID string) *transport.TLSConfig {
	cfg := &transport.TLSConfig{
		InsecureSkipVerify: !d.id.haveCert,
	}
	if d.id.haveCert {
		cfg.Certificate = d.id.tlsCert
	}
	if client {
		cfg.RootCAs = d.id.anchorPool
	} else {
		cfg.ClientCAs = d.id.anchorPool
	}
	if d.id.anchorPool != nil {
		cfg.VerifyPeerCertificate = d.verifyPeerCallback(peerID)
	}
	return cfg
}

// verifyPeerCallback binds tlssess.VerifyCallback's trust-anchor check
// to this device's store and records the verified UUID on peerID's
// Peer once the handshake has registered one -- the callback fires
// from inside crypto/tls's/pion's own handshake goroutine, which by
// construction always runs after createAndDrivePeer has called
// CreatePeer for peerID.
func (d *device) verifyPeerCallback(peerID string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	allowWildcard := d.oxm == tlssess.OxmMfgCert
	return tlssess.VerifyCallback(d.id.store, allowWildcard, func(peerUUID string) {
		if p, ok := d.tls.Peer(peerID); ok {
			p.SetPeerUUID(peerUUID)
		}
	})
}

// serveDTLS accepts inbound UDP associations on addr, demultiplexed by
// pion/transport's udp.Listener into one net.Conn per peer address, and
// wraps each as a DTLS server peer.
func (d *device) serveDTLS(addr string, pskCreds []tlssess.PSKCredential) (net.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	ln, err := pionudp.Listen("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.acceptDTLSConn(conn, pskCreds)
		}
	}()

	return ln, nil
}

func (d *device) acceptDTLSConn(conn net.Conn, pskCreds []tlssess.PSKCredential) {
	udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return
	}
	addr, ok2 := netip.AddrFromSlice(udpAddr.IP)
	if !ok2 {
		conn.Close()
		return
	}
	ap := netip.AddrPortFrom(addr.Unmap(), uint16(udpAddr.Port))
	ep := netutil.FromAddrPort(ap, false, true, true, 0)

	peerID := uuid.NewString()
	psk := &tlssess.PSKConfig{
		IdentityHint: []byte(d.deviceID),
		Resolve:      pskResolver(d.ownership, d.oxm, d.pin, d.deviceUUID, pskCreds),
	}
	var cert *tlssess.CertConfig
	if d.id.haveCert {
		cert = &tlssess.CertConfig{Certificate: d.id.tlsCert, RootCAs: d.id.anchorPool, ClientCAs: d.id.anchorPool}
		if d.id.anchorPool != nil {
			cert.VerifyPeerCertificate = d.verifyPeerCallback(peerID)
		}
	}

	adapter, err := tlssess.NewDTLSServerAdapter(conn, psk, cert)
	if err != nil {
		conn.Close()
		return
	}

	d.createAndDrivePeer(peerID, ep, tlssess.RoleServer, true, adapter)
}

func (d *device) createAndDrivePeer(peerID string, ep netutil.Endpoint, role tlssess.Role, dtls bool, hs tlssess.Handshaker) {
	if _, err := d.tls.CreatePeer(peerID, d.deviceID, ep, role, dtls, hs); err != nil {
		d.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: peerID,
			Layer:        log.LayerSecure,
			Category:     log.CategoryError,
			RemoteAddr:   ep.String(),
			DeviceID:     d.deviceID,
			Error: &log.ErrorEventData{
				Layer:   log.LayerSecure,
				Message: err.Error(),
				Context: "create_peer",
			},
		})
		return
	}
	go d.driveHandshake(peerID)
}

// driveHandshake repeatedly requests a pump for peerID until its
// handshake resolves. crypto/tls and pion/dtls each run the blocking
// handshake on their own goroutine behind a done channel, so there is
// no socket-readability event to wait on here; polling at a short,
// fixed interval is the simplest caller that never touches engine state
// directly, matching the wakeup-channel contract eventloop.Loop
// specifies for readers.
func (d *device) driveHandshake(peerID string) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.Now().Add(30 * time.Second)
	for range ticker.C {
		p, ok := d.tls.Peer(peerID)
		if !ok {
			return
		}
		d.loop.RequestPump(peerID)
		switch p.State() {
		case tlssess.StateEstablished:
			d.flushQueuedApplicationData(p)
			go d.readMessages(peerID, p)
			return
		case tlssess.StateClosing, tlssess.StateFreed:
			return
		}
		if time.Now().After(deadline) {
			d.tls.ClosePeer(peerID)
			return
		}
	}
}

// SendApplicationData writes data to peerID's connection once its
// handshake has completed, or queues it via tlssess.Engine.Send
// otherwise -- the caller never has to track a peer's handshake state
// itself, matching the non-blocking contract the rest of the engines
// give callers.
func (d *device) SendApplicationData(peerID string, data []byte) error {
	p, ok := d.tls.Peer(peerID)
	if !ok {
		return tlssess.ErrPeerNotFound
	}
	if p.State() != tlssess.StateEstablished {
		return d.tls.Send(peerID, data)
	}
	return d.writeApplicationData(p, data)
}

// flushQueuedApplicationData writes out everything SendApplicationData
// queued while p was still handshaking, in enqueue order, right after
// driveHandshake observes StateEstablished.
func (d *device) flushQueuedApplicationData(p *tlssess.Peer) {
	for _, data := range p.DrainQueue() {
		if err := d.writeApplicationData(p, data); err != nil {
			d.logger.Log(log.Event{
				Timestamp:    time.Now(),
				ConnectionID: p.ID,
				Direction:    log.DirectionOut,
				Layer:        log.LayerSecure,
				Category:     log.CategoryError,
				RemoteAddr:   p.Endpoint.String(),
				DeviceID:     d.deviceID,
				Error: &log.ErrorEventData{
					Layer:   log.LayerSecure,
					Message: err.Error(),
					Context: "flush_queued_application_data",
				},
			})
			return
		}
	}
}

func (d *device) writeApplicationData(p *tlssess.Peer, data []byte) error {
	switch hs := p.Handshaker().(type) {
	case *tlssess.TCPAdapter:
		return hs.Framer.WriteFrame(data)
	case *tlssess.DTLSAdapter:
		_, err := hs.Conn().Write(data)
		return err
	default:
		return fmt.Errorf("ocdeviced: peer %s has no established connection handshaker", p.ID)
	}
}

// readMessages pulls established app-data off peerID's connection into
// pool-allocated messages until the peer closes. The TCP path reads
// length-prefixed frames through the adapter's Framer; the DTLS path
// reads one decrypted datagram per Read, since DTLS records are already
// message-bounded.
func (d *device) readMessages(peerID string, p *tlssess.Peer) {
	switch hs := p.Handshaker().(type) {
	case *tlssess.TCPAdapter:
		for {
			data, err := hs.Framer.ReadFrame()
			if err != nil {
				d.tls.ClosePeer(peerID)
				return
			}
			d.deliver(peerID, p, data)
		}
	case *tlssess.DTLSAdapter:
		buf := make([]byte, msgpool.MaxPDU)
		for {
			n, err := hs.Conn().Read(buf)
			if err != nil {
				d.tls.ClosePeer(peerID)
				return
			}
			d.deliver(peerID, p, buf[:n])
		}
	}
}

// deliver copies data into a pool-allocated Message and logs it. A full
// pool drops the message rather than growing or blocking, matching
// msgpool.Pool.Allocate's no-wait contract.
func (d *device) deliver(peerID string, p *tlssess.Peer, data []byte) {
	msg, ok := d.pool.Allocate()
	if !ok {
		d.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: peerID,
			Layer:        log.LayerSecure,
			Category:     log.CategoryError,
			RemoteAddr:   p.Endpoint.String(),
			DeviceID:     d.deviceID,
			Error: &log.ErrorEventData{
				Layer:   log.LayerSecure,
				Message: "message pool exhausted",
				Context: "deliver",
			},
		})
		return
	}
	msg.Data = append(msg.Data[:0], data...)
	msg.Endpoint = p.Endpoint

	d.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: peerID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerSecure,
		Category:     log.CategoryMessage,
		RemoteAddr:   p.Endpoint.String(),
		DeviceID:     d.deviceID,
		Frame:        &log.FrameEvent{Size: len(msg.Data)},
	})

	msg.Unref()
}
