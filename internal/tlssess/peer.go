// Package tlssess implements the (D)TLS session engine (C5): per-peer
// handshake pump, ciphersuite selection by ownership state, PSK
// resolution (including PPSK derivation from a PIN), certificate-based
// peer verification, owner-PSK key export, the DTLS inactivity reaper,
// and the peer lifecycle state machine.
//
// The handshake pump is a bounded state machine driven by Step()-style
// calls rather than a single blocking call, so a caller can advance it
// from a non-blocking event loop; golang.org/x/crypto/pbkdf2 derives
// PPSKs, github.com/pion/dtls/v2 backs the UDP-side adapter, and
// crypto/tls backs the TCP-side adapter.
package tlssess

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ocfcore/ocsession/internal/certstore"
	"github.com/ocfcore/ocsession/internal/clock"
	"github.com/ocfcore/ocsession/internal/netutil"
	"github.com/ocfcore/ocsession/pkg/log"
)

// OwnershipState mirrors the device onboarding state that drives
// ciphersuite selection.
type OwnershipState uint8

const (
	RFOTM OwnershipState = iota // Ready For OTM: not yet owned
	RFNOP                       // Ready For Normal Operation: owned
)

// OxmSelect is the owner-transfer method active while in RFOTM.
type OxmSelect uint8

const (
	OxmJustWorks OxmSelect = iota
	OxmPIN
	OxmMfgCert
)

// CiphersuitePriority is an explicit override for the default priority
// list, passed per call to SelectCiphersuites; the engine keeps no
// override state of its own. It has no effect while an RFOTM
// owner-transfer method selects the suite.
type CiphersuitePriority uint8

const (
	PriorityDefault CiphersuitePriority = iota
	PriorityPSK
	PriorityCert
	PriorityCloud
	PriorityAnonECDH
)

// SelectCiphersuites returns the TLS ciphersuite name list to offer,
// chosen deterministically from ownership state.
func SelectCiphersuites(ownership OwnershipState, oxm OxmSelect, override CiphersuitePriority) []string {
	if ownership == RFOTM {
		switch oxm {
		case OxmJustWorks:
			return []string{"TLS_ECDH_anon_WITH_AES_128_CBC_SHA256"}
		case OxmPIN:
			return []string{"TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256"}
		case OxmMfgCert:
			return []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"}
		}
	}

	switch override {
	case PriorityPSK:
		return []string{"TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256", "TLS_PSK_WITH_AES_128_CBC_SHA256"}
	case PriorityCert:
		return []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"}
	case PriorityCloud:
		return []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"}
	case PriorityAnonECDH:
		return []string{"TLS_ECDH_anon_WITH_AES_128_CBC_SHA256"}
	default:
		return []string{
			"TLS_PSK_WITH_AES_128_CBC_SHA256",
			"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
			"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		}
	}
}

// IdentityPrefix is prepended to the 16 raw UUID bytes in the PSK
// identity hint while PIN OTM is active; the receiver strips it before
// credential lookup.
const IdentityPrefix = "oic.sec.doxm.rdp:"

// StripIdentityPrefix removes IdentityPrefix from a PSK identity hint
// if present, returning the bare identity bytes unchanged otherwise.
func StripIdentityPrefix(identity []byte) []byte {
	if bytesHasPrefix(identity, []byte(IdentityPrefix)) {
		return identity[len(IdentityPrefix):]
	}
	return identity
}

func bytesHasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// DerivePPSK derives a pre-provisioned PSK from a human PIN:
// PBKDF2-HMAC-SHA256, 1000 iterations, salt = the 16 device UUID
// bytes, 16-byte output.
func DerivePPSK(pin []byte, deviceUUID [16]byte) []byte {
	return pbkdf2.Key(pin, deviceUUID[:], 1000, 16, sha256.New)
}

// PSKCredential is a known PSK credential, matched against the presented
// identity during the handshake's PSK callback.
type PSKCredential struct {
	Identity []byte
	Key      []byte
}

// ResolvePSK is the PSK callback: search known credentials for the
// (prefix-stripped) presented identity; if none match and the device
// is in RFOTM with PIN OTM active, derive and install a PPSK.
func ResolvePSK(identity []byte, creds []PSKCredential, ownership OwnershipState, oxm OxmSelect, currentPIN []byte, deviceUUID [16]byte) ([]byte, bool) {
	bare := StripIdentityPrefix(identity)
	for _, c := range creds {
		if string(StripIdentityPrefix(c.Identity)) == string(bare) {
			return c.Key, true
		}
	}
	if ownership == RFOTM && oxm == OxmPIN {
		return DerivePPSK(currentPIN, deviceUUID), true
	}
	return nil, false
}

// KeyExport captures the handshake secrets needed to derive an owner
// PSK after a successful handshake.
type KeyExport struct {
	MasterSecret [48]byte
	ClientRandom [32]byte
	ServerRandom [32]byte
}

// DeriveOwnerPSK runs the TLS 1.2 PRF (key-expansion label) over the
// exported secrets to produce outLen bytes, sized by the negotiated
// ciphersuite's (mac,key,iv) requirement.
func DeriveOwnerPSK(export KeyExport, outLen int) []byte {
	seed := append(append([]byte{}, export.ServerRandom[:]...), export.ClientRandom[:]...)
	return tlsPRF(export.MasterSecret[:], []byte("key expansion"), seed, outLen)
}

// tlsPRF implements the TLS 1.2 PRF: P_SHA256(secret, label + seed).
func tlsPRF(secret, label, seed []byte, length int) []byte {
	labelSeed := append(append([]byte{}, label...), seed...)
	return pHash(secret, labelSeed, length)
}

func pHash(secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	a := hmacSHA256(secret, seed)
	for len(out) < length {
		out = append(out, hmacSHA256(secret, append(append([]byte{}, a...), seed...))...)
		a = hmacSHA256(secret, a)
	}
	return out[:length]
}

// PumpResult is the outcome of one handshake pump step.
type PumpResult uint8

const (
	PumpWantRead PumpResult = iota
	PumpWantWrite
	PumpHelloVerifyRequired
	PumpHandshakeOver
	PumpFatal
)

// Handshaker abstracts the underlying (D)TLS library's non-blocking
// handshake step so the engine can pump both crypto/tls (TCP) and
// pion/dtls (UDP) through the same state machine.
type Handshaker interface {
	Step() (PumpResult, error)
	Export() (KeyExport, error)
	Close(sendCloseNotify bool) error
}

// State is a peer's lifecycle state.
type State uint8

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

// Role is which side of the handshake a peer plays.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// Peer is one (D)TLS session, client or server side, UDP (DTLS) or TCP
// (TLS).
type Peer struct {
	ID       string
	Device   string
	Endpoint netutil.Endpoint
	Role     Role
	DTLS     bool

	mu             sync.Mutex
	state          State
	handshaker     Handshaker
	sendQueue      [][]byte
	lastActive     time.Time
	peerUUID       string
	export         KeyExport
	connectedFired bool
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) PeerUUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerUUID
}

// Handshaker returns the peer's underlying Handshaker, so a caller can
// reach its established app-data connection (TCPAdapter.Framer /
// DTLSAdapter.Conn) once the peer reaches StateEstablished.
func (p *Peer) Handshaker() Handshaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaker
}

// Errors returned by Engine operations.
var (
	ErrTooManyPeers       = errors.New("tlssess: MAX_TLS_PEERS exceeded")
	ErrSecondDTLSInRFOTM  = errors.New("tlssess: a second DTLS peer is not allowed in RFOTM")
	ErrPeerNotFound       = errors.New("tlssess: peer not found")
	ErrWildcardNotAllowed = errors.New("tlssess: wildcard Common Name only allowed for manufacturer certificates")
)

// Engine owns every (D)TLS peer for a device process.
type Engine struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	maxPeers int
	ownership OwnershipState

	clockQ          *clock.Queue
	inactivityLimit time.Duration
	certs           *certstore.Store
	logger          log.Logger

	OnSessionConnected    func(p *Peer)
	OnSessionDisconnected func(p *Peer)
}

// NewEngine creates an engine bounded to maxPeers concurrent (D)TLS
// peers, with a DTLS inactivity reaper driven by clockQ.
func NewEngine(maxPeers int, ownership OwnershipState, clockQ *clock.Queue, inactivityLimit time.Duration, certs *certstore.Store, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Engine{
		peers:           make(map[string]*Peer),
		maxPeers:        maxPeers,
		ownership:       ownership,
		clockQ:          clockQ,
		inactivityLimit: inactivityLimit,
		certs:           certs,
		logger:          logger,
	}
}

// CreatePeer registers a new peer. It enforces the MAX_TLS_PEERS bound
// and, in RFOTM, the rule that a second DTLS peer is rejected.
func (e *Engine) CreatePeer(id, device string, ep netutil.Endpoint, role Role, dtls bool, hs Handshaker) (*Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.peers) >= e.maxPeers {
		return nil, ErrTooManyPeers
	}
	if dtls && e.ownership == RFOTM {
		for _, existing := range e.peers {
			if existing.DTLS {
				return nil, ErrSecondDTLSInRFOTM
			}
		}
	}

	p := &Peer{ID: id, Device: device, Endpoint: ep, Role: role, DTLS: dtls, state: StateInit, handshaker: hs, lastActive: time.Now()}
	e.peers[id] = p
	if dtls && e.clockQ != nil {
		e.armReaper(p)
	}
	return p, nil
}

// Send enqueues or writes a message to a peer. Before HandshakeOver it
// appends to the peer's send_queue (deduplicated by pointer identity);
// after, it is the caller's responsibility to drain via DrainQueue.
func (e *Engine) Send(peerID string, data []byte) error {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	e.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEstablished {
		if len(data) > 0 {
			for _, queued := range p.sendQueue {
				if len(queued) > 0 && &queued[0] == &data[0] {
					return nil // already queued, same backing array
				}
			}
		}
		p.sendQueue = append(p.sendQueue, data)
		return nil
	}
	return nil
}

// DrainQueue returns and clears the messages queued while handshaking,
// in FIFO order, once the peer has reached Established.
// Before Established it returns nil and leaves the queue in place.
func (p *Peer) DrainQueue() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateEstablished {
		return nil
	}
	q := p.sendQueue
	p.sendQueue = nil
	return q
}

// Pump advances a peer's handshake by one step.
func (e *Engine) Pump(peerID string) (PumpResult, error) {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	e.mu.Unlock()
	if !ok {
		return PumpFatal, ErrPeerNotFound
	}

	p.mu.Lock()
	if p.state == StateInit {
		p.state = StateHandshaking
	}
	p.mu.Unlock()

	result, err := p.handshaker.Step()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActive = time.Now()

	switch result {
	case PumpHandshakeOver:
		wasEstablished := p.state == StateEstablished
		p.state = StateEstablished
		if exp, exportErr := p.handshaker.Export(); exportErr == nil {
			p.export = exp
		}
		if !wasEstablished && !p.connectedFired {
			p.connectedFired = true
			e.logState(p, "HANDSHAKING", "ESTABLISHED")
			if e.OnSessionConnected != nil {
				e.OnSessionConnected(p)
			}
		}
	case PumpFatal:
		p.state = StateClosing
	}

	return result, err
}

// SetPeerUUID records the UUID extracted from the peer's leaf
// certificate (depth 0) once verified.
func (p *Peer) SetPeerUUID(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerUUID = uuid
}

// ClosePeer sends close-notify (twice for DTLS), then frees the peer.
func (e *Engine) ClosePeer(peerID string) error {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	if ok {
		delete(e.peers, peerID)
	}
	e.mu.Unlock()
	if !ok {
		return nil // close on an already-freed peer is a no-op
	}
	return e.closePeer(p)
}

func (e *Engine) closePeer(p *Peer) error {
	p.mu.Lock()
	wasEstablished := p.state == StateEstablished
	p.state = StateClosing
	p.mu.Unlock()

	if p.handshaker != nil {
		p.handshaker.Close(true)
		if p.DTLS {
			p.handshaker.Close(true) // second close-notify
		}
	}

	p.mu.Lock()
	p.state = StateFreed
	p.mu.Unlock()

	e.logState(p, "ESTABLISHED", "FREED")
	if wasEstablished && e.OnSessionDisconnected != nil {
		e.OnSessionDisconnected(p)
	}
	return nil
}

// CloseAllForDevice tears down every peer belonging to device. The
// iteration snapshots IDs first so it is safe against concurrent
// removal.
func (e *Engine) CloseAllForDevice(device string) {
	e.mu.Lock()
	var ids []string
	for id, p := range e.peers {
		if p.Device == device {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.ClosePeer(id)
	}
}

// CloseAll tears down every peer in the engine.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.ClosePeer(id)
	}
}

// PeerCount returns the number of live peers.
func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// Peer returns a peer by ID.
func (e *Engine) Peer(peerID string) (*Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peerID]
	return p, ok
}

// armReaper schedules the DTLS inactivity check for peer p.
func (e *Engine) armReaper(p *Peer) {
	e.clockQ.Schedule("reaper:"+p.ID, func(now time.Time) clock.Result {
		p.mu.Lock()
		idle := now.Sub(p.lastActive)
		freed := p.state == StateFreed
		p.mu.Unlock()
		if freed {
			return clock.Done
		}
		if idle >= e.inactivityLimit {
			e.ClosePeer(p.ID)
			return clock.Done
		}
		return clock.Continue
	}, e.inactivityLimit)
}

func (e *Engine) logState(p *Peer, oldState, newState string) {
	e.logger.Log(log.Event{
		Layer:      log.LayerSecure,
		Category:   log.CategoryState,
		DeviceID:   p.Device,
		RemoteAddr: p.Endpoint.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTLSPeer,
			OldState: oldState,
			NewState: newState,
		},
	})
}

// ExtractPeerUUID extracts the peer UUID from a certificate's Common
// Name. A wildcard "*" is only accepted when allowWildcard is true
// (manufacturer certificates only).
func ExtractPeerUUID(cert *x509.Certificate, allowWildcard bool) (string, error) {
	if cert == nil {
		return "", errors.New("tlssess: nil certificate")
	}
	cn := cert.Subject.CommonName
	if cn == "*" {
		if !allowWildcard {
			return "", ErrWildcardNotAllowed
		}
		return "*", nil
	}
	if cn == "" {
		return "", errors.New("tlssess: certificate has no CommonName")
	}
	return cn, nil
}

// VerifyAgainstTrustAnchors locates a trust-anchor credential whose
// subjectuuid matches the peer UUID (or the wildcard).
func VerifyAgainstTrustAnchors(store *certstore.Store, peerUUID string) (*x509.Certificate, error) {
	if cert, ok := store.FindTrustAnchorBySubjectUUID(peerUUID); ok {
		return cert, nil
	}
	return nil, errors.New("tlssess: no trust anchor matches peer UUID " + peerUUID)
}

// publicKeyOf extracts the raw public key from a certificate, used
// after UUID extraction at handshake depth 0.
func publicKeyOf(cert *x509.Certificate) (*ecdsa.PublicKey, bool) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	return pub, ok
}

// VerifyCallback builds the VerifyPeerCertificate callback
// crypto/tls and pion/dtls both invoke with the peer's raw
// certificate chain at the end of the handshake: it extracts the
// peer UUID from the leaf's CommonName, locates the matching
// trust-anchor credential, and rejects the handshake unless the
// leaf's public key matches the pinned anchor's -- a UUID alone
// would let any certificate claiming that CommonName through.
// onVerified, if non-nil, is called with the extracted UUID once
// verification succeeds, so the caller can record it on the Peer
// once one exists.
func VerifyCallback(store *certstore.Store, allowWildcard bool, onVerified func(peerUUID string)) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tlssess: peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errors.New("tlssess: parsing peer certificate: " + err.Error())
		}
		peerUUID, err := ExtractPeerUUID(leaf, allowWildcard)
		if err != nil {
			return err
		}
		anchor, err := VerifyAgainstTrustAnchors(store, peerUUID)
		if err != nil {
			return err
		}
		leafKey, ok := publicKeyOf(leaf)
		if !ok {
			return errors.New("tlssess: peer certificate has no ECDSA public key")
		}
		anchorKey, ok := publicKeyOf(anchor)
		if !ok {
			return errors.New("tlssess: trust anchor has no ECDSA public key")
		}
		if !leafKey.Equal(anchorKey) {
			return errors.New("tlssess: peer certificate key does not match pinned trust anchor for " + peerUUID)
		}
		if onVerified != nil {
			onVerified(peerUUID)
		}
		return nil
	}
}
