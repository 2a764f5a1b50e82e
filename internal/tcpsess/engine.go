// Package tcpsess implements the TCP connection engine (C4): a
// non-blocking connect/accept/send state machine that keeps at
// most one active and one waiting session per endpoint, queues outbound
// messages while waiting, and retries failed connects on a bounded
// schedule without ever blocking the caller. The engine does not read
// from session sockets and never calls OnMessage itself.
//
// The connect itself is driven from a background goroutine per attempt
// whose result is only observed -- and only ever mutates engine state
// -- from Poll, so that the rest of the secure transport core's
// single-threaded cooperative event loop never races with in-flight
// dials: a separate network goroutine (if any) communicates with the
// loop solely through channels, never by touching session state
// directly.
package tcpsess

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ocfcore/ocsession/internal/netutil"
	"github.com/ocfcore/ocsession/pkg/log"
)

// SessionState is the lifecycle state of a TCP session.
type SessionState uint8

const (
	// SessionWaiting is a session whose connect is still retrying;
	// outbound messages are queued rather than sent.
	SessionWaiting SessionState = iota
	// SessionActive has an established, writable connection.
	SessionActive
	// SessionClosing has begun teardown but not yet released resources.
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionWaiting:
		return "WAITING"
	case SessionActive:
		return "ACTIVE"
	case SessionClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by Engine operations.
var (
	ErrSessionExists    = errors.New("tcpsess: active or waiting session already exists for endpoint")
	ErrSessionNotFound  = errors.New("tcpsess: no session for endpoint")
	ErrRetryExhausted   = errors.New("tcpsess: connect retry count exhausted")
	ErrAcceptedEndpoint = errors.New("tcpsess: refusing to dial an accepted connection")
)

// ConnectResult classifies the outcome of a Connect call: a fresh dial
// versus a session that already exists, and (for an existing session)
// whether it is already Active or still Waiting -- so a caller can
// distinguish "already connected" from "already connecting" instead of
// treating both as one generic duplicate-endpoint error.
type ConnectResult uint8

const (
	// ConnectConnecting is a freshly started, still in-flight dial.
	ConnectConnecting ConnectResult = iota
	// ConnectConnected is a dial that completed synchronously. The
	// current dialer always completes off-engine on its own goroutine,
	// so Connect never returns this today; it exists so the taxonomy
	// and any future synchronous dial path have a result to report.
	ConnectConnected
	// ConnectExistsConnected means a session for this endpoint already
	// exists and is Active.
	ConnectExistsConnected
	// ConnectExistsConnecting means a session for this endpoint already
	// exists and is still Waiting on its connect.
	ConnectExistsConnecting
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectConnecting:
		return "CONNECTING"
	case ConnectConnected:
		return "CONNECTED"
	case ConnectExistsConnected:
		return "EXISTS_CONNECTED"
	case ConnectExistsConnecting:
		return "EXISTS_CONNECTING"
	default:
		return "UNKNOWN"
	}
}

// RetryPolicy bounds non-blocking connect retries.
type RetryPolicy struct {
	MaxCount int
	Timeout  time.Duration
}

// DialFunc opens a TCP connection to an endpoint. Swappable in tests to
// simulate refused/accepted connections without a real socket.
type DialFunc func(ctx context.Context, ep netutil.Endpoint, timeout time.Duration) (net.Conn, error)

func defaultDial(ctx context.Context, ep netutil.Endpoint, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(dctx, "tcp", ep.TCPAddr().String())
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

// Session is one TCP connection (or connection attempt) to an endpoint.
type Session struct {
	Device   string
	Endpoint netutil.Endpoint
	State    SessionState
	Conn     net.Conn

	policy            RetryPolicy
	attempt           int
	sendQueue         [][]byte
	resultCh          chan dialOutcome
	notifiedConnected bool
}

// RetryCount is the number of retries so far (zero on the first
// attempt, matching scenario S3's "final retry_count = 2" after success
// on the third attempt).
func (s *Session) RetryCount() int {
	if s.attempt == 0 {
		return 0
	}
	return s.attempt - 1
}

// Engine owns every active/waiting TCP session, keyed by endpoint. All
// state mutation happens while holding mu, and only from Poll or the
// methods below; the per-attempt dial itself runs off-engine on its own
// goroutine and reports back through a channel Poll drains.
type Engine struct {
	mu       sync.Mutex
	sessions map[netutil.Key]*Session
	freeAsync []*Session

	dial   DialFunc
	logger log.Logger

	OnConnected    func(device string, ep netutil.Endpoint)
	OnDisconnected func(device string, ep netutil.Endpoint)
	OnMessage      func(device string, ep netutil.Endpoint, data []byte)
}

// New creates an engine. dial may be nil to use a real net.Dialer;
// logger may be nil to disable logging.
func New(dial DialFunc, logger log.Logger) *Engine {
	if dial == nil {
		dial = defaultDial
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Engine{
		sessions: make(map[netutil.Key]*Session),
		dial:     dial,
		logger:   logger,
	}
}

// Connect starts a non-blocking connect to ep. It returns immediately;
// progress is observed via OnConnected/OnDisconnected as Poll is called.
// An endpoint already marked Accepted (i.e. the connection arrived via
// Accept, not a dial this device originated) is never re-dialed.
func (e *Engine) Connect(device string, ep netutil.Endpoint, policy RetryPolicy) (ConnectResult, error) {
	if ep.Accepted {
		return 0, ErrAcceptedEndpoint
	}

	e.mu.Lock()
	key := ep.Key()
	if existing, exists := e.sessions[key]; exists {
		state := existing.State
		e.mu.Unlock()
		if state == SessionActive {
			return ConnectExistsConnected, ErrSessionExists
		}
		return ConnectExistsConnecting, ErrSessionExists
	}
	sess := &Session{Device: device, Endpoint: ep, State: SessionWaiting, policy: policy}
	e.sessions[key] = sess
	e.mu.Unlock()

	e.logState(sess, "", "WAITING")
	e.startAttempt(sess)
	return ConnectConnecting, nil
}

// Accept registers an already-established inbound connection as an
// active session.
func (e *Engine) Accept(device string, ep netutil.Endpoint, conn net.Conn) error {
	e.mu.Lock()
	key := ep.Key()
	if _, exists := e.sessions[key]; exists {
		e.mu.Unlock()
		return ErrSessionExists
	}
	sess := &Session{Device: device, Endpoint: ep, State: SessionActive, Conn: conn, notifiedConnected: true}
	e.sessions[key] = sess
	e.mu.Unlock()

	e.logState(sess, "", "ACTIVE")
	if e.OnConnected != nil {
		e.OnConnected(device, ep)
	}
	return nil
}

func (e *Engine) startAttempt(sess *Session) {
	sess.attempt++
	resultCh := make(chan dialOutcome, 1)
	e.mu.Lock()
	sess.resultCh = resultCh
	timeout := sess.policy.Timeout
	e.mu.Unlock()

	go func() {
		conn, err := e.dial(context.Background(), sess.Endpoint, timeout)
		resultCh <- dialOutcome{conn: conn, err: err}
	}()
}

// Send writes data to ep if the session is active, or enqueues it (FIFO)
// if the session is still waiting for its connect to complete.
func (e *Engine) Send(ep netutil.Endpoint, data []byte) error {
	e.mu.Lock()
	sess, ok := e.sessions[ep.Key()]
	if !ok {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State == SessionWaiting {
		sess.sendQueue = append(sess.sendQueue, data)
		e.mu.Unlock()
		return nil
	}
	conn := sess.Conn
	e.mu.Unlock()

	if conn == nil {
		return ErrSessionNotFound
	}
	_, err := conn.Write(data)
	return err
}

// Poll drains completed connect attempts and the free-async teardown
// list. It must be called from the single cooperative event-loop
// thread; it is the only place session state is mutated as a result of
// background I/O.
func (e *Engine) Poll() {
	e.mu.Lock()
	var toRetry []*Session
	var toFail []*Session
	for _, sess := range e.sessions {
		if sess.State != SessionWaiting || sess.resultCh == nil {
			continue
		}
		select {
		case outcome := <-sess.resultCh:
			sess.resultCh = nil
			if outcome.err == nil {
				sess.Conn = outcome.conn
				sess.State = SessionActive
				e.flushSendQueueLocked(sess)
			} else if sess.RetryCount() >= sess.policy.MaxCount {
				delete(e.sessions, sess.Endpoint.Key())
				toFail = append(toFail, sess)
			} else {
				toRetry = append(toRetry, sess)
			}
		default:
		}
	}
	drained := e.freeAsync
	e.freeAsync = nil
	e.mu.Unlock()

	for _, sess := range toFail {
		e.logState(sess, "WAITING", "FREED")
		if e.OnDisconnected != nil {
			e.OnDisconnected(sess.Device, sess.Endpoint)
		}
	}
	for _, sess := range toRetry {
		e.startAttempt(sess)
	}
	for range drained {
		// Async-freed sessions already had their resources released in
		// Close; this loop exists as the drain point the free-async
		// list design requires, for parity with C5's peer teardown.
	}

	for _, sess := range e.promotedThisPoll() {
		e.logState(sess, "WAITING", "ACTIVE")
		if e.OnConnected != nil {
			e.OnConnected(sess.Device, sess.Endpoint)
		}
	}
}

// promotedThisPoll returns sessions that became Active since the last
// call, so Poll can fire OnConnected exactly once per promotion.
func (e *Engine) promotedThisPoll() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var promoted []*Session
	for _, sess := range e.sessions {
		if sess.State == SessionActive && !sess.notifiedConnected {
			sess.notifiedConnected = true
			promoted = append(promoted, sess)
		}
	}
	return promoted
}

func (e *Engine) flushSendQueueLocked(sess *Session) {
	for _, data := range sess.sendQueue {
		if sess.Conn != nil {
			sess.Conn.Write(data)
		}
	}
	sess.sendQueue = nil
}

// Close begins teardown of the session at ep: it is moved to
// SessionClosing, removed from the live session map, and appended to
// the free-async list, which Poll drains at the next iteration
// boundary. The session's connection itself is closed inline, before
// Close returns.
func (e *Engine) Close(ep netutil.Endpoint) error {
	e.mu.Lock()
	sess, ok := e.sessions[ep.Key()]
	if !ok {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.State = SessionClosing
	delete(e.sessions, ep.Key())
	e.freeAsync = append(e.freeAsync, sess)
	e.mu.Unlock()

	if sess.Conn != nil {
		sess.Conn.Close()
	}
	e.logState(sess, "ACTIVE", "CLOSING")
	return nil
}

// Session looks up the session for an endpoint, if any.
func (e *Engine) Session(ep netutil.Endpoint) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[ep.Key()]
	return s, ok
}

// Shutdown tears down every session belonging to device.
func (e *Engine) Shutdown(device string) {
	e.mu.Lock()
	var victims []netutil.Endpoint
	for _, sess := range e.sessions {
		if sess.Device == device {
			victims = append(victims, sess.Endpoint)
		}
	}
	e.mu.Unlock()

	for _, ep := range victims {
		e.Close(ep)
	}
}

func (e *Engine) logState(sess *Session, oldState, newState string) {
	e.logger.Log(log.Event{
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		DeviceID:   sess.Device,
		RemoteAddr: sess.Endpoint.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTCPSession,
			OldState: oldState,
			NewState: newState,
		},
	})
}
