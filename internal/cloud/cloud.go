// Package cloud implements the cloud manager (C7): the per-device
// sign-up -> sign-in -> publish -> ping state machine with retry and
// back-off, driven by internal/clock.
//
// Unlike a plain always-reconnecting handle, this state machine
// classifies the cloud's response at each step and looks up its next
// delay from a fixed per-state retry table rather than backing off
// exponentially.
package cloud

import (
	"errors"
	"time"

	"github.com/ocfcore/ocsession/internal/clock"
	"github.com/ocfcore/ocsession/pkg/log"
)

// State is a cloud-manager lifecycle state.
type State uint8

const (
	StateInit State = iota
	StateSigningUp
	StateSignedUp
	StateSigningIn
	StateSignedIn
	StatePublishing
	StatePublished
	StatePinging
	StateFinished
	StateReconnecting
	StateReset
	StateFail
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSigningUp:
		return "SIGNING_UP"
	case StateSignedUp:
		return "SIGNED_UP"
	case StateSigningIn:
		return "SIGNING_IN"
	case StateSignedIn:
		return "SIGNED_IN"
	case StatePublishing:
		return "PUBLISHING"
	case StatePublished:
		return "PUBLISHED"
	case StatePinging:
		return "PINGING"
	case StateFinished:
		return "FINISHED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateReset:
		return "RESET"
	case StateFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// terminal returns true for states the manager cannot leave on its
// own (Fail, Reset) -- Finished can still leave on disconnect.
func (s State) terminal() bool {
	return s == StateFail || s == StateReset
}

// MaxRetryCount bounds retry_count; the retry tables below have
// exactly this many entries, indexed [0, MaxRetryCount).
const MaxRetryCount = 5

// SessionTimeout is the retry table between sign-up/sign-in/refresh
// attempts, indexed by retry_count.
var SessionTimeout = [MaxRetryCount]time.Duration{
	3 * time.Second, 50 * time.Second, 50 * time.Second, 50 * time.Second, 10 * time.Second,
}

// MessageTimeout is the retry table between publish/ping attempts,
// indexed by retry_count. The find-ping-interval lookup in
// startPinging is made once and is not retried from this table.
var MessageTimeout = [MaxRetryCount]time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
}

var (
	// ErrDeviceNotFound is surfaced when the cloud server returns a
	// "device not found" response.
	ErrDeviceNotFound = errors.New("cloud: device not found")
	// ErrRetryExhausted indicates MaxRetryCount was reached without a
	// successful transition.
	ErrRetryExhausted = errors.New("cloud: retry count exhausted")
)

// Responder performs the actual network calls. Request/Response bodies
// are opaque to the state machine; only the classified outcome matters.
type Responder interface {
	SignUp(ctx *Context) (*Outcome, error)
	SignIn(ctx *Context) (*Outcome, error)
	RefreshToken(ctx *Context) (*Outcome, error)
	Publish(ctx *Context) (*Outcome, error)
	Ping(ctx *Context) (*Outcome, error)
	FindPingInterval(ctx *Context) (intervalSeconds []int, err error)
}

// Outcome is a classified cloud response.
type Outcome struct {
	OK bool

	// UID/AccessToken/RefreshToken/RedirectURI are the cloud
	// sign-up/sign-in payload fields, decoded from the wire response
	// (CBOR, via github.com/fxamacker/cbor/v2) before reaching here; the
	// state machine only ever consumes the decoded values.
	UID          string
	AccessToken  string
	RefreshToken string
	RedirectURI  string

	// Classification is the dispatch outcome when OK is false.
	Classification Classification
}

// Classification is the dispatch outcome of a non-OK cloud response.
type Classification uint8

const (
	// ClassifyNone indicates OK: true, no classification needed.
	ClassifyNone Classification = iota
	// ClassifyTokenExpired: "token validation failed" / "token expired".
	ClassifyTokenExpired
	// ClassifyUnauthorized: "account authorization failed" / "unauthorized
	// token" / "forbidden" / "user not found".
	ClassifyUnauthorized
	// ClassifyDeviceNotFound: "device not found".
	ClassifyDeviceNotFound
	// ClassifyInternalError: "internal server error".
	ClassifyInternalError
	// ClassifyOther: anything else -- retried until MaxRetryCount.
	ClassifyOther
)

// Context is the per-device cloud context.
type Context struct {
	Device       string
	Endpoint     string
	CIURL        string
	AuthProvider string
	UID          string
	AccessToken  string
	RefreshToken string
}

// Callback is invoked with the manager's terminal/observable states:
// Finished, Fail, Reset.
type Callback func(device string, state State)

// Manager drives one device's cloud state machine.
type Manager struct {
	ctx       Context
	responder Responder
	clockQ    *clock.Queue
	logger    log.Logger
	callback  Callback

	state      State
	retryCount int
	pingTicker int // pending ping timer tag disambiguator, unused beyond doc

	pingIntervalSec int
	everSignedUp    bool

	connID string
}

// NewManager creates a cloud manager for one device. logger may be nil.
func NewManager(ctx Context, responder Responder, clockQ *clock.Queue, logger log.Logger, callback Callback) *Manager {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Manager{
		ctx:             ctx,
		responder:       responder,
		clockQ:          clockQ,
		logger:          logger,
		callback:        callback,
		state:           StateInit,
		pingIntervalSec: 60,
		connID:          ctx.Device,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// RetryCount returns the current retry count for the active phase.
func (m *Manager) RetryCount() int {
	return m.retryCount
}

// Start begins the sign-up flow (or sign-in, if already signed up).
func (m *Manager) Start() {
	if m.everSignedUp {
		m.transition(StateSigningIn)
		m.attemptSignIn()
		return
	}
	m.transition(StateSigningUp)
	m.attemptSignUp()
}

// OnSessionDisconnected handles loss of the underlying transport
// session while in Finished: cancel the ping timer, enter
// Reconnecting, and restart at sign-in (or sign-up if never signed
// up).
func (m *Manager) OnSessionDisconnected() {
	if m.state != StateFinished {
		return
	}
	m.clockQ.Cancel(m.tag("ping"))
	m.transition(StateReconnecting)
	m.retryCount = 0
	if m.everSignedUp {
		m.attemptSignIn()
	} else {
		m.attemptSignUp()
	}
}

func (m *Manager) tag(phase string) string {
	return m.ctx.Device + ":" + phase
}

func (m *Manager) transition(next State) {
	old := m.state
	m.state = next
	m.logger.Log(log.Event{
		Timestamp:    nowStamp(),
		ConnectionID: m.connID,
		Layer:        log.LayerCloud,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityCloud,
			OldState: old.String(),
			NewState: next.String(),
		},
	})
	if m.callback != nil && (next == StateFinished || next == StateFail || next == StateReset) {
		m.callback(m.ctx.Device, next)
	}
}

func nowStamp() time.Time { return time.Now() }

func (m *Manager) attemptSignUp() {
	out, err := m.responder.SignUp(&m.ctx)
	m.handleSessionPhase(out, err, m.attemptSignUp, func() {
		m.ctx.UID = out.UID
		m.ctx.AccessToken = out.AccessToken
		m.ctx.RefreshToken = out.RefreshToken
		m.everSignedUp = true
		m.retryCount = 0
		m.transition(StateSignedUp)
		m.transition(StateSigningIn)
		m.attemptSignIn()
	})
}

func (m *Manager) attemptSignIn() {
	out, err := m.responder.SignIn(&m.ctx)
	m.handleSessionPhase(out, err, m.attemptSignIn, func() {
		m.retryCount = 0
		m.transition(StateSignedIn)
		m.transition(StatePublishing)
		m.attemptPublish()
	})
}

func (m *Manager) attemptRefresh() {
	out, err := m.responder.RefreshToken(&m.ctx)
	m.handleSessionPhase(out, err, m.attemptRefresh, func() {
		m.ctx.AccessToken = out.AccessToken
		m.ctx.RefreshToken = out.RefreshToken
		m.retryCount = 0
		m.transition(StateSigningIn)
		m.attemptSignIn()
	})
}

func (m *Manager) attemptPublish() {
	out, err := m.responder.Publish(&m.ctx)
	m.handleMessagePhase(out, err, m.attemptPublish, func() {
		m.retryCount = 0
		m.transition(StatePublished)
		m.startPinging()
	})
}

func (m *Manager) startPinging() {
	if intervals, err := m.responder.FindPingInterval(&m.ctx); err == nil && len(intervals) > 0 {
		// The last element wins: later entries are preserved for
		// compatibility with older servers, not re-derived as a minimum.
		m.pingIntervalSec = intervals[len(intervals)-1]
	}
	m.transition(StatePinging)
	// The priming ping runs immediately; only the steady-state
	// heartbeat afterward is deferred to the timed-event queue.
	m.attemptPing()
}

func (m *Manager) schedulePing() {
	m.clockQ.Schedule(m.tag("ping"), func(now time.Time) clock.Result {
		m.attemptPing()
		return clock.Done
	}, time.Duration(m.pingIntervalSec)*time.Second)
}

func (m *Manager) attemptPing() {
	out, err := m.responder.Ping(&m.ctx)
	m.handleMessagePhase(out, err, m.attemptPing, func() {
		m.retryCount = 0
		if m.state != StateFinished {
			m.transition(StateFinished)
		}
		m.schedulePing()
	})
}

// handleSessionPhase drives one attempt of a session_timeout-governed
// phase (sign-up/sign-in/refresh), dispatching on the response
// classification.
func (m *Manager) handleSessionPhase(out *Outcome, err error, retry func(), onSuccess func()) {
	if err == nil && out != nil && out.OK {
		m.logRetryEvent(false)
		onSuccess()
		return
	}
	m.dispatchFailure(out, SessionTimeout[:], retry)
}

// handleMessagePhase drives one attempt of a message_timeout-governed
// phase (publish/ping).
func (m *Manager) handleMessagePhase(out *Outcome, err error, retry func(), onSuccess func()) {
	if err == nil && out != nil && out.OK {
		m.logRetryEvent(false)
		onSuccess()
		return
	}
	m.dispatchFailure(out, MessageTimeout[:], retry)
}

func (m *Manager) dispatchFailure(out *Outcome, table []time.Duration, retry func()) {
	classification := ClassifyOther
	if out != nil {
		classification = out.Classification
	}

	switch classification {
	case ClassifyTokenExpired:
		m.retryCount = 0
		m.transition(StateReconnecting)
		m.clockQ.Schedule(m.tag("refresh"), func(now time.Time) clock.Result {
			m.attemptRefresh()
			return clock.Done
		}, SessionTimeout[0])
		return

	case ClassifyUnauthorized:
		m.retryCount = 0
		m.transition(StateReconnecting)
		m.clockQ.Schedule(m.tag("signin"), func(now time.Time) clock.Result {
			m.attemptSignIn()
			return clock.Done
		}, SessionTimeout[0])
		return

	case ClassifyDeviceNotFound:
		m.transition(StateReset)
		return

	case ClassifyInternalError:
		m.retryCount = MaxRetryCount
	}

	m.logRetryEvent(true)

	if m.retryCount >= MaxRetryCount {
		m.transition(StateFail)
		return
	}

	delay := table[m.retryCount]
	m.retryCount++
	m.clockQ.Schedule(m.tag("retry"), func(now time.Time) clock.Result {
		retry()
		return clock.Done
	}, delay)
}

func (m *Manager) logRetryEvent(failed bool) {
	if !failed {
		return
	}
	m.logger.Log(log.Event{
		Timestamp:    nowStamp(),
		ConnectionID: m.connID,
		Layer:        log.LayerCloud,
		Category:     log.CategoryRetry,
		Retry: &log.RetryEvent{
			Count:    m.retryCount,
			MaxCount: MaxRetryCount,
			Expired:  m.retryCount >= MaxRetryCount,
		},
	})
}
