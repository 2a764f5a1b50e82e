// Package eventloop implements the single-threaded cooperative event
// loop (C8) that drives the timed-event queue (C1), the TCP connection
// engine's (C4) async connect/teardown bookkeeping, and the (D)TLS
// session engine's (C5) handshake pump. Exactly one goroutine executes
// these handlers; a network reader (if any) communicates with the loop
// solely through the wakeup channel below, never by touching engine
// state directly.
//
// Every reader posts a "this peer has work" notification instead of
// feeding a per-connection handler directly; the single loop goroutine
// performs the actual state transition.
package eventloop

import (
	"context"
	"time"

	"github.com/ocfcore/ocsession/internal/clock"
	"github.com/ocfcore/ocsession/internal/tcpsess"
	"github.com/ocfcore/ocsession/internal/tlssess"
)

// pumpRequest names one (D)TLS peer whose handshake has work to do.
type pumpRequest struct {
	peerID string
}

// Loop is the cooperative driver. Construct with New, then call Run
// from the one goroutine that owns all secure-transport-core state.
type Loop struct {
	clockQ *clock.Queue
	tcp    *tcpsess.Engine
	tls    *tlssess.Engine

	wakeup chan pumpRequest

	// idleInterval bounds how long Run blocks when the clock queue has
	// nothing pending and no wakeup has arrived, so the loop still
	// notices TCP connect results posted from background dial
	// goroutines.
	idleInterval time.Duration
}

// New creates a loop over the given engines. tcp and tls may be nil if
// this process doesn't use that engine (e.g. a cloud-only client).
func New(clockQ *clock.Queue, tcp *tcpsess.Engine, tlsEngine *tlssess.Engine) *Loop {
	return &Loop{
		clockQ:       clockQ,
		tcp:          tcp,
		tls:          tlsEngine,
		wakeup:       make(chan pumpRequest, 256),
		idleInterval: 50 * time.Millisecond,
	}
}

// RequestPump posts that peerID has a pending (D)TLS record to pump.
// Safe to call from any goroutine; the actual Pump() call happens on
// the loop goroutine during the next iteration.
func (l *Loop) RequestPump(peerID string) {
	select {
	case l.wakeup <- pumpRequest{peerID: peerID}:
	default:
		// Wakeup queue is full: the loop is already behind and will
		// catch this peer's next record; dropping here only delays a
		// pump, it never loses engine state.
	}
}

// Run drives the loop until ctx is cancelled. Each iteration: poll the
// timed-event queue, poll the TCP engine's connect-result/free-async
// bookkeeping, drain and service pending handshake pump requests, then
// sleep until the next deadline, a new wakeup, or ctx.Done.
func (l *Loop) Run(ctx context.Context) {
	for {
		var nextDeadline time.Duration
		if l.clockQ != nil {
			nextDeadline = l.clockQ.Poll()
		}
		if l.tcp != nil {
			l.tcp.Poll()
		}
		l.drainPumpRequests()

		wait := l.idleInterval
		if nextDeadline > 0 && nextDeadline < wait {
			wait = nextDeadline
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case req := <-l.wakeup:
			timer.Stop()
			l.servicePump(req)
		}
	}
}

// RunOnce performs exactly one iteration, for tests and for callers
// that drive their own scheduling loop instead of Run.
func (l *Loop) RunOnce() time.Duration {
	var nextDeadline time.Duration
	if l.clockQ != nil {
		nextDeadline = l.clockQ.Poll()
	}
	if l.tcp != nil {
		l.tcp.Poll()
	}
	l.drainPumpRequests()
	return nextDeadline
}

func (l *Loop) drainPumpRequests() {
	for {
		select {
		case req := <-l.wakeup:
			l.servicePump(req)
		default:
			return
		}
	}
}

func (l *Loop) servicePump(req pumpRequest) {
	if l.tls == nil {
		return
	}
	if _, ok := l.tls.Peer(req.peerID); !ok {
		return
	}
	l.tls.Pump(req.peerID)
}
