package hrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// ConnectDone reports the outcome of Connect.
type ConnectDone func(Status)

// RpcDone reports the outcome of one AsyncRpc call.
type RpcDone func(Status, []byte)

// RpcEngine owns the single active RpcConnection, the RetryPolicy, and
// every call that has been accepted but not yet completed -- including
// calls still waiting for the first successful connect and calls
// orphaned by a connection failure awaiting resubmission (C6, §4.5).
type RpcEngine struct {
	mu sync.Mutex

	opts   Options
	server *ServerInfo
	policy RetryPolicy
	sink   EventSink

	conn        *RpcConnection
	pendingConn *RpcConnection
	connecting  bool

	orphanCalls  []*Call
	shuttingDown bool

	loop *ioService
}

// NewEngine builds an RpcEngine for server, defaulting opts the way the
// teacher's Connect defaults Opts.
func NewEngine(opts Options, server *ServerInfo) *RpcEngine {
	opts = opts.WithDefaults()
	e := &RpcEngine{
		opts:   opts,
		server: server,
		sink:   opts.EventSink,
		loop:   newIOService(),
	}
	e.policy = NewDefaultPolicy(opts)
	return e
}

// SetEventCallback installs or replaces the EventSink (C8, §6).
func (e *RpcEngine) SetEventCallback(sink EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *RpcEngine) fire(event string, value int64) Outcome {
	e.mu.Lock()
	sink := e.sink
	cluster := e.server.Cluster
	e.mu.Unlock()
	return fire(sink, event, cluster, value)
}

func (e *RpcEngine) sinkSnapshot() EventSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

// Connect drives the engine's connection to READY against server's
// current endpoint, retrying/failing over per RetryPolicy (§6). done is
// invoked exactly once, asynchronously, with the terminal Status.
func (e *RpcEngine) Connect(ctx context.Context, done ConnectDone) {
	go e.connectLoop(ctx, done, 1, nil)
}

func (e *RpcEngine) connectLoop(ctx context.Context, done ConnectDone, attempt int, errs *multierror.Error) {
	var status Status
	var success bool
	var conn *RpcConnection

	if outcome := e.fire(EventNNConnect, int64(attempt)); outcome.Override {
		// The sink substitutes this step's outcome (§4.5): the real
		// dial/handshake never runs, but the normal retry/failover
		// decision below still applies to the injected status.
		status = outcome.Status
	} else {
		e.mu.Lock()
		endpoint, ok := e.server.Current()
		cluster := e.server.Cluster
		e.mu.Unlock()
		if !ok {
			e.finishConnect(done, TransportStatus("no endpoints configured"), errs)
			return
		}

		conn = newRpcConnection(endpoint, e.opts, e.sinkSnapshot(), cluster, nil)
		conn.onDisconnect = func(f connFailedCalls) { e.handleDisconnect(conn, f) }

		e.mu.Lock()
		e.pendingConn = conn
		e.mu.Unlock()

		openErr := conn.Open(ctx)

		e.mu.Lock()
		if e.pendingConn == conn {
			e.pendingConn = nil
		}
		e.mu.Unlock()

		if openErr == nil {
			success = true
		} else {
			status = asStatus(openErr)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", endpoint, status))
		}
	}

	if success {
		e.mu.Lock()
		e.conn = conn
		orphans := e.orphanCalls
		e.orphanCalls = nil
		e.mu.Unlock()
		for _, call := range orphans {
			call.state = CallPendingSend
			if !conn.Enqueue(call) {
				e.mu.Lock()
				e.orphanCalls = append(e.orphanCalls, call)
				e.mu.Unlock()
			}
		}
		e.finishConnect(done, OKStatus(), nil)
		return
	}

	decision := e.policy.Decide(status, OpConnect, attempt, e.server.Len(), 0)
	switch decision.Kind {
	case DecisionFailoverAndRetry:
		e.mu.Lock()
		e.server.Advance()
		e.mu.Unlock()
		fallthrough
	case DecisionRetry:
		if outcome := e.fire(EventNNPreRPCRetry, int64(attempt)); outcome.Override {
			e.finishConnect(done, outcome.Status, errs)
			return
		}
		e.loop.after(decision.Delay, func() {
			e.connectLoop(ctx, done, attempt+1, errs)
		})
	default:
		e.finishConnect(done, status, errs)
	}
}

func (e *RpcEngine) finishConnect(done ConnectDone, status Status, errs *multierror.Error) {
	if !status.OK() && errs != nil && errs.Len() > 0 {
		status.Message = errs.Error()
	}
	if done != nil {
		done(status)
	}
}

// CancelPendingConnect aborts an in-progress connect attempt, if any
// (§4.3, §6).
func (e *RpcEngine) CancelPendingConnect() bool {
	e.mu.Lock()
	conn := e.pendingConn
	e.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.CancelPendingConnect()
}

// AsyncRpc enqueues a call. It may be invoked before Connect completes,
// in which case the call sits in orphanCalls until the connection is
// READY (§4.5).
func (e *RpcEngine) AsyncRpc(method string, request []byte, done RpcDone) {
	var deadline time.Time
	if e.opts.RPCTimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(e.opts.RPCTimeoutMS) * time.Millisecond)
	}
	call := newCall(method, request, func(s Status, body []byte) {
		if done != nil {
			done(s, body)
		}
	}, deadline)

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		call.complete(ShutdownStatus(), nil)
		return
	}
	conn := e.conn
	if conn == nil {
		e.orphanCalls = append(e.orphanCalls, call)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if !conn.Enqueue(call) {
		e.mu.Lock()
		if e.shuttingDown {
			e.mu.Unlock()
			call.complete(ShutdownStatus(), nil)
			return
		}
		e.orphanCalls = append(e.orphanCalls, call)
		e.mu.Unlock()
	}
}

// handleDisconnect is the onDisconnect callback bound to one specific
// connection (who); it only clears e.conn when who is still the current
// connection, so a stale disconnect from an already-replaced connection
// can't clobber a newer one.
func (e *RpcEngine) handleDisconnect(who *RpcConnection, failed connFailedCalls) {
	e.mu.Lock()
	if e.conn == who {
		e.conn = nil
	}
	shuttingDown := e.shuttingDown
	e.mu.Unlock()

	for _, call := range failed.calls {
		if shuttingDown {
			call.complete(ShutdownStatus(), nil)
			continue
		}
		e.retryOrFail(call, failed.status)
	}
}

func (e *RpcEngine) retryOrFail(call *Call, status Status) {
	call.Attempts++
	decision := e.policy.Decide(status, OpCall, int(call.Attempts), e.server.Len(), time.Since(call.CreatedAt))

	switch decision.Kind {
	case DecisionFailoverAndRetry:
		e.mu.Lock()
		e.server.Advance()
		e.mu.Unlock()
		fallthrough
	case DecisionRetry:
		if outcome := e.fire(EventNNPreRPCRetry, int64(call.Attempts)); outcome.Override {
			call.complete(outcome.Status, nil)
			return
		}
		call.state = CallAwaitingRetry
		e.loop.after(decision.Delay, func() {
			e.resubmit(call)
		})
	default:
		call.complete(status, nil)
	}
}

func (e *RpcEngine) resubmit(call *Call) {
	call.state = CallPendingSend // a new call id is assigned at next send

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		call.complete(ShutdownStatus(), nil)
		return
	}
	conn := e.conn
	e.mu.Unlock()

	if conn != nil && conn.Enqueue(call) {
		return
	}

	e.mu.Lock()
	e.orphanCalls = append(e.orphanCalls, call)
	e.mu.Unlock()
	e.ensureConnected()
}

// ensureConnected starts a background connect if none is active or in
// flight, so orphaned calls eventually get resubmitted once a connection
// becomes READY again.
func (e *RpcEngine) ensureConnected() {
	e.mu.Lock()
	if e.conn != nil || e.connecting {
		e.mu.Unlock()
		return
	}
	e.connecting = true
	e.mu.Unlock()

	e.Connect(context.Background(), func(Status) {
		e.mu.Lock()
		e.connecting = false
		e.mu.Unlock()
	})
}

// Shutdown tears down the active connection and fails every outstanding
// call with StatusShutdown. It is idempotent (SPEC_FULL.md §4).
func (e *RpcEngine) Shutdown() {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.shuttingDown = true
	conn := e.conn
	e.conn = nil
	orphans := e.orphanCalls
	e.orphanCalls = nil
	e.mu.Unlock()

	if conn != nil {
		conn.Shutdown()
	}
	for _, call := range orphans {
		call.complete(ShutdownStatus(), nil)
	}
	e.loop.stop()
}
