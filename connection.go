package hrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

type connState int32

const (
	connCreated connState = iota
	connConnecting
	connHandshaking
	connReady
	connDisconnected
)

// connFailedCalls is what a disconnected RpcConnection hands back to its
// owner: every call that was pending or in flight, plus the status that
// killed the connection (§4.3: "pending calls are extracted and handed
// back to the caller for re-submission").
type connFailedCalls struct {
	calls  []*Call
	status Status
}

// RpcConnection is the state machine over one TCP socket (C4, §4.3):
// CREATED -> CONNECTING -> HANDSHAKING -> READY -> DISCONNECTED. It owns
// exactly one reader goroutine and one writer goroutine and keeps at most
// one in-flight response reader active at a time (§5).
type RpcConnection struct {
	mu    sync.Mutex
	epoch uuid.UUID

	opts     Options
	endpoint Endpoint
	sink     EventSink
	cluster  string

	state connState
	conn  net.Conn

	pending  []*Call
	inFlight map[uint32]*Call
	nextID   uint32

	lastActivity time.Time

	writeCh   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	// onDisconnect is set by the owning RpcEngine; it is called exactly
	// once when the connection dies, synchronously on whichever goroutine
	// tore it down (the reader, the writer, or Shutdown's caller).
	onDisconnect func(connFailedCalls)
}

func newRpcConnection(endpoint Endpoint, opts Options, sink EventSink, cluster string, onDisconnect func(connFailedCalls)) *RpcConnection {
	return &RpcConnection{
		epoch:        uuid.New(),
		opts:         opts,
		endpoint:     endpoint,
		sink:         sink,
		cluster:      cluster,
		state:        connCreated,
		inFlight:     make(map[uint32]*Call),
		nextID:       1,
		writeCh:      make(chan struct{}, 1),
		closed:       make(chan struct{}),
		onDisconnect: onDisconnect,
	}
}

// Open drives CREATED -> CONNECTING -> HANDSHAKING -> READY. It blocks
// until the connection is ready or has failed; callers that want to
// cancel an in-progress attempt call CancelPendingConnect from another
// goroutine while Open is running.
func (c *RpcConnection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != connCreated {
		c.mu.Unlock()
		return errors.New("hrpc: connection already opened")
	}
	c.state = connConnecting
	c.mu.Unlock()

	connectTimeout := time.Duration(c.opts.ConnectTimeoutMS) * time.Millisecond
	var rawConn net.Conn
	var err error
	if c.opts.Secure != nil {
		rawConn, err = dialSecure(c.endpoint.Network(), c.endpoint.String(), connectTimeout, *c.opts.Secure)
	} else {
		dialer := net.Dialer{Timeout: connectTimeout}
		rawConn, err = dialer.DialContext(ctx, c.endpoint.Network(), c.endpoint.String())
	}
	if err != nil {
		c.mu.Lock()
		c.state = connDisconnected
		c.mu.Unlock()
		return TransportStatus(err.Error())
	}

	c.mu.Lock()
	if c.state == connDisconnected {
		c.mu.Unlock()
		rawConn.Close()
		return CanceledStatus()
	}
	c.state = connHandshaking
	c.mu.Unlock()

	if c.opts.HandshakeTimeoutMS > 0 {
		rawConn.SetDeadline(time.Now().Add(time.Duration(c.opts.HandshakeTimeoutMS) * time.Millisecond))
	}

	r := bufio.NewReaderSize(rawConn, 64*1024)
	w := bufio.NewWriterSize(rawConn, 64*1024)

	if err := doHandshake(r, w, c.opts); err != nil {
		rawConn.Close()
		c.mu.Lock()
		c.state = connDisconnected
		c.mu.Unlock()
		if st, ok := err.(Status); ok {
			return st
		}
		return HandshakeFailedStatus(err.Error())
	}
	rawConn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.state == connDisconnected {
		c.mu.Unlock()
		rawConn.Close()
		return CanceledStatus()
	}
	c.conn = rawConn
	c.state = connReady
	c.lastActivity = time.Now()
	c.mu.Unlock()

	go c.readerLoop(r)
	go c.writerLoop(w)
	c.kick()
	return nil
}

// CancelPendingConnect aborts an in-progress CONNECTING or HANDSHAKING
// transition (§4.3, §6). It reports whether a connect was actually in
// flight, per the original engine's cancellation semantics (SPEC_FULL.md
// §4).
func (c *RpcConnection) CancelPendingConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connConnecting && c.state != connHandshaking {
		return false
	}
	c.state = connDisconnected
	return true
}

// Enqueue appends call to the pending queue. It returns false if the
// connection is already disconnected, in which case the caller owns call
// again and must resubmit it elsewhere.
func (c *RpcConnection) Enqueue(call *Call) bool {
	c.mu.Lock()
	if c.state == connDisconnected {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, call)
	ready := c.state == connReady
	c.mu.Unlock()
	if ready {
		c.kick()
	}
	return true
}

// IdleFor reports how long it has been since any byte was read or
// written on this connection (the idle-connection detection described in
// SPEC_FULL.md §4, folded in from the original's last_activity).
func (c *RpcConnection) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Shutdown tears the connection down administratively.
func (c *RpcConnection) Shutdown() {
	c.disconnect(ShutdownStatus())
}

func (c *RpcConnection) kick() {
	select {
	case c.writeCh <- struct{}{}:
	default:
	}
}

func (c *RpcConnection) armTimeout(call *Call) {
	if c.opts.RPCTimeoutMS <= 0 {
		return
	}
	d := time.Duration(c.opts.RPCTimeoutMS) * time.Millisecond
	call.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		_, ok := c.inFlight[call.CallID]
		c.mu.Unlock()
		if !ok {
			return
		}
		// A per-call timeout does not close the connection (§4.3):
		// other in-flight calls are unaffected.
		c.completeCall(call, TimeoutStatus(fmt.Sprintf("rpc timed out after %s", d)), nil)
	})
}

// completeCall claims call for completion by removing it from inFlight.
// Presence in that map under c.mu is the single authority for "who gets to
// complete this call": armTimeout's timer goroutine and handleFrame can
// both reach here for the same call, and delete is silently idempotent, so
// without this check both would call call.complete and race on its
// unsynchronized state check. Only the goroutine that actually observes (and
// removes) the map entry proceeds; the other is a no-op.
func (c *RpcConnection) completeCall(call *Call, status Status, body []byte) {
	c.mu.Lock()
	if _, ok := c.inFlight[call.CallID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inFlight, call.CallID)
	c.mu.Unlock()
	call.complete(status, body)
}

func (c *RpcConnection) writerLoop(w *bufio.Writer) {
	for {
		select {
		case <-c.writeCh:
		case <-c.closed:
			return
		}

		wrote := false
		for {
			c.mu.Lock()
			if len(c.pending) == 0 || c.state != connReady {
				c.mu.Unlock()
				break
			}
			call := c.pending[0]
			c.pending = c.pending[1:]
			call.CallID = c.nextID
			c.nextID++
			c.inFlight[call.CallID] = call
			call.state = CallInFlight
			call.epoch = c.epoch
			c.armTimeout(call)
			c.mu.Unlock()

			frame, err := encodeFrame(Header{CallID: call.CallID, MethodName: call.MethodName}, call.Request)
			if err != nil {
				c.completeCall(call, ProtocolErrorStatus("encode: "+err.Error()), nil)
				continue
			}
			if outcome := fire(c.sink, EventNNWrite, c.cluster, int64(call.CallID)); outcome.Override {
				c.completeCall(call, outcome.Status, nil)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				c.disconnect(TransportStatus(err.Error()))
				return
			}
			wrote = true

			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
		if wrote {
			if err := w.Flush(); err != nil {
				c.disconnect(TransportStatus(err.Error()))
				return
			}
		}
	}
}

func (c *RpcConnection) readerLoop(r *bufio.Reader) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 32*1024)
	for {
		h, body, n, err := decodeFrame(buf)
		if err == nil {
			buf = append([]byte(nil), buf[n:]...)
			c.handleFrame(h, body)
			continue
		}
		if !errors.Is(err, ErrNeedMore) {
			c.disconnect(ProtocolErrorStatus(err.Error()))
			return
		}
		rn, rerr := r.Read(tmp)
		if rn > 0 {
			buf = append(buf, tmp[:rn]...)
		}
		if rerr != nil {
			c.disconnect(statusForReadErr(rerr))
			return
		}
	}
}

func (c *RpcConnection) handleFrame(h Header, body []byte) {
	c.mu.Lock()
	call, ok := c.inFlight[h.CallID]
	epoch := c.epoch
	c.mu.Unlock()
	if !ok {
		// A response for an id with no matching in-flight call is a
		// fatal protocol violation (§4.3).
		c.disconnect(ProtocolErrorStatus(fmt.Sprintf("response for unknown call id %d", h.CallID)))
		return
	}
	if call.epoch != epoch {
		// A stale response surviving a reconnect (Design Notes §9
		// "Retry identity"); drop it silently.
		return
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if outcome := fire(c.sink, EventNNRead, c.cluster, int64(h.CallID)); outcome.Override {
		c.completeCall(call, outcome.Status, nil)
		return
	}

	status := statusFromHeader(h)
	if status.Kind == StatusRemoteFatal {
		c.completeCall(call, status, nil)
		c.disconnect(status)
		return
	}
	c.completeCall(call, status, body)
}

func statusFromHeader(h Header) Status {
	switch h.Status {
	case StatusOK:
		return OKStatus()
	case StatusRemoteFatal:
		return RemoteFatalStatus(h.ExceptionClass, h.ErrorMessage)
	default:
		return RemoteErrorStatus(h.ExceptionClass, h.ErrorMessage)
	}
}

func statusForReadErr(err error) Status {
	if errors.Is(err, io.EOF) {
		return TransportStatus("connection reset: EOF")
	}
	return TransportStatus(err.Error())
}

func (c *RpcConnection) disconnect(status Status) {
	c.mu.Lock()
	if c.state == connDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = connDisconnected
	conn := c.conn
	pending := c.pending
	c.pending = nil
	inFlight := c.inFlight
	c.inFlight = make(map[uint32]*Call)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.closeOnce.Do(func() { close(c.closed) })

	all := make([]*Call, 0, len(pending)+len(inFlight))
	all = append(all, pending...)
	for _, call := range inFlight {
		all = append(all, call)
	}
	for _, call := range all {
		if call.timer != nil {
			call.timer.Stop()
		}
	}

	if c.onDisconnect != nil {
		c.onDisconnect(connFailedCalls{calls: all, status: status})
	}
}
