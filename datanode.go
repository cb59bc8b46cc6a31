package hrpc

import (
	"context"
	"net"
	"sync"
	"time"
)

// DataNodeDone reports the outcome of a DataNodeConnection dial attempt.
type DataNodeDone func(Status)

// IODone reports the outcome of one AsyncReadSome/AsyncWriteSome call.
type IODone func(n int, status Status)

// DataNodeConnection is a byte-level stream used for block transfer (C7,
// §4.6). Unlike RpcConnection it does no framing or call multiplexing --
// callers own their own retry policy and wire format, per spec.md §1.
type DataNodeConnection struct {
	mu      sync.Mutex
	opts    Options
	sink    EventSink
	cluster string
	loop    *ioService

	conn   net.Conn
	closed bool
}

// NewDataNodeConnection builds a DataNodeConnection sharing loop with the
// RpcEngine that owns this transfer, per §5's "C1 is shared across C4 and
// C7".
func NewDataNodeConnection(opts Options, sink EventSink, cluster string, loop *ioService) *DataNodeConnection {
	return &DataNodeConnection{opts: opts, sink: sink, cluster: cluster, loop: loop}
}

// Connect dials endpoints in order, succeeding on the first reachable one
// and reporting failure only once all are exhausted.
func (d *DataNodeConnection) Connect(ctx context.Context, endpoints []Endpoint, done DataNodeDone) {
	go func() {
		timeout := time.Duration(d.opts.ConnectTimeoutMS) * time.Millisecond
		var lastErr error
		for _, ep := range endpoints {
			var conn net.Conn
			var err error
			if d.opts.Secure != nil {
				conn, err = dialSecure(ep.Network(), ep.String(), timeout, *d.opts.Secure)
			} else {
				dialer := net.Dialer{Timeout: timeout}
				conn, err = dialer.DialContext(ctx, ep.Network(), ep.String())
			}
			if err == nil {
				d.mu.Lock()
				d.conn = conn
				d.mu.Unlock()
				d.loop.after(0, func() { done(OKStatus()) })
				return
			}
			lastErr = err
		}
		status := TransportStatus("no reachable datanode endpoint")
		if lastErr != nil {
			status.Message = lastErr.Error()
		}
		d.loop.after(0, func() { done(status) })
	}()
}

// AsyncReadSome reads at most len(buf) bytes, reporting the byte count
// through EventSink's DN_READ_REQ event for observability (§4.6).
func (d *DataNodeConnection) AsyncReadSome(buf []byte, done IODone) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		d.loop.after(0, func() { done(0, TransportStatus("datanode connection not connected")) })
		return
	}
	go func() {
		n, err := conn.Read(buf)
		if outcome := fire(d.sink, EventDNReadReq, d.cluster, int64(n)); outcome.Override {
			d.loop.after(0, func() { done(0, outcome.Status) })
			return
		}
		status := OKStatus()
		if err != nil {
			status = statusForReadErr(err)
		}
		d.loop.after(0, func() { done(n, status) })
	}()
}

// AsyncWriteSome writes at most len(buf) bytes, reporting the byte count
// through EventSink's DN_WRITE_REQ event.
func (d *DataNodeConnection) AsyncWriteSome(buf []byte, done IODone) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		d.loop.after(0, func() { done(0, TransportStatus("datanode connection not connected")) })
		return
	}
	go func() {
		n, err := conn.Write(buf)
		if outcome := fire(d.sink, EventDNWriteReq, d.cluster, int64(n)); outcome.Override {
			d.loop.after(0, func() { done(0, outcome.Status) })
			return
		}
		status := OKStatus()
		if err != nil {
			status = TransportStatus(err.Error())
		}
		d.loop.after(0, func() { done(n, status) })
	}()
}

// Cancel closes the underlying socket, unblocking any in-flight read or
// write and making future calls fail immediately.
func (d *DataNodeConnection) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.conn != nil {
		d.conn.Close()
	}
}
