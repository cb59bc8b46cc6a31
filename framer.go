package hrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Header carries call routing and status metadata alongside an opaque
// body (§4.1). MethodName is set on requests and empty on responses;
// the remaining fields are meaningful on responses only.
type Header struct {
	CallID         uint32
	MethodName     string
	Status         StatusKind
	ExceptionClass string
	ErrorMessage   string
}

// wireHeader is the msgpack-map wire shape for Header -- the concrete
// stand-in for the externally supplied schema/codec library spec.md §1
// treats as out of scope.
type wireHeader struct {
	CallID  uint32 `msgpack:"call_id"`
	Method  string `msgpack:"method,omitempty"`
	Status  string `msgpack:"status,omitempty"`
	Class   string `msgpack:"exception_class,omitempty"`
	Message string `msgpack:"error_message,omitempty"`
}

const (
	wireStatusSuccess = "SUCCESS"
	wireStatusError   = "ERROR"
	wireStatusFatal   = "FATAL"
)

func statusToWire(k StatusKind) string {
	switch k {
	case StatusOK:
		return wireStatusSuccess
	case StatusRemoteFatal:
		return wireStatusFatal
	default:
		return wireStatusError
	}
}

func wireToStatus(s string) StatusKind {
	switch s {
	case wireStatusSuccess, "":
		return StatusOK
	case wireStatusFatal:
		return StatusRemoteFatal
	default:
		return StatusRemoteError
	}
}

// unknownStatusClass is substituted for ExceptionClass whenever the wire
// carries a status string outside {SUCCESS, ERROR, FATAL} (§4.1: "unknown
// status codes decode as ERROR with class = UnknownStatus").
const unknownStatusClass = "UnknownStatus"

func isKnownWireStatus(s string) bool {
	switch s {
	case wireStatusSuccess, wireStatusError, wireStatusFatal, "":
		return true
	default:
		return false
	}
}

// ErrNeedMore signals that buf holds no complete frame yet.
var ErrNeedMore = errors.New("framer: need more data")

// MalformedFrameError is an unrecoverable frame: the connection holding it
// must be closed rather than retried (§4.1, §7 StatusProtocolError).
type MalformedFrameError struct{ Reason string }

func (e *MalformedFrameError) Error() string { return "framer: malformed frame: " + e.Reason }

// encodeFrame emits one length-delimited frame:
// total_len:u32_be header_len:varint header body_len:varint body
// A non-success response (h.MethodName == "" && h.Status != StatusOK)
// carries no body, per §4.1.
func encodeFrame(h Header, body []byte) ([]byte, error) {
	wh := wireHeader{CallID: h.CallID, Method: h.MethodName}
	if h.MethodName == "" {
		wh.Status = statusToWire(h.Status)
		if wh.Status != wireStatusSuccess {
			wh.Class = h.ExceptionClass
			wh.Message = h.ErrorMessage
			body = nil
		}
	}

	headerBytes, err := msgpack.Marshal(&wh)
	if err != nil {
		return nil, fmt.Errorf("framer: encode header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, 4)) // placeholder for total_len
	writeVarint(&buf, uint64(len(headerBytes)))
	buf.Write(headerBytes)
	writeVarint(&buf, uint64(len(body)))
	buf.Write(body)

	out := buf.Bytes()
	total := len(out) - 4
	binary.BigEndian.PutUint32(out[:4], uint32(total))
	return out, nil
}

// decodeFrame consumes the longest complete frame from buf's prefix. On
// success n is the number of bytes consumed (the caller should reslice
// buf[n:] before its next call). On ErrNeedMore or a MalformedFrameError,
// n is always 0: the caller has consumed nothing.
func decodeFrame(buf []byte) (h Header, body []byte, n int, err error) {
	if len(buf) < 4 {
		return Header{}, nil, 0, ErrNeedMore
	}
	total := binary.BigEndian.Uint32(buf[:4])
	if uint64(len(buf)) < 4+uint64(total) {
		return Header{}, nil, 0, ErrNeedMore
	}
	frame := buf[4 : 4+total]

	headerLen, hn, err := readVarint(frame)
	if err != nil {
		return Header{}, nil, 0, &MalformedFrameError{Reason: err.Error()}
	}
	frame = frame[hn:]
	if uint64(len(frame)) < headerLen {
		return Header{}, nil, 0, &MalformedFrameError{Reason: "header length exceeds frame"}
	}
	headerBytes := frame[:headerLen]
	frame = frame[headerLen:]

	bodyLen, bn, err := readVarint(frame)
	if err != nil {
		return Header{}, nil, 0, &MalformedFrameError{Reason: err.Error()}
	}
	frame = frame[bn:]
	if uint64(len(frame)) != bodyLen {
		return Header{}, nil, 0, &MalformedFrameError{Reason: "body length mismatch"}
	}

	var wh wireHeader
	if err := msgpack.Unmarshal(headerBytes, &wh); err != nil {
		return Header{}, nil, 0, &MalformedFrameError{Reason: err.Error()}
	}

	out := Header{CallID: wh.CallID, MethodName: wh.Method}
	if wh.Method == "" {
		out.Status = wireToStatus(wh.Status)
		out.ExceptionClass = wh.Class
		out.ErrorMessage = wh.Message
		if !isKnownWireStatus(wh.Status) {
			out.ExceptionClass = unknownStatusClass
		}
	}

	var bodyOut []byte
	if len(frame) > 0 {
		bodyOut = append([]byte(nil), frame...)
	}
	return out, bodyOut, 4 + int(total), nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, errors.New("invalid varint")
	}
	return v, n, nil
}

// readFrameSync blocks on r until one complete frame is available,
// growing an internal buffer as needed. It never reads past the end of
// that frame, so bytes that follow it stay in r. It is used by the
// handshake and by tests; RpcConnection's own reader loop inlines the same
// decodeFrame contract over its persistent buffer instead of allocating
// one per call.
func readFrameSync(r io.Reader) (Header, []byte, error) {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 4096)
	for {
		h, body, n, err := decodeFrame(buf)
		if err == nil {
			_ = n
			return h, body, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return Header{}, nil, err
		}
		need := 4 - len(buf)
		if len(buf) >= 4 {
			need = 4 + int(binary.BigEndian.Uint32(buf[:4])) - len(buf)
		}
		if need > len(tmp) {
			need = len(tmp)
		}
		rn, rerr := r.Read(tmp[:need])
		if rn > 0 {
			buf = append(buf, tmp[:rn]...)
		}
		if rerr != nil {
			return Header{}, nil, rerr
		}
	}
}
