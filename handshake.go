package hrpc

import (
	"bufio"
	"fmt"

	msgpackv2 "gopkg.in/vmihailenco/msgpack.v2"
)

// magic is the fixed 4-byte preamble every connection opens with (§4.2).
var magic = [4]byte{'h', 'r', 'p', 'c'}

const (
	authProtocolSimple = 0
	authProtocolToken  = 1
)

// AuthMessage is one round of an AuthProvider's SASL-like exchange
// (§4.2 step 5). Done is set once no further round is needed.
type AuthMessage struct {
	Payload []byte
	Done    bool
}

// AuthProvider supplies a per-connection handshake exchange. It is an
// external collaborator (spec.md §1) -- this engine only names its shape
// and drives it, never interprets Payload.
type AuthProvider interface {
	// Protocol returns authProtocolSimple or authProtocolToken.
	Protocol() int
	// Next produces the next challenge/response given the previous
	// message from the peer (nil on the first call).
	Next(prev []byte) (AuthMessage, error)
}

// connectionContext is the msgpack.v2-coded message flushed as step 6 of
// the handshake (§4.2) -- a deliberately different codec major than
// framer.go's header codec (see DESIGN.md).
type connectionContext struct {
	ClientID        string `msgpack:"client_id"`
	UserName        string `msgpack:"user_name"`
	ProtocolName    string `msgpack:"protocol_name"`
	ProtocolVersion int    `msgpack:"protocol_version"`
}

// doHandshake performs §4.2 steps 1-6 on a freshly dialed socket, using
// the same buffered reader/writer the connection keeps for its whole
// lifetime -- an auth exchange may read ahead into the connection's
// buffer, and reusing it (rather than wrapping the raw socket again
// afterward) means those bytes are never lost. It returns a Status
// (HandshakeFailed or AuthFailed) on any failure and never partially
// applies the connection context: a caller sees either a fully flushed
// handshake or an error before any call may be sent.
func doHandshake(r *bufio.Reader, w *bufio.Writer, opts Options) error {
	authProto := byte(authProtocolSimple)
	if opts.AuthProvider != nil {
		authProto = byte(opts.AuthProvider.Protocol())
	}

	preamble := make([]byte, 0, 7)
	preamble = append(preamble, magic[:]...)
	preamble = append(preamble, byte(opts.ProtocolVersion))
	preamble = append(preamble, 0) // service class: reserved, always 0
	preamble = append(preamble, authProto)

	if _, err := w.Write(preamble); err != nil {
		return HandshakeFailedStatus("write preamble: " + err.Error())
	}
	if err := w.Flush(); err != nil {
		return HandshakeFailedStatus("flush preamble: " + err.Error())
	}

	if authProto != authProtocolSimple {
		if err := runAuthExchange(r, w, opts.AuthProvider); err != nil {
			return err
		}
	}

	ctxMsg := connectionContext{
		ClientID:        opts.ClientName,
		UserName:        opts.UserName,
		ProtocolName:    opts.ProtocolName,
		ProtocolVersion: opts.ProtocolVersion,
	}
	payload, err := msgpackv2.Marshal(&ctxMsg)
	if err != nil {
		return HandshakeFailedStatus("encode connection context: " + err.Error())
	}
	frame, err := encodeFrame(Header{MethodName: "_connection_context"}, payload)
	if err != nil {
		return HandshakeFailedStatus(err.Error())
	}
	if _, err := w.Write(frame); err != nil {
		return HandshakeFailedStatus("write connection context: " + err.Error())
	}
	if err := w.Flush(); err != nil {
		return HandshakeFailedStatus("flush connection context: " + err.Error())
	}
	return nil
}

// runAuthExchange drives §4.2 step 5's optional SASL-like round trip.
// Each round is framed the same way an ordinary call would be, with a
// reserved method name distinguishing it from application traffic. Per
// step 5, the exchange only succeeds once the peer's own final message
// carries a SUCCESS status -- the provider being Done on its side is not
// by itself sufficient, since the peer may still reject the last round.
func runAuthExchange(r *bufio.Reader, w *bufio.Writer, provider AuthProvider) error {
	if provider == nil {
		return AuthFailedStatus("auth protocol requires an AuthProvider")
	}
	var prev []byte
	for {
		msg, err := provider.Next(prev)
		if err != nil {
			return AuthFailedStatus(err.Error())
		}
		frame, err := encodeFrame(Header{MethodName: "_auth"}, msg.Payload)
		if err != nil {
			return HandshakeFailedStatus(err.Error())
		}
		if _, err := w.Write(frame); err != nil {
			return HandshakeFailedStatus("write auth challenge: " + err.Error())
		}
		if err := w.Flush(); err != nil {
			return HandshakeFailedStatus("flush auth challenge: " + err.Error())
		}

		respHeader, respBody, err := readFrameSync(r)
		if err != nil {
			return HandshakeFailedStatus("read auth response: " + err.Error())
		}
		if msg.Done {
			if respHeader.Status != StatusOK {
				return AuthFailedStatus(fmt.Sprintf("peer rejected final auth round: %s: %s",
					respHeader.ExceptionClass, respHeader.ErrorMessage))
			}
			return nil
		}
		prev = respBody
	}
}
