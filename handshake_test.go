package hrpc

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedAuthProvider replays a canned sequence of challenges, marking the
// last one Done.
type fixedAuthProvider struct {
	rounds []string
	n      int
}

func (p *fixedAuthProvider) Protocol() int { return authProtocolToken }

func (p *fixedAuthProvider) Next(prev []byte) (AuthMessage, error) {
	payload := []byte(p.rounds[p.n])
	done := p.n == len(p.rounds)-1
	p.n++
	return AuthMessage{Payload: payload, Done: done}, nil
}

// serverAuthAccept reads one auth frame per round and answers SUCCESS to
// every round including the final one.
func serverAuthAccept(t *testing.T, r *bufio.Reader, w *bufio.Writer, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		h, _, err := readFrameSync(r)
		require.NoError(t, err)
		require.Equal(t, "_auth", h.MethodName)
		frame, err := encodeFrame(Header{CallID: h.CallID, Status: StatusOK}, nil)
		require.NoError(t, err)
		_, err = w.Write(frame)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
}

// serverAuthRejectFinal answers SUCCESS to every round except the last,
// which it rejects -- exercising §4.2 step 5's requirement that the peer's
// final message must itself carry SUCCESS.
func serverAuthRejectFinal(t *testing.T, r *bufio.Reader, w *bufio.Writer, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		h, _, err := readFrameSync(r)
		require.NoError(t, err)
		require.Equal(t, "_auth", h.MethodName)
		status := StatusOK
		class, msg := "", ""
		if i == rounds-1 {
			status = StatusRemoteError
			class, msg = "AuthRejected", "bad credentials"
		}
		frame, err := encodeFrame(Header{CallID: h.CallID, Status: status, ExceptionClass: class, ErrorMessage: msg}, nil)
		require.NoError(t, err)
		_, err = w.Write(frame)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
}

func readServerPreamble(t *testing.T, r *bufio.Reader) {
	t.Helper()
	buf := make([]byte, 7)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
}

func TestRunAuthExchangeSucceedsWhenFinalRoundIsSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	provider := &fixedAuthProvider{rounds: []string{"challenge-1", "challenge-2"}}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		sr := bufio.NewReader(serverConn)
		sw := bufio.NewWriter(serverConn)
		readServerPreamble(t, sr)
		serverAuthAccept(t, sr, sw, len(provider.rounds))
	}()

	cr := bufio.NewReader(clientConn)
	cw := bufio.NewWriter(clientConn)

	preamble := []byte{'h', 'r', 'p', 'c', 1, 0, byte(authProtocolToken)}
	_, err := cw.Write(preamble)
	require.NoError(t, err)
	require.NoError(t, cw.Flush())

	err = runAuthExchange(cr, cw, provider)
	assert.NoError(t, err)
	<-serverDone
}

func TestRunAuthExchangeFailsWhenFinalRoundIsRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	provider := &fixedAuthProvider{rounds: []string{"challenge-1", "challenge-2"}}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		sr := bufio.NewReader(serverConn)
		sw := bufio.NewWriter(serverConn)
		readServerPreamble(t, sr)
		serverAuthRejectFinal(t, sr, sw, len(provider.rounds))
	}()

	cr := bufio.NewReader(clientConn)
	cw := bufio.NewWriter(clientConn)

	preamble := []byte{'h', 'r', 'p', 'c', 1, 0, byte(authProtocolToken)}
	_, err := cw.Write(preamble)
	require.NoError(t, err)
	require.NoError(t, cw.Flush())

	err = runAuthExchange(cr, cw, provider)
	require.Error(t, err)
	st, ok := err.(Status)
	require.True(t, ok)
	assert.Equal(t, StatusAuthFailed, st.Kind)
	<-serverDone
}

func TestRunAuthExchangeRequiresProvider(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	cr := bufio.NewReader(clientConn)
	cw := bufio.NewWriter(clientConn)

	err := runAuthExchange(cr, cw, nil)
	require.Error(t, err)
	st, ok := err.(Status)
	require.True(t, ok)
	assert.Equal(t, StatusAuthFailed, st.Kind)
}
