package hrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelPendingConnectAbortsBeforeReady(t *testing.T) {
	c := newRpcConnection(Endpoint{Host: "127.0.0.1", Port: 1}, Options{}.WithDefaults(), nil, "c", nil)
	assert.True(t, c.CancelPendingConnect() == false) // still CREATED, nothing in flight yet

	c.mu.Lock()
	c.state = connConnecting
	c.mu.Unlock()
	assert.True(t, c.CancelPendingConnect())

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	assert.Equal(t, connDisconnected, state)
}

func TestCancelPendingConnectFalseWhenReady(t *testing.T) {
	c := newRpcConnection(Endpoint{}, Options{}.WithDefaults(), nil, "c", nil)
	c.mu.Lock()
	c.state = connReady
	c.mu.Unlock()
	assert.False(t, c.CancelPendingConnect())
}

func TestIdleForReflectsLastActivity(t *testing.T) {
	c := newRpcConnection(Endpoint{}, Options{}.WithDefaults(), nil, "c", nil)
	past := time.Now().Add(-time.Minute)
	c.mu.Lock()
	c.lastActivity = past
	c.mu.Unlock()

	idle := c.IdleFor(time.Now())
	assert.GreaterOrEqual(t, idle, 59*time.Second)
}

func TestEnqueueFailsOnDisconnectedConnection(t *testing.T) {
	c := newRpcConnection(Endpoint{}, Options{}.WithDefaults(), nil, "c", nil)
	c.mu.Lock()
	c.state = connDisconnected
	c.mu.Unlock()

	ok := c.Enqueue(newCall("m", nil, func(Status, []byte) {}, time.Time{}))
	assert.False(t, ok)
}

func TestCompleteCallIsExactlyOnceUnderConcurrentCompletion(t *testing.T) {
	c := newRpcConnection(Endpoint{}, Options{}.WithDefaults(), nil, "c", nil)

	var fires int32
	call := newCall("m", nil, func(Status, []byte) {
		atomic.AddInt32(&fires, 1)
	}, time.Time{})
	call.CallID = 1

	c.mu.Lock()
	c.inFlight[call.CallID] = call
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.completeCall(call, OKStatus(), []byte("body"))
	}()
	go func() {
		defer wg.Done()
		c.completeCall(call, TimeoutStatus("timed out"), nil)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fires))
	c.mu.Lock()
	_, stillPresent := c.inFlight[call.CallID]
	c.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestOpenFailsFastOnRefusedConnection(t *testing.T) {
	c := newRpcConnection(closedPort(t), Options{ConnectTimeoutMS: 500}.WithDefaults(), nil, "c", nil)
	err := c.Open(context.Background())
	require.Error(t, err)
	st, ok := err.(Status)
	require.True(t, ok)
	assert.Equal(t, StatusTransport, st.Kind)
}
