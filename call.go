package hrpc

import (
	"time"

	"github.com/google/uuid"
)

// CallState is one of the four states named in Data Model §3.
type CallState int

const (
	CallPendingSend CallState = iota
	CallInFlight
	CallAwaitingRetry
	CallCompleted
)

// Continuation is invoked exactly once when a Call reaches CallCompleted
// (§3, §8 property: "every accepted call's continuation fires exactly
// once").
type Continuation func(Status, []byte)

// Call is one pending RPC, carried across retries and reconnects until it
// completes (Data Model §3).
type Call struct {
	// CallID is assigned when the call is actually written to the wire;
	// it is reassigned on every resubmission (Design Notes §9).
	CallID     uint32
	MethodName string
	Request    []byte

	Continuation Continuation
	Deadline     time.Time
	CreatedAt    time.Time
	Attempts     uint32

	state CallState
	timer *time.Timer
	epoch uuid.UUID // the owning connection's epoch while in flight
}

func newCall(method string, req []byte, cont Continuation, deadline time.Time) *Call {
	return &Call{
		MethodName:   method,
		Request:      req,
		Continuation: cont,
		Deadline:     deadline,
		CreatedAt:    time.Now(),
		state:        CallPendingSend,
	}
}

// complete transitions the call to CallCompleted and invokes its
// continuation exactly once; subsequent calls are no-ops.
func (c *Call) complete(status Status, body []byte) {
	if c.state == CallCompleted {
		return
	}
	c.state = CallCompleted
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.Continuation != nil {
		c.Continuation(status, body)
	}
}
