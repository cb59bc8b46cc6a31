package hrpc

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OperationKind distinguishes a CONNECT attempt from a CALL retry, since
// RetryPolicy weighs them differently (§4.4).
type OperationKind int

const (
	OpConnect OperationKind = iota
	OpCall
)

// DecisionKind is one of RetryPolicy's three outcomes (§4.4).
type DecisionKind int

const (
	DecisionFail DecisionKind = iota
	DecisionRetry
	DecisionFailoverAndRetry
)

// Decision is RetryPolicy's verdict for one failed attempt.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// RetryPolicy decides, given the failure status and the attempt's
// history, whether to retry in place, fail over to the next endpoint, or
// give up (§4.4).
type RetryPolicy interface {
	Decide(status Status, op OperationKind, attempts int, endpoints int, elapsed time.Duration) Decision
}

var nonRetryableKinds = map[StatusKind]bool{
	StatusAuthFailed:    true,
	StatusProtocolError: true,
	StatusCanceled:      true,
	StatusRemoteFatal:   true,
	StatusShutdown:      true,
}

// DefaultPolicy implements §4.4's default policy: transport/timeout
// failures are retried up to MaxRPCRetries, failing over across
// ServerInfo's endpoints first (bounded by FailoverMaxAttempts) with an
// exponential backoff delay, then retrying in place with a fixed delay.
type DefaultPolicy struct {
	Options Options
}

// NewDefaultPolicy builds a DefaultPolicy from already-defaulted Options.
func NewDefaultPolicy(opts Options) *DefaultPolicy {
	return &DefaultPolicy{Options: opts}
}

func (p *DefaultPolicy) Decide(status Status, op OperationKind, attempts int, endpoints int, elapsed time.Duration) Decision {
	if nonRetryableKinds[status.Kind] {
		return Decision{Kind: DecisionFail}
	}
	if status.Kind != StatusTransport && status.Kind != StatusTimeout {
		return Decision{Kind: DecisionFail}
	}

	maxRetries := p.Options.MaxRPCRetries
	if maxRetries >= 0 && attempts > maxRetries {
		return Decision{Kind: DecisionFail}
	}

	if endpoints > 1 {
		maxFailover := p.Options.FailoverMaxAttempts
		if maxFailover <= 0 {
			maxFailover = 15
		}
		if attempts <= maxFailover {
			return Decision{Kind: DecisionFailoverAndRetry, Delay: p.failoverDelay(attempts)}
		}
	}

	if maxRetries < 0 || attempts <= maxRetries {
		delay := time.Duration(p.Options.RPCRetryDelayMS) * time.Millisecond
		return Decision{Kind: DecisionRetry, Delay: delay}
	}
	return Decision{Kind: DecisionFail}
}

// failoverDelay computes the attempts-th exponential backoff step,
// bounded by FailoverSleepMaxMS, using cenkalti/backoff/v4 in place of a
// hand-rolled doubling loop.
func (p *DefaultPolicy) failoverDelay(attempts int) time.Duration {
	base := p.Options.FailoverSleepBaseMS
	if base <= 0 {
		base = 100
	}
	maxMS := p.Options.FailoverSleepMaxMS
	if maxMS <= 0 {
		maxMS = 15000
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(base) * time.Millisecond
	b.MaxInterval = time.Duration(maxMS) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset() // restart from InitialInterval now that it is configured

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if cap := time.Duration(maxMS) * time.Millisecond; d > cap {
		d = cap
	}
	return d
}
