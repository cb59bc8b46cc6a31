package hrpc

import (
	"context"
	"log/slog"
)

// Event names fired to an EventSink (§4.5).
const (
	EventNNConnect     = "NN_CONNECT"
	EventNNPreRPCRetry = "NN_PRE_RPC_RETRY"
	EventNNRead        = "NN_READ"
	EventNNWrite       = "NN_WRITE"
	EventDNReadReq     = "DN_READ_REQ"
	EventDNWriteReq    = "DN_WRITE_REQ"
)

// Outcome is what an EventSink returns for a fired hook. The zero value,
// OK, lets the engine proceed normally; an overriding Outcome substitutes
// Status for whatever the in-progress step would otherwise have produced
// -- the fault-injection mechanism §4.5 describes.
type Outcome struct {
	Override bool
	Status   Status
}

// OK is the non-overriding Outcome.
var OK = Outcome{}

// Err builds an overriding Outcome carrying status.
func Err(status Status) Outcome { return Outcome{Override: true, Status: status} }

// EventSink is invoked synchronously at named lifecycle points and must
// not block (§4.5, §5). value carries an event-specific number: an attempt
// count for NN_CONNECT/NN_PRE_RPC_RETRY, the call id for NN_READ/NN_WRITE,
// a byte count for DN_READ_REQ/DN_WRITE_REQ. The richer `(Outcome, error)` return -- rather than Outcome
// alone -- lets a sink report its own failure (a logging backend that's
// down, say) distinctly from a deliberate fault injection; fire folds
// either into the same Outcome the caller acts on.
type EventSink func(event, cluster string, value int64) (Outcome, error)

// DefaultSink logs through log/slog the way the teacher's SlogLogger
// reports connection lifecycle events, at Debug level, and never
// overrides an outcome. A nil logger uses slog.Default().
func DefaultSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return func(event, cluster string, value int64) (Outcome, error) {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "hrpc event",
			slog.String("event", event),
			slog.String("cluster", cluster),
			slog.Int64("value", value),
		)
		return OK, nil
	}
}

// fire calls sink if non-nil, treating a nil sink as always-OK and folding
// a sink-reported error into an overriding Outcome the same way a
// deliberate fault-injection Outcome would be treated.
func fire(sink EventSink, event, cluster string, value int64) Outcome {
	if sink == nil {
		return OK
	}
	outcome, err := sink(event, cluster, value)
	if err != nil {
		return Err(asStatus(err))
	}
	return outcome
}
