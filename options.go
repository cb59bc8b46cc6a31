package hrpc

import (
	"fmt"

	"github.com/google/uuid"
)

// Endpoint is one dialable (host, port) pair.
type Endpoint struct {
	Host   string
	Port   int
	Family string // "tcp", "tcp4", "tcp6"; empty means "tcp"
}

// Network returns the net.Dial network name for this endpoint.
func (e Endpoint) Network() string {
	if e.Family == "" {
		return "tcp"
	}
	return e.Family
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ServerInfo is one logical server: an ordered list of endpoints (primary
// plus standbys) and a cursor that failover advances (§4.4, and the
// NamenodeTracker-style cursor described in SPEC_FULL.md §4).
type ServerInfo struct {
	Cluster   string
	Endpoints []Endpoint

	cursor int
}

// NewServerInfo builds a ServerInfo. An empty cluster tag is minted with
// uuid.NewString(), the way identifiers are minted elsewhere in the pack
// when the caller doesn't supply one.
func NewServerInfo(cluster string, endpoints ...Endpoint) *ServerInfo {
	if cluster == "" {
		cluster = uuid.NewString()
	}
	return &ServerInfo{
		Cluster:   cluster,
		Endpoints: append([]Endpoint(nil), endpoints...),
	}
}

// Current returns the endpoint the cursor currently points at.
func (s *ServerInfo) Current() (Endpoint, bool) {
	if len(s.Endpoints) == 0 {
		return Endpoint{}, false
	}
	return s.Endpoints[s.cursor%len(s.Endpoints)], true
}

// Advance moves the cursor to the next endpoint, wrapping around, and
// returns the new current endpoint.
func (s *ServerInfo) Advance() (Endpoint, bool) {
	if len(s.Endpoints) == 0 {
		return Endpoint{}, false
	}
	s.cursor = (s.cursor + 1) % len(s.Endpoints)
	return s.Current()
}

// Len reports the number of configured endpoints.
func (s *ServerInfo) Len() int { return len(s.Endpoints) }

// SslOpts configures optional TLS transport over tarantool/go-openssl,
// reusing the teacher's ssl.go field shape.
type SslOpts struct {
	KeyFile  string
	CertFile string
	CaFile   string
	Ciphers  string
}

// Options configures an Engine. There is no file/env/CLI source for these
// fields (spec.md §6's Non-goals); callers populate this struct directly
// in Go, the way the teacher's Opts is populated.
type Options struct {
	// MaxRPCRetries is how many times a failed call is retried on the
	// same or a failed-over connection. -1 means unlimited, 0 means never.
	MaxRPCRetries int
	// RPCRetryDelayMS is the fixed delay before a plain RETRY (not a
	// failover) is resubmitted.
	RPCRetryDelayMS int
	// RPCTimeoutMS is the per-call deadline; 0 disables it.
	RPCTimeoutMS int

	HandshakeTimeoutMS int
	ConnectTimeoutMS   int

	ClientName   string
	UserName     string
	ProtocolName string
	// ProtocolVersion is echoed in both the preamble and ConnectionContext.
	ProtocolVersion int

	// FailoverMaxAttempts caps FAIL_OVER_AND_RETRY decisions when more
	// than one endpoint is configured.
	FailoverMaxAttempts int
	FailoverSleepBaseMS int
	FailoverSleepMaxMS  int

	// Secure, if non-nil, dials over TLS via tarantool/go-openssl.
	Secure *SslOpts

	AuthProvider AuthProvider
	EventSink    EventSink
}

// WithDefaults returns a copy of o with zero-value fields defaulted, the
// way the teacher's Connect defaults Opts.Logger/Opts.Concurrency.
func (o Options) WithDefaults() Options {
	out := o
	if out.HandshakeTimeoutMS == 0 {
		out.HandshakeTimeoutMS = 20000
	}
	if out.ConnectTimeoutMS == 0 {
		out.ConnectTimeoutMS = 20000
	}
	if out.ClientName == "" {
		out.ClientName = "hrpc"
	}
	if out.ProtocolName == "" {
		out.ProtocolName = "hrpc"
	}
	if out.FailoverSleepBaseMS == 0 {
		out.FailoverSleepBaseMS = 100
	}
	if out.FailoverSleepMaxMS == 0 {
		out.FailoverSleepMaxMS = 15000
	}
	if out.FailoverMaxAttempts == 0 {
		out.FailoverMaxAttempts = 15
	}
	return out
}
