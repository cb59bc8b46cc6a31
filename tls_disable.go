//go:build hrpc_ssl_disable
// +build hrpc_ssl_disable

package hrpc

import (
	"errors"
	"net"
	"time"
)

func dialSecure(network, address string, timeout time.Duration, opts SslOpts) (net.Conn, error) {
	return nil, errors.New("hrpc: TLS support is disabled")
}
