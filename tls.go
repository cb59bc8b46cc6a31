//go:build !hrpc_ssl_disable
// +build !hrpc_ssl_disable

package hrpc

import (
	"fmt"
	"net"
	"os"
	"time"

	openssl "github.com/tarantool/go-openssl"
)

// dialSecure opens a TLS connection over tarantool/go-openssl using the
// key/cert/CA material in opts, the way the teacher's ssl.go wires
// sslDialTimeout in behind the same Dial call dial.go otherwise uses.
func dialSecure(network, address string, timeout time.Duration, opts SslOpts) (net.Conn, error) {
	ctx, err := newSecureContext(opts)
	if err != nil {
		return nil, err
	}
	conn, err := openssl.DialTimeout(network, address, timeout, ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("hrpc: tls dial: %w", err)
	}
	return conn, nil
}

func newSecureContext(opts SslOpts) (*openssl.Ctx, error) {
	ctx, err := openssl.NewCtxWithVersion(openssl.TLSv1_2)
	if err != nil {
		return nil, fmt.Errorf("hrpc: openssl context: %w", err)
	}
	ctx.SetMaxProtoVersion(openssl.TLS1_2_VERSION)
	ctx.SetMinProtoVersion(openssl.TLS1_2_VERSION)

	if opts.CertFile != "" {
		if err := loadSecureCertificate(ctx, opts.CertFile); err != nil {
			return nil, err
		}
	}
	if opts.KeyFile != "" {
		if err := loadSecureKey(ctx, opts.KeyFile); err != nil {
			return nil, err
		}
	}
	if opts.CaFile != "" {
		if err := ctx.LoadVerifyLocations(opts.CaFile, ""); err != nil {
			return nil, fmt.Errorf("hrpc: load CA bundle: %w", err)
		}
		ctx.SetVerify(openssl.VerifyPeer|openssl.VerifyFailIfNoPeerCert, nil)
	}
	if opts.Ciphers != "" {
		if err := ctx.SetCipherList(opts.Ciphers); err != nil {
			return nil, fmt.Errorf("hrpc: set cipher list: %w", err)
		}
	}
	return ctx, nil
}

// loadSecureCertificate reads a PEM chain from certFile the way the
// teacher's sslLoadCert does: UseCertificate for the leaf, AddChainCertificate
// for the rest, since go-openssl has no file-based certificate loader.
func loadSecureCertificate(ctx *openssl.Ctx, certFile string) error {
	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("hrpc: read certificate file: %w", err)
	}

	certs := openssl.SplitPEM(certBytes)
	if len(certs) == 0 {
		return fmt.Errorf("hrpc: no PEM certificate found in %s", certFile)
	}
	first, rest := certs[0], certs[1:]

	leaf, err := openssl.LoadCertificateFromPEM(first)
	if err != nil {
		return fmt.Errorf("hrpc: load certificate: %w", err)
	}
	if err := ctx.UseCertificate(leaf); err != nil {
		return fmt.Errorf("hrpc: use certificate: %w", err)
	}

	for _, pem := range rest {
		chainCert, err := openssl.LoadCertificateFromPEM(pem)
		if err != nil {
			return fmt.Errorf("hrpc: load chain certificate: %w", err)
		}
		if err := ctx.AddChainCertificate(chainCert); err != nil {
			return fmt.Errorf("hrpc: add chain certificate: %w", err)
		}
	}
	return nil
}

// loadSecureKey reads a PEM private key from keyFile, mirroring the
// teacher's sslLoadKey.
func loadSecureKey(ctx *openssl.Ctx, keyFile string) error {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("hrpc: read private key file: %w", err)
	}
	key, err := openssl.LoadPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return fmt.Errorf("hrpc: load private key: %w", err)
	}
	if err := ctx.UsePrivateKey(key); err != nil {
		return fmt.Errorf("hrpc: use private key: %w", err)
	}
	return nil
}
