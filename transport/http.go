// Package transport builds the HTTP client used to talk to the experiment server.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
)

var ErrKeyPairIncomplete = errors.New("transport: cert file and key file must be set together")

// Config describes the client transport. The zero value is a plain HTTPS/1.1
// client with a cookie jar and the system roots.
type Config struct {
	CAFile   string // extra root CA bundle (PEM)
	CertFile string // client certificate for mTLS
	KeyFile  string // client key for mTLS
	HTTP2    bool   // negotiate HTTP/2 over TLS
}

// Validate checks that the mTLS key pair is either complete or absent.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return ErrKeyPairIncomplete
	}
	return nil
}

// BuildClient creates an *http.Client from cfg.
// The client keeps cookies across calls, like the browser the server expects,
// and sets no timeout: a hung request hangs until its context ends.
func BuildClient(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	base := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(base); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &http.Client{
		Transport: base,
		Jar:       jar,
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
