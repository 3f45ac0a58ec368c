package http

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig holds HTTP client configuration
type HTTPClientConfig struct {
	// Connection pooling
	MaxIdleConns        int           // Total idle connections across all hosts
	MaxIdleConnsPerHost int           // Idle connections per host
	MaxConnsPerHost     int           // Maximum connections per host (including active)
	IdleConnTimeout     time.Duration // How long idle connections stay alive

	// Timeouts
	DialTimeout           time.Duration // TCP connection timeout
	TLSHandshakeTimeout   time.Duration // TLS handshake timeout
	ResponseHeaderTimeout time.Duration // Waiting for response headers

	// Keep-alive
	KeepAlive time.Duration

	// TLS
	InsecureSkipVerify bool
	MinTLSVersion      uint16
}

// BackendClientConfig returns config tuned for the commerce backend.
// One host, small bursts: prepay, status polls every few seconds, student lookups.
func BackendClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     40,
		IdleConnTimeout:     90 * time.Second,

		DialTimeout:           5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,

		KeepAlive: 60 * time.Second,

		InsecureSkipVerify: false,
		MinTLSVersion:      tls.VersionTLS12,
	}
}

// NewHTTPClient creates an HTTP client with the given configuration
func NewHTTPClient(cfg *HTTPClientConfig, timeout time.Duration) *http.Client {
	if cfg == nil {
		cfg = BackendClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,

		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         cfg.MinTLSVersion,
		},

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
