package httpclient

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns an HTTP client with timeouts so that dead upstreams don't hang tuner slots
// or materialization forever. Use for metadata providers and identity DB refreshes.
func Default() *http.Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	configureHTTP2(transport)
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: transport,
	}
}

// ForStreaming returns a client with no overall timeout (stream may be long-lived) but
// ResponseHeaderTimeout so that failover can happen when the upstream never responds. Used
// by library.HTTPResolver to fetch the source bytes a channel's transcoder reads.
func ForStreaming() *http.Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}
	configureHTTP2(transport)
	return &http.Client{Transport: transport}
}

// configureHTTP2 layers TLS-ALPN HTTP/2 support onto transport (cleartext
// h2c is not enabled, so plain http:// origins stay on HTTP/1.1): upstream
// library/metadata origins increasingly only keep HTTP/1.1 keep-alive pools
// warm for one connection per host, and h2 multiplexing avoids head-of-line
// starvation when the pipeline resolves several library URLs concurrently.
// Failure to configure is non-fatal: transport still works over HTTP/1.1.
func configureHTTP2(transport *http.Transport) {
	_ = http2.ConfigureTransport(transport)
}
