package networking

import (
	"crypto/tls"
	"net/http"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// HttpClientBuilder provides a fluent interface for building the HTTP clients
// the bridge uses for its outbound calls to the WOPI storage and to the
// collaborative app.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	skipTLSVerify         bool
	followRedirects       bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
		followRedirects:       true,
	}
}

// WithSkipTLSVerify disables certificate verification on outbound calls.
// Used when the storage or the app run with self-signed certificates.
func (b *HttpClientBuilder) WithSkipTLSVerify(skip bool) *HttpClientBuilder {
	b.skipTLSVerify = skip
	return b
}

// WithoutRedirects makes the client return redirect responses to the caller
// instead of following them. Needed wherever a 302 Location header carries
// information (note aliasing, publish slugs, new note ids).
func (b *HttpClientBuilder) WithoutRedirects() *HttpClientBuilder {
	b.followRedirects = false
	return b
}

// WithTimeout overrides the default client timeout
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	b.clientTimeout = timeout
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if b.skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 - deployment-controlled toggle for self-signed test setups
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   b.clientTimeout,
	}

	if !b.followRedirects {
		client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client, nil
}
