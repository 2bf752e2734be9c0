package ech

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport returns a [Transport] that is ready to be used with
// [http.Client].
//
// By default, the returned [Transport] uses Encrypted Client Hello
// opportunistically and refuses to execute plaintext HTTP transactions.
// To require ECH, set Dialer.RequireECH = true. To allow plaintext HTTP,
// set HTTPTransport.DialContext = nil.
func NewTransport() *Transport {
	t := &Transport{
		Resolver: DefaultResolver,
		Dialer:   NewDialer(),
	}
	t.HTTPTransport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("attempting to dial a plaintext tcp connection")
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return t.Dialer.Dial(ctx, network, addr, t.TLSConfig)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	t.Dialer.Resolver = t.Resolver
	return t
}

// Transport is a [http.RoundTripper] that uses [Resolver], [Dialer], and
// [http.Transport] to execute HTTP transactions with Encrypted Client
// Hello in the underlying TLS connection.
type Transport struct {
	// HTTPTransport executes the HTTP transaction. The DialTLSContext
	// function is set by NewTransport and should not be modified.
	// DialContext, also set by NewTransport, refuses plaintext
	// connections; setting it to nil allows plaintext HTTP.
	HTTPTransport *http.Transport
	// Resolver is used for DNS name resolution.
	Resolver *Resolver
	// Dialer is used to dial the TLS connection. Its parameters can be
	// modified as needed.
	Dialer *Dialer[*tls.Conn]
	// TLSConfig is used when dialing the TLS connection. A nil value is
	// generally fine.
	TLSConfig *tls.Config
}

// RoundTrip implements the [http.RoundTripper] interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "http" {
		// Upgrade to https when the host publishes HTTPS records.
		res, err := t.Resolver.Resolve(req.Context(), req.URL.Hostname())
		if err == nil && len(res.HTTPS) > 0 {
			req = req.Clone(req.Context())
			req.URL.Scheme = "https"
		}
	}
	return t.HTTPTransport.RoundTrip(req)
}
