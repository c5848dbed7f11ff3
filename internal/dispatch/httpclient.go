package dispatch

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns the upstream transport: pooled connections, a
// bounded connect timeout, and DNS caching when a resolver is supplied.
func NewTransport(resolver *dnscache.Resolver, connectTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	dial := dialer.DialContext
	if resolver != nil {
		dial = cachedDial(resolver, dialer)
	}
	return &http.Transport{
		DialContext:         dial,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// cachedDial resolves hosts through the shared dnscache and dials the
// first returned address. Provider hostnames are few and long-lived, so a
// cached answer is almost always warm.
func cachedDial(resolver *dnscache.Resolver, dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
}
