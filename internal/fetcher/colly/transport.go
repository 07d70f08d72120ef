package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/kekewolf/web-fetcher/internal/metrics"
)

// chromeH1Spec builds a Chrome-like ClientHello with ALPN limited to
// http/1.1, since http.Transport cannot speak h2 over a uTLS connection.
// Extensions keep handshake state, so every connection needs its own spec.
func chromeH1Spec() (tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return tls.ClientHelloSpec{}, err
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return spec, nil
}

// TransportConfig tunes the direct fetcher's HTTP transport.
type TransportConfig struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	InsecureSkipVerify  bool
}

func newHTTPTransport(cfg TransportConfig) *http.Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 15 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		DialTLSContext:        browserTLSDialer(dialer, cfg),
		ForceAttemptHTTP2:     false,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// browserTLSDialer performs the handshake with a browser fingerprint and
// accepts one server-initiated renegotiation, which older bank portals still
// require.
func browserTLSDialer(dialer *net.Dialer, cfg TransportConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in for test and intranet hosts.
			Renegotiation:      tls.RenegotiateOnceAsClient,
		}
		spec, err := chromeH1Spec()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("build tls spec: %w", err)
		}
		tlsConn := tls.UClient(conn, tlsConfig, tls.HelloCustom)
		if err := tlsConn.ApplyPreset(&spec); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply tls spec: %w", err)
		}
		hsCtx, cancel := context.WithTimeout(ctx, cfg.TLSHandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = conn.Close()
			metrics.ObserveTLSHandshakeFailure()
			return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
		}
		return tlsConn, nil
	}
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
