// Package httpclient builds the outbound HTTP clients used for upstream
// calls. Clients honor an optional proxy URL (http, https or socks5) and
// transparently decode gzip/brotli response bodies.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// New returns an HTTP client routed through proxyURL when set. A zero
// timeout means no client-level timeout (per-request contexts still apply).
func New(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Upstream SSE bodies are decoded by DecodeBody; disable the
		// transport's own gzip handling so Content-Encoding survives.
		DisableCompression: true,
	}

	if trimmed := strings.TrimSpace(proxyURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			log.Warnf("httpclient: invalid proxy url %q: %v", trimmed, err)
		} else {
			switch parsed.Scheme {
			case "socks5", "socks5h":
				dialer, errDialer := proxy.FromURL(parsed, proxy.Direct)
				if errDialer != nil {
					log.Warnf("httpclient: socks proxy setup failed: %v", errDialer)
				} else if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
					transport.Proxy = nil
					transport.DialContext = contextDialer.DialContext
				} else {
					transport.Proxy = nil
					transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
						return dialer.Dial(network, addr)
					}
				}
			case "http", "https":
				transport.Proxy = http.ProxyURL(parsed)
			default:
				log.Warnf("httpclient: unsupported proxy scheme %q", parsed.Scheme)
			}
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}

// DecodeBody wraps resp.Body with a decompressing reader when the upstream
// answered with a compressed Content-Encoding. The caller keeps ownership of
// the returned reader and must close it.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{reader: reader, inner: resp.Body}, nil
	case "br":
		return &wrappedBody{reader: brotli.NewReader(resp.Body), inner: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedBody struct {
	reader io.Reader
	inner  io.ReadCloser
}

func (w *wrappedBody) Read(p []byte) (int, error) { return w.reader.Read(p) }

func (w *wrappedBody) Close() error {
	if closer, ok := w.reader.(io.Closer); ok {
		_ = closer.Close()
	}
	return w.inner.Close()
}
