package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

func responseWith(encoding string, body []byte) *http.Response {
	header := make(http.Header)
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}
	return &http.Response{
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
}

func TestDecodeBody_Plain(t *testing.T) {
	t.Parallel()

	resp := responseWith("", []byte("plain body"))
	reader, err := DecodeBody(resp)
	if err != nil {
		t.Fatalf("DecodeBody error = %v", err)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "plain body" {
		t.Errorf("body = %q", data)
	}
}

func TestDecodeBody_Gzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write([]byte("gzipped payload"))
	_ = w.Close()

	reader, err := DecodeBody(responseWith("gzip", buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeBody error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read decoded body: %v", err)
	}
	if string(data) != "gzipped payload" {
		t.Errorf("body = %q", data)
	}
}

func TestDecodeBody_Brotli(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write([]byte("brotli payload"))
	_ = w.Close()

	reader, err := DecodeBody(responseWith("br", buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeBody error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read decoded body: %v", err)
	}
	if string(data) != "brotli payload" {
		t.Errorf("body = %q", data)
	}
}

func TestNew_InvalidProxyFallsBackToDirect(t *testing.T) {
	t.Parallel()

	client := New("::bad-url::", 0)
	if client == nil || client.Transport == nil {
		t.Fatal("client should still be constructed with a direct transport")
	}
}

func TestNew_SocksProxyConfigured(t *testing.T) {
	t.Parallel()

	client := New("socks5://127.0.0.1:1080", 0)
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("transport type")
	}
	if transport.DialContext == nil {
		t.Error("socks proxy should install a dialer")
	}
	if transport.Proxy != nil {
		t.Error("socks proxy must clear the HTTP proxy func")
	}
}

func TestNew_HTTPProxyConfigured(t *testing.T) {
	t.Parallel()

	client := New("http://127.0.0.1:8080", 0)
	transport := client.Transport.(*http.Transport)
	if transport.Proxy == nil {
		t.Fatal("http proxy func missing")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", strings.NewReader(""))
	proxyURL, err := transport.Proxy(req)
	if err != nil || proxyURL == nil || proxyURL.Host != "127.0.0.1:8080" {
		t.Errorf("proxy resolution = %v/%v", proxyURL, err)
	}
}
