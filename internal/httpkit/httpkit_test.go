package httpkit

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestClientInjectsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient(WithUserAgent("stagehand-test/1.0"))
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 4096)

	if got != "stagehand-test/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestClientKeepsExplicitUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient(WithUserAgent("injected/1.0"))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "caller/2.0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 4096)

	if got != "caller/2.0" {
		t.Errorf("User-Agent = %q, caller's header should win", got)
	}
}

func TestRetryOnConnectionRefused(t *testing.T) {
	// Reserve a port, then close the listener so dials are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var attempts atomic.Int32
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		attempts.Add(1)
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return nil, err
		}
		conn.Close()
		return nil, syscall.ECONNRESET
	})

	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr, nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error from refused connection")
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want initial + 2 retries", got)
	}
}

func TestNoRetryWithoutGetBody(t *testing.T) {
	var attempts atomic.Int32
	base := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, syscall.ECONNREFUSED
	})

	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid",
		io.NopCloser(strings.NewReader("payload")))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, unrewindable body must not be retried", got)
	}
}

func TestRetryRewindsBody(t *testing.T) {
	var attempts atomic.Int32
	var lastBody string
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, syscall.ECONNREFUSED
		}
		b, _ := io.ReadAll(req.Body)
		lastBody = string(b)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	})

	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid",
		strings.NewReader("payload"))

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	DrainAndClose(resp.Body, 4096)

	if lastBody != "payload" {
		t.Errorf("retried body = %q", lastBody)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", syscall.ECONNREFUSED, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"net unreachable", syscall.ENETUNREACH, true},
		{"reset", syscall.ECONNRESET, false},
		{"wrapped op error", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"plain error", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("backend error detail and then a lot more text"))
	if got := ReadErrorBody(body, 21); got != "backend error detail " {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
