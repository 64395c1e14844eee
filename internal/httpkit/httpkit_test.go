package httpkit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoHeader(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}
}

func get(t *testing.T, c *http.Client, url string, header http.Header) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, DefaultTimeout},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(echoHeader("User-Agent"))
	defer srv.Close()

	if got := get(t, NewClient(), srv.URL, nil); !strings.HasPrefix(got, "almanac/") {
		t.Errorf("default User-Agent = %q, want almanac/ prefix", got)
	}
	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), srv.URL, nil); got != "TestBot/1.0" {
		t.Errorf("custom User-Agent = %q", got)
	}
	h := http.Header{"User-Agent": {"CustomBot/2.0"}}
	if got := get(t, NewClient(), srv.URL, h); got != "CustomBot/2.0" {
		t.Errorf("caller User-Agent overwritten: %q", got)
	}
}

func TestNewClient_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		fmt.Fprintf(w, "%v:%s:%s", ok, user, pass)
	}))
	defer srv.Close()

	c := NewClient(WithBasicAuth("alice", "s3cret"))
	if got := get(t, c, srv.URL, nil); got != "true:alice:s3cret" {
		t.Errorf("basic auth = %q", got)
	}

	if got := get(t, NewClient(), srv.URL, nil); got != "false::" {
		t.Errorf("unexpected credentials without option: %q", got)
	}
}

func TestNewTransport_Defaults(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, fmt.Errorf("simulated read error") }

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name string
		rc   io.ReadCloser
		lim  int64
		want string
	}{
		{"nil", nil, 512, ""},
		{"short", io.NopCloser(strings.NewReader("error details")), 512, "error details"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 1000))), 10, strings.Repeat("x", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.lim); got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}

	got := ReadErrorBody(io.NopCloser(failReader{}), 512)
	if !strings.Contains(got, "failed to read") {
		t.Errorf("read failure = %q", got)
	}
}

// failingRoundTripper fails with EHOSTUNREACH a fixed number of times.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", 0, 2, false, 1},
		{"recovers", 1, 2, false, 2},
		{"exhausted", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected cancellation error")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetryTransport_BodyWithoutGetBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPut, "http://example.com", strings.NewReader("BEGIN:VCALENDAR"))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error without retry")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.ENETUNREACH), true},
		{"nested OpError", &net.OpError{
			Op: "dial", Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
