package resolver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestService(client *http.Client) *Service {
	return New(Config{Logger: slog.Default(), HTTPClient: client})
}

// roundTripFunc lets tests stub the .well-known fetch without a server.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func noWellKnown() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusNotFound)
		return rec.Result(), nil
	})}
}

func wellKnownDelegating(target string) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		if strings.Contains(r.URL.Path, ".well-known/matrix/server") {
			rec.Header().Set("Content-Type", "application/json")
			rec.WriteString(`{"m.server": "` + target + `"}`)
		} else {
			rec.WriteHeader(http.StatusNotFound)
		}
		return rec.Result(), nil
	})}
}

func TestResolve_IPLiteral(t *testing.T) {
	s := newTestService(noWellKnown())

	r, err := s.Resolve(context.Background(), "198.51.100.3")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "198.51.100.3:8448" || r.HostHeader != "198.51.100.3:8448" {
		t.Errorf("IP literal resolved to %+v", r)
	}

	r, err = s.Resolve(context.Background(), "198.51.100.3:443")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "198.51.100.3:443" {
		t.Errorf("IP:port resolved to %+v", r)
	}
}

func TestResolve_IPv6Literal(t *testing.T) {
	s := newTestService(noWellKnown())
	r, err := s.Resolve(context.Background(), "[2001:db8::4:5]:443")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "[2001:db8::4:5]:443" {
		t.Errorf("IPv6 literal resolved to %+v", r)
	}
}

func TestResolve_ExplicitPort(t *testing.T) {
	s := newTestService(noWellKnown())
	r, err := s.Resolve(context.Background(), "example.invalid:8449")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "example.invalid:8449" {
		t.Errorf("Endpoint = %q", r.Endpoint)
	}
	// Host header keeps the original name including its port.
	if r.HostHeader != "example.invalid:8449" {
		t.Errorf("HostHeader = %q", r.HostHeader)
	}
}

func TestResolve_WellKnownDelegation(t *testing.T) {
	// Delegation to a name with an explicit port skips SRV entirely.
	s := newTestService(wellKnownDelegating("matrix.example.invalid:8449"))
	r, err := s.Resolve(context.Background(), "example.invalid")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "matrix.example.invalid:8449" {
		t.Errorf("Endpoint = %q", r.Endpoint)
	}
	if r.HostHeader != "matrix.example.invalid:8449" {
		t.Errorf("HostHeader = %q", r.HostHeader)
	}
}

func TestResolve_WellKnownDelegationToIP(t *testing.T) {
	s := newTestService(wellKnownDelegating("198.51.100.7"))
	r, err := s.Resolve(context.Background(), "example.invalid")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "198.51.100.7:8448" {
		t.Errorf("Endpoint = %q", r.Endpoint)
	}
	// Host header is the delegated name with default-port fill.
	if r.HostHeader != "198.51.100.7:8448" {
		t.Errorf("HostHeader = %q", r.HostHeader)
	}
}

func TestResolve_FallbackDefaultPort(t *testing.T) {
	// No well-known, no SRV (.invalid never resolves): step five applies.
	s := newTestService(noWellKnown())
	r, err := s.Resolve(context.Background(), "plain.invalid")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.Endpoint != "plain.invalid:8448" || r.HostHeader != "plain.invalid:8448" {
		t.Errorf("fallback resolved to %+v", r)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	calls := 0
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusNotFound)
		return rec.Result(), nil
	})}
	s := newTestService(client)

	for i := 0; i < 3; i++ {
		if _, err := s.Resolve(context.Background(), "cached.invalid"); err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("well-known fetched %d times, want 1 (cached)", calls)
	}

	s.Invalidate("cached.invalid")
	if _, err := s.Resolve(context.Background(), "cached.invalid"); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if calls != 2 {
		t.Errorf("invalidation should force re-resolution, calls = %d", calls)
	}
}

func TestSplitIPLiteral(t *testing.T) {
	tests := []struct {
		in         string
		host, port string
		ok         bool
	}{
		{"198.51.100.3", "198.51.100.3", "8448", true},
		{"198.51.100.3:443", "198.51.100.3", "443", true},
		{"[2001:db8::1]:443", "2001:db8::1", "443", true},
		{"example.com", "", "", false},
		{"example.com:8448", "", "", false},
	}
	for _, tc := range tests {
		host, port, ok := splitIPLiteral(tc.in)
		if host != tc.host || port != tc.port || ok != tc.ok {
			t.Errorf("splitIPLiteral(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, host, port, ok, tc.host, tc.port, tc.ok)
		}
	}
}

func TestWithDefaultPort(t *testing.T) {
	if got := withDefaultPort("example.com"); got != "example.com:8448" {
		t.Errorf("withDefaultPort = %q", got)
	}
	if got := withDefaultPort("example.com:443"); got != "example.com:443" {
		t.Errorf("existing port should be kept, got %q", got)
	}
}
