// Package resolver maps Matrix server names to transport endpoints following
// the federation discovery procedure: IP literals, explicit ports,
// .well-known delegation, SRV records, and the default-port fallback, in
// that order. Successful resolutions are cached; SRV results additionally
// feed a TLS override table keyed by the SNI-visible hostname.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amityvox/continuum/internal/cache"
)

// DefaultPort is the federation port used when a server name carries none.
const DefaultPort = "8448"

// wellKnownTimeout bounds the best-effort .well-known fetch. No retries.
const wellKnownTimeout = 10 * time.Second

// Resolved is the outcome of destination resolution for one server name.
type Resolved struct {
	// Endpoint is the host:port the TCP connection goes to.
	Endpoint string
	// HostHeader is the Host/authority header value and TLS SNI name.
	HostHeader string
}

// Service resolves and caches federation destinations.
type Service struct {
	httpClient *http.Client
	dns        *net.Resolver
	logger     *slog.Logger

	cache  *cache.TTLCache[Resolved]
	shared *cache.Shared

	// overrides maps an SNI-visible hostname to pre-resolved IPs and port
	// for SRV-delegated destinations.
	overrideMu sync.RWMutex
	overrides  map[string]Override
}

// Override is a pre-resolved address set for one TLS name.
type Override struct {
	IPs  []net.IP
	Port string
}

// Config holds the configuration for the resolver service.
type Config struct {
	Logger *slog.Logger
	// Shared mirrors resolutions into Redis so sibling processes skip the
	// discovery round trips. Optional.
	Shared *cache.Shared
	// HTTPClient overrides the .well-known client; used by tests.
	HTTPClient *http.Client
}

// New creates a resolver service.
func New(cfg Config) *Service {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: wellKnownTimeout}
	}
	return &Service{
		httpClient: client,
		dns:        net.DefaultResolver,
		logger:     cfg.Logger,
		cache:      cache.NewTTLCache[Resolved](time.Hour, 10_000),
		shared:     cfg.Shared,
		overrides:  make(map[string]Override),
	}
}

// Resolve produces the transport endpoint and host header for a server name.
// Resolution failures are non-fatal here; the transport reports
// BadServerResponse when the send actually fails.
func (s *Service) Resolve(ctx context.Context, serverName string) (Resolved, error) {
	if r, ok := s.cache.Get(serverName); ok {
		return r, nil
	}
	if s.shared != nil {
		if v, ok := s.shared.GetString(ctx, "dest:"+serverName); ok {
			var r Resolved
			if err := json.Unmarshal([]byte(v), &r); err == nil {
				s.cache.Set(serverName, r)
				return r, nil
			}
		}
	}

	r, err := s.resolveActual(ctx, serverName)
	if err != nil {
		return Resolved{}, err
	}

	s.cache.Set(serverName, r)
	if s.shared != nil {
		if raw, err := json.Marshal(r); err == nil {
			s.shared.SetString(ctx, "dest:"+serverName, string(raw), time.Hour)
		}
	}
	s.logger.Debug("destination resolved",
		slog.String("server", serverName),
		slog.String("endpoint", r.Endpoint),
		slog.String("host_header", r.HostHeader))
	return r, nil
}

// resolveActual walks the five-step decision tree.
func (s *Service) resolveActual(ctx context.Context, serverName string) (Resolved, error) {
	// 1. IP literal, with or without port.
	if host, port, ok := splitIPLiteral(serverName); ok {
		endpoint := net.JoinHostPort(host, port)
		return Resolved{Endpoint: endpoint, HostHeader: endpoint}, nil
	}

	// 2. Explicit port on a hostname.
	if host, port, err := net.SplitHostPort(serverName); err == nil && host != "" {
		return Resolved{Endpoint: net.JoinHostPort(host, port), HostHeader: serverName}, nil
	}

	// 3. .well-known delegation.
	if delegated, ok := s.fetchWellKnown(ctx, serverName); ok && delegated != serverName {
		r, err := s.resolveDelegated(ctx, delegated)
		if err == nil {
			return r, nil
		}
		s.logger.Debug("delegated resolution failed, continuing with original name",
			slog.String("server", serverName),
			slog.String("delegated", delegated),
			slog.String("error", err.Error()))
	}

	// 4. SRV on the original name.
	if target, port, ok := s.lookupSRV(ctx, serverName); ok {
		endpoint := net.JoinHostPort(target, port)
		s.recordOverride(ctx, serverName, target, port)
		return Resolved{Endpoint: endpoint, HostHeader: withDefaultPort(serverName)}, nil
	}

	// 5. Plain hostname, default port.
	return Resolved{
		Endpoint:   net.JoinHostPort(serverName, DefaultPort),
		HostHeader: withDefaultPort(serverName),
	}, nil
}

// resolveDelegated re-runs the tree for a .well-known m.server value. The
// host header becomes the delegated name with default-port fill.
func (s *Service) resolveDelegated(ctx context.Context, delegated string) (Resolved, error) {
	if host, port, ok := splitIPLiteral(delegated); ok {
		return Resolved{
			Endpoint:   net.JoinHostPort(host, port),
			HostHeader: withDefaultPort(delegated),
		}, nil
	}
	if host, port, err := net.SplitHostPort(delegated); err == nil && host != "" {
		return Resolved{
			Endpoint:   net.JoinHostPort(host, port),
			HostHeader: delegated,
		}, nil
	}
	if target, port, ok := s.lookupSRV(ctx, delegated); ok {
		s.recordOverride(ctx, delegated, target, port)
		return Resolved{
			Endpoint:   net.JoinHostPort(target, port),
			HostHeader: withDefaultPort(delegated),
		}, nil
	}
	return Resolved{
		Endpoint:   net.JoinHostPort(delegated, DefaultPort),
		HostHeader: withDefaultPort(delegated),
	}, nil
}

// fetchWellKnown performs the best-effort .well-known lookup. Returns the
// delegated server name on success.
func (s *Service) fetchWellKnown(ctx context.Context, serverName string) (string, bool) {
	url := fmt.Sprintf("https://%s/.well-known/matrix/server", serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var body struct {
		Server string `json:"m.server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false
	}
	body.Server = strings.TrimSpace(body.Server)
	if body.Server == "" {
		return "", false
	}
	return body.Server, true
}

// lookupSRV queries _matrix-fed._tcp first and falls back to the legacy
// _matrix._tcp service name.
func (s *Service) lookupSRV(ctx context.Context, name string) (target, port string, ok bool) {
	for _, service := range []string{"matrix-fed", "matrix"} {
		_, addrs, err := s.dns.LookupSRV(ctx, service, "tcp", name)
		if err != nil || len(addrs) == 0 {
			continue
		}
		srv := addrs[0]
		return strings.TrimSuffix(srv.Target, "."), fmt.Sprintf("%d", srv.Port), true
	}
	return "", "", false
}

// recordOverride pre-resolves the SRV target and maps the SNI hostname to
// its IPs so the TLS dialer connects to the right place while presenting
// the delegated name.
func (s *Service) recordOverride(ctx context.Context, sniName, target, port string) {
	ips, err := s.dns.LookupIP(ctx, "ip", target)
	if err != nil || len(ips) == 0 {
		s.logger.Warn("SRV target did not resolve to any address",
			slog.String("target", target))
		return
	}
	s.overrideMu.Lock()
	s.overrides[sniName] = Override{IPs: ips, Port: port}
	s.overrideMu.Unlock()
}

// OverrideFor returns the pre-resolved addresses for an SNI hostname.
func (s *Service) OverrideFor(sniName string) (Override, bool) {
	s.overrideMu.RLock()
	defer s.overrideMu.RUnlock()
	o, ok := s.overrides[sniName]
	return o, ok
}

// Invalidate drops the cached resolution for a server name, forcing
// rediscovery on next use. Called when a send hard-fails.
func (s *Service) Invalidate(serverName string) {
	s.cache.Invalidate(serverName)
}

// splitIPLiteral recognizes bare IPs, bracketed IPv6, and IP:port forms.
func splitIPLiteral(name string) (host, port string, ok bool) {
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		if ip := net.ParseIP(name[1 : len(name)-1]); ip != nil {
			return name[1 : len(name)-1], DefaultPort, true
		}
	}
	if ip := net.ParseIP(name); ip != nil {
		return name, DefaultPort, true
	}
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		return "", "", false
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, port, true
	}
	return "", "", false
}

// withDefaultPort appends :8448 to a name that carries no port.
func withDefaultPort(name string) string {
	if _, _, err := net.SplitHostPort(name); err == nil {
		return name
	}
	return net.JoinHostPort(name, DefaultPort)
}
