// Package transport implements the signed federation HTTP client. Every
// request is signed with the local server keys over the canonical JSON of
// the request envelope {method, uri, origin, destination, content?} and
// carries one X-Matrix Authorization header per key. Destinations come from
// the resolver; TLS SNI uses the resolved host header with pre-resolved IP
// overrides for SRV-delegated names.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/resolver"
)

var unpaddedBase64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// Federation timeouts: 30s to connect, 3 minutes total.
const (
	connectTimeout = 30 * time.Second
	totalTimeout   = 3 * time.Minute
)

// Signer provides the local signing keys. Implemented by the keyring.
type Signer interface {
	KeyID() string
	PrivateKey() ed25519.PrivateKey
}

// Client is the outbound federation HTTP client.
type Client struct {
	resolver   *resolver.Service
	signer     Signer
	serverName string
	httpClient *http.Client
	logger     *slog.Logger

	// sem bounds concurrent outbound requests.
	sem chan struct{}
}

// Config holds the configuration for the federation client.
type Config struct {
	Resolver   *resolver.Service
	Signer     Signer
	ServerName string
	Logger     *slog.Logger
	// MaxConcurrentRequests bounds in-flight requests; zero means 100.
	MaxConcurrentRequests int
	// HTTPClient overrides the transport; nil builds a client with the
	// federation timeouts and the resolver's dial overrides.
	HTTPClient *http.Client
}

// New creates a federation client.
func New(cfg Config) *Client {
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		dialer := &net.Dialer{Timeout: connectTimeout}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				// Request URLs carry the host-header name so TLS SNI and
				// certificate checks see it; SRV-delegated names dial the
				// pre-resolved target address instead.
				if host, _, err := net.SplitHostPort(addr); err == nil {
					if o, ok := cfg.Resolver.OverrideFor(host); ok && len(o.IPs) > 0 {
						addr = net.JoinHostPort(o.IPs[0].String(), o.Port)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{Transport: transport, Timeout: totalTimeout}
	}

	return &Client{
		resolver:   cfg.Resolver,
		signer:     cfg.Signer,
		serverName: cfg.ServerName,
		httpClient: httpClient,
		logger:     cfg.Logger,
		sem:        make(chan struct{}, maxConcurrent),
	}
}

// Do sends a signed federation request. content may be nil for bodyless
// methods; response, when non-nil, receives the decoded JSON body.
func (c *Client) Do(ctx context.Context, method, destination, path string, content, response interface{}) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	dest, err := c.resolver.Resolve(ctx, destination)
	if err != nil {
		return models.NewError(models.ErrTransientFetchFailure,
			"resolving %s: %s", destination, err)
	}

	var bodyBytes []byte
	if content != nil {
		bodyBytes, err = json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	authHeaders, err := c.signRequest(method, path, destination, bodyBytes)
	if err != nil {
		return err
	}

	// The URL carries the host header name: TLS SNI and certificate checks
	// run against it, while the dial override steers SRV-delegated names to
	// their resolved addresses.
	url := "https://" + dest.HostHeader + path
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Host = dest.HostHeader
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range authHeaders {
		req.Header.Add("Authorization", h)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("federation request failed",
			slog.String("destination", destination),
			slog.String("error", err.Error()))
		c.resolver.Invalidate(destination)
		return models.NewError(models.ErrTransientFetchFailure,
			"sending to %s: %s", destination, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return models.NewError(models.ErrTransientFetchFailure,
			"reading response from %s: %s", destination, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wireError(resp.StatusCode, respBody, destination)
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return models.NewError(models.ErrTransientFetchFailure,
				"decoding response from %s: %s", destination, err)
		}
	}
	return nil
}

// signRequest builds the X-Matrix Authorization headers: the canonical JSON
// of the request envelope signed with every local signing key, flattened
// into one header per (server, key_id) pair.
func (c *Client) signRequest(method, uri, destination string, content []byte) ([]string, error) {
	envelope := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      c.serverName,
		"destination": destination,
	}
	if content != nil {
		envelope["content"] = json.RawMessage(content)
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding request envelope: %w", err)
	}
	canonical, err := canonicaljson.Encode(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing request envelope: %w", err)
	}

	sig := ed25519.Sign(c.signer.PrivateKey(), canonical)
	header := fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		c.serverName, destination, c.signer.KeyID(), unpaddedBase64.EncodeToString(sig))
	return []string{header}, nil
}

// wireError maps a non-2xx federation response onto an error kind.
func wireError(status int, body []byte, destination string) error {
	var wire struct {
		Errcode string `json:"errcode"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &wire)

	msg := wire.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return models.NewError(models.ErrRateLimited, "%s rate limited us: %s", destination, msg)
	case status == http.StatusForbidden:
		return models.NewError(models.ErrForbidden, "%s refused: %s", destination, msg)
	case status == http.StatusNotFound:
		return models.NewError(models.ErrNotFound, "%s: not found: %s", destination, msg)
	case status >= 500:
		return models.NewError(models.ErrTransientFetchFailure,
			"%s returned status %d: %s", destination, status, msg)
	default:
		return models.NewError(models.ErrUnknown,
			"%s returned status %d (%s): %s", destination, status, wire.Errcode, msg)
	}
}
