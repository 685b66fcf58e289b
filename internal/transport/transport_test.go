package transport

import (
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/resolver"
)

type testSigner struct {
	keyID string
	priv  ed25519.PrivateKey
}

func (s *testSigner) KeyID() string                 { return s.keyID }
func (s *testSigner) PrivateKey() ed25519.PrivateKey { return s.priv }

func newTestClient(t *testing.T) (*Client, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen error: %v", err)
	}
	res := resolver.New(resolver.Config{Logger: slog.Default(), HTTPClient: &http.Client{
		Transport: failingRoundTripper{},
	}})
	client := New(Config{
		Resolver:   res,
		Signer:     &testSigner{keyID: "ed25519:t1", priv: priv},
		ServerName: "local.test",
		Logger:     slog.Default(),
	})
	return client, pub
}

type failingRoundTripper struct{}

func (failingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusNotFound)
	return rec.Result(), nil
}

func TestSignRequest_HeaderFormatAndSignature(t *testing.T) {
	client, pub := newTestClient(t)

	content := []byte(`{"pdus":[]}`)
	headers, err := client.signRequest("PUT", "/_matrix/federation/v1/send/txn1", "remote.test", content)
	if err != nil {
		t.Fatalf("signRequest error: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("got %d headers, want 1 per local key", len(headers))
	}
	header := headers[0]
	if !strings.HasPrefix(header, "X-Matrix ") {
		t.Fatalf("header %q missing X-Matrix scheme", header)
	}
	for _, part := range []string{`origin="local.test"`, `destination="remote.test"`, `key="ed25519:t1"`} {
		if !strings.Contains(header, part) {
			t.Errorf("header missing %s: %s", part, header)
		}
	}

	// Extract the signature and verify it over the canonical envelope.
	var sigB64 string
	for _, part := range strings.Split(strings.TrimPrefix(header, "X-Matrix "), ",") {
		if strings.HasPrefix(part, "sig=") {
			sigB64 = strings.Trim(strings.TrimPrefix(part, "sig="), `"`)
		}
	}
	sig, err := unpaddedBase64.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}

	envelope, _ := json.Marshal(map[string]interface{}{
		"method":      "PUT",
		"uri":         "/_matrix/federation/v1/send/txn1",
		"origin":      "local.test",
		"destination": "remote.test",
		"content":     json.RawMessage(content),
	})
	canonical, err := canonicaljson.Encode(envelope)
	if err != nil {
		t.Fatalf("canonicalizing envelope: %v", err)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		t.Error("request signature does not verify over the canonical envelope")
	}
}

func TestWireError_Mapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   models.ErrorKind
	}{
		{429, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down"}`, models.ErrRateLimited},
		{403, `{"errcode":"M_FORBIDDEN","error":"no"}`, models.ErrForbidden},
		{404, `{}`, models.ErrNotFound},
		{500, `oops`, models.ErrTransientFetchFailure},
		{502, ``, models.ErrTransientFetchFailure},
		{418, `{}`, models.ErrUnknown},
	}
	for _, tc := range cases {
		err := wireError(tc.status, []byte(tc.body), "remote.test")
		if !models.IsKind(err, tc.kind) {
			t.Errorf("status %d: got %v, want kind %s", tc.status, err, tc.kind)
		}
	}
}
