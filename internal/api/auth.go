package api

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/middleware"
	"github.com/amityvox/continuum/internal/models"
)

var unpaddedBase64 = base64.StdEncoding.WithPadding(base64.NoPadding)

type originContextKey struct{}

// OriginFromContext returns the authenticated remote server name set by the
// X-Matrix middleware, or "".
func OriginFromContext(ctx context.Context) string {
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}

// xMatrixParams is one parsed Authorization: X-Matrix header.
type xMatrixParams struct {
	Origin      string
	Destination string
	KeyID       string
	Signature   string
}

// parseXMatrix parses the X-Matrix auth scheme parameters.
func parseXMatrix(header string) (xMatrixParams, bool) {
	const scheme = "X-Matrix "
	if !strings.HasPrefix(header, scheme) {
		return xMatrixParams{}, false
	}
	var p xMatrixParams
	for _, part := range strings.Split(header[len(scheme):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "origin":
			p.Origin = value
		case "destination":
			p.Destination = value
		case "key":
			p.KeyID = value
		case "sig":
			p.Signature = value
		}
	}
	if p.Origin == "" || p.KeyID == "" || p.Signature == "" {
		return xMatrixParams{}, false
	}
	return p, true
}

// requireXMatrixAuth verifies the X-Matrix signature over the request
// envelope and stores the authenticated origin in the request context.
func (s *Server) requireXMatrixAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Config.Federation.Enabled {
			writeMatrixError(w, models.NewError(models.ErrForbidden, "federation is disabled"))
			return
		}

		var params xMatrixParams
		var ok bool
		for _, header := range r.Header.Values("Authorization") {
			if params, ok = parseXMatrix(header); ok {
				break
			}
		}
		if !ok {
			writeMatrixError(w, models.NewError(models.ErrForbidden, "missing X-Matrix authorization"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeMatrixError(w, models.NewError(models.ErrUnknown, "reading request body"))
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		uri := r.URL.RequestURI()
		envelope := map[string]interface{}{
			"method":      r.Method,
			"uri":         uri,
			"origin":      params.Origin,
			"destination": s.serverName,
		}
		if len(body) > 0 {
			envelope["content"] = json.RawMessage(body)
		}

		raw, err := json.Marshal(envelope)
		if err != nil {
			writeMatrixError(w, models.NewError(models.ErrUnknown, "encoding auth envelope"))
			return
		}
		canonical, err := canonicaljson.Encode(raw)
		if err != nil {
			writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "request body is not canonical JSON"))
			return
		}

		keys, err := s.Keyring.FetchKeys(r.Context(), params.Origin, []string{params.KeyID}, 0)
		if err != nil {
			writeMatrixError(w, models.NewError(models.ErrForbidden,
				"could not fetch signing keys for %s", params.Origin))
			return
		}
		keyB64, _, found := keys.KeyForID(params.KeyID)
		if !found {
			writeMatrixError(w, models.NewError(models.ErrForbidden,
				"unknown key %s for %s", params.KeyID, params.Origin))
			return
		}
		pub, err := unpaddedBase64.DecodeString(keyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			writeMatrixError(w, models.NewError(models.ErrForbidden, "undecodable signing key"))
			return
		}
		sig, err := unpaddedBase64.DecodeString(params.Signature)
		if err != nil {
			writeMatrixError(w, models.NewError(models.ErrForbidden, "undecodable signature"))
			return
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
			writeMatrixError(w, models.NewError(models.ErrForbidden, "request signature does not verify"))
			return
		}

		middleware.SetOrigin(r.Context(), params.Origin)
		ctx := context.WithValue(r.Context(), originContextKey{}, params.Origin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
