package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amityvox/continuum/internal/models"
)

// handleOwnKeys serves GET /_matrix/key/v2/server: this server's signed
// signing-key document.
func (s *Server) handleOwnKeys(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.Keyring.OwnServerKeyResponse()
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrUnknown, "building key response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(doc)
}

// handleNotaryQueryOne serves GET /_matrix/key/v2/query/{serverName}: a
// notary lookup for a single server, answered from our cached records and
// re-signed with our key.
func (s *Server) handleNotaryQueryOne(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "serverName")
	s.writeNotaryResponse(w, r, []string{serverName}, 0)
}

// handleNotaryQuery serves POST /_matrix/key/v2/query: a batch notary
// lookup.
func (s *Server) handleNotaryQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerKeys map[string]map[string]struct {
			MinimumValidUntilTS int64 `json:"minimum_valid_until_ts"`
		} `json:"server_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid request body"))
		return
	}
	var names []string
	var minValid int64
	for name, keys := range req.ServerKeys {
		names = append(names, name)
		for _, constraint := range keys {
			if constraint.MinimumValidUntilTS > minValid {
				minValid = constraint.MinimumValidUntilTS
			}
		}
	}
	s.writeNotaryResponse(w, r, names, minValid)
}

// writeNotaryResponse assembles server_keys entries for the requested
// servers, fetching any we do not have, and signs each with our notary key.
func (s *Server) writeNotaryResponse(w http.ResponseWriter, r *http.Request, servers []string, minValid int64) {
	out := make([]json.RawMessage, 0, len(servers))
	for _, server := range servers {
		if server == s.serverName {
			doc, err := s.Keyring.OwnServerKeyResponse()
			if err == nil {
				out = append(out, doc)
			}
			continue
		}

		rec, err := s.Keyring.FetchKeys(r.Context(), server, nil, minValid)
		if err != nil {
			s.Logger.Debug("notary fetch failed",
				slog.String("server", server), slog.String("error", err.Error()))
			continue
		}
		resp := models.ServerKeyResponse{
			ServerName:    server,
			VerifyKeys:    rec.VerifyKeys,
			OldVerifyKeys: rec.OldVerifyKeys,
			ValidUntilTS:  rec.ValidUntilTS,
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		signed, err := s.Keyring.SignJSON(raw)
		if err != nil {
			continue
		}
		out = append(out, signed)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"server_keys": out})
}
