package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/amityvox/continuum/internal/models"
)

// handleUserDevices serves GET /user/devices/{userID}: the device list of a
// local user with its stream id for delta tracking.
func (s *Server) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var streamID int64
	s.Pool.QueryRow(r.Context(),
		`SELECT COALESCE(max(seq), 0) FROM device_list_updates WHERE user_id = $1`,
		userID).Scan(&streamID)

	rows, err := s.Pool.Query(r.Context(),
		`SELECT device_id, display_name, keys FROM devices WHERE user_id = $1`, userID)
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrStorageFault, "querying devices: %s", err))
		return
	}
	defer rows.Close()

	devices := []map[string]interface{}{}
	for rows.Next() {
		var deviceID string
		var displayName *string
		var keys []byte
		if err := rows.Scan(&deviceID, &displayName, &keys); err != nil {
			writeMatrixError(w, models.NewError(models.ErrStorageFault, "scanning device: %s", err))
			return
		}
		entry := map[string]interface{}{"device_id": deviceID}
		if displayName != nil {
			entry["device_display_name"] = *displayName
		}
		if len(keys) > 0 {
			entry["keys"] = json.RawMessage(keys)
		}
		devices = append(devices, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"stream_id": streamID,
		"devices":   devices,
	})
}

// handleUserKeysQuery serves POST /user/keys/query: E2EE identity keys for
// the requested users and devices.
func (s *Server) handleUserKeysQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid request body"))
		return
	}

	deviceKeys := map[string]map[string]json.RawMessage{}
	for userID, deviceIDs := range req.DeviceKeys {
		userKeys := map[string]json.RawMessage{}
		if len(deviceIDs) == 0 {
			rows, err := s.Pool.Query(r.Context(),
				`SELECT device_id, keys FROM devices WHERE user_id = $1 AND keys IS NOT NULL`, userID)
			if err != nil {
				continue
			}
			for rows.Next() {
				var deviceID string
				var keys []byte
				if err := rows.Scan(&deviceID, &keys); err == nil {
					userKeys[deviceID] = keys
				}
			}
			rows.Close()
		} else {
			for _, deviceID := range deviceIDs {
				var keys []byte
				err := s.Pool.QueryRow(r.Context(),
					`SELECT keys FROM devices WHERE user_id = $1 AND device_id = $2 AND keys IS NOT NULL`,
					userID, deviceID).Scan(&keys)
				if err == nil {
					userKeys[deviceID] = keys
				}
			}
		}
		if len(userKeys) > 0 {
			deviceKeys[userID] = userKeys
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"device_keys": deviceKeys})
}

// handleUserKeysClaim serves POST /user/keys/claim: one-time keys for
// establishing E2EE sessions. Claimed keys are deleted.
func (s *Server) handleUserKeysClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid request body"))
		return
	}

	claimed := map[string]map[string]map[string]json.RawMessage{}
	for userID, devices := range req.OneTimeKeys {
		for deviceID, algorithm := range devices {
			var keyID string
			var key []byte
			err := s.Pool.QueryRow(r.Context(),
				`DELETE FROM one_time_keys
				 WHERE ctid = (
					SELECT ctid FROM one_time_keys
					WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
					ORDER BY key_id ASC LIMIT 1)
				 RETURNING key_id, key`,
				userID, deviceID, algorithm).Scan(&keyID, &key)
			if err != nil {
				continue
			}
			if claimed[userID] == nil {
				claimed[userID] = map[string]map[string]json.RawMessage{}
			}
			if claimed[userID][deviceID] == nil {
				claimed[userID][deviceID] = map[string]json.RawMessage{}
			}
			claimed[userID][deviceID][algorithm+":"+keyID] = key
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"one_time_keys": claimed})
}

// handleQueryDirectory serves GET /query/directory?room_alias=...: resolves
// a local room alias to its room id and candidate servers.
func (s *Server) handleQueryDirectory(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("room_alias")
	if alias == "" {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "missing room_alias"))
		return
	}

	var roomID string
	err := s.Pool.QueryRow(r.Context(),
		`SELECT room_id FROM room_aliases WHERE alias = $1`, alias).Scan(&roomID)
	if err == pgx.ErrNoRows {
		writeMatrixError(w, models.NewError(models.ErrNotFound, "room alias not found"))
		return
	}
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrStorageFault, "resolving alias: %s", err))
		return
	}

	servers, err := s.Store.JoinedServers(r.Context(), roomID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"servers": servers,
	})
}

// handleQueryProfile serves GET /query/profile?user_id=...: a local user's
// display name and avatar.
func (s *Server) handleQueryProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "missing user_id"))
		return
	}

	var displayName, avatarURL *string
	err := s.Pool.QueryRow(r.Context(),
		`SELECT display_name, avatar_url FROM profiles WHERE user_id = $1`,
		userID).Scan(&displayName, &avatarURL)
	if err == pgx.ErrNoRows {
		writeMatrixError(w, models.NewError(models.ErrNotFound, "user not found"))
		return
	}
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrStorageFault, "querying profile: %s", err))
		return
	}

	resp := map[string]interface{}{}
	if field := r.URL.Query().Get("field"); field != "" {
		switch field {
		case "displayname":
			if displayName != nil {
				resp["displayname"] = *displayName
			}
		case "avatar_url":
			if avatarURL != nil {
				resp["avatar_url"] = *avatarURL
			}
		}
	} else {
		if displayName != nil {
			resp["displayname"] = *displayName
		}
		if avatarURL != nil {
			resp["avatar_url"] = *avatarURL
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
