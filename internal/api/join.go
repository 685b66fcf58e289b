package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amityvox/continuum/internal/event"
	"github.com/amityvox/continuum/internal/models"
)

// handleMakeJoin serves GET /make_join/{roomID}/{userID}: a join event
// template built against current room state.
func (s *Server) handleMakeJoin(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := chi.URLParam(r, "userID")

	meta, err := s.Store.Room(r.Context(), roomID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	if meta.Disabled {
		writeMatrixError(w, models.NewError(models.ErrRoomDisabled, "room is disabled"))
		return
	}

	// The requesting server must support the room's version.
	vers := r.URL.Query()["ver"]
	if len(vers) > 0 {
		supported := false
		for _, v := range vers {
			if v == meta.Version {
				supported = true
				break
			}
		}
		if !supported {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"errcode":      "M_INCOMPATIBLE_ROOM_VERSION",
				"error":        "room version not supported by joining server",
				"room_version": meta.Version,
			})
			return
		}
	}

	state, _, err := s.Store.CurrentState(r.Context(), roomID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}

	prevEvents, maxDepth, err := s.Store.LatestEvents(r.Context(), roomID, 20)
	if err != nil {
		writeMatrixError(w, err)
		return
	}

	authEvents := make([]string, 0, 4)
	for _, tuple := range []models.StateTuple{
		{Type: models.EventTypeCreate, StateKey: ""},
		{Type: models.EventTypeJoinRules, StateKey: ""},
		{Type: models.EventTypePowerLevels, StateKey: ""},
		{Type: models.EventTypeMember, StateKey: userID},
	} {
		if id, ok := state[tuple]; ok {
			authEvents = append(authEvents, id)
		}
	}

	template := map[string]interface{}{
		"type":             models.EventTypeMember,
		"room_id":          roomID,
		"sender":           userID,
		"state_key":        userID,
		"content":          map[string]string{"membership": models.MembershipJoin},
		"prev_events":      prevEvents,
		"auth_events":      authEvents,
		"depth":            maxDepth + 1,
		"origin_server_ts": time.Now().UnixMilli(),
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_version": meta.Version,
		"event":        template,
	})
}

// sendJoinResponse is the v2 send_join body.
type sendJoinResponse struct {
	Origin    string            `json:"origin"`
	State     []json.RawMessage `json:"state"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// handleSendJoinV2 serves PUT /v2/send_join/{roomID}/{eventID}: accepts a
// signed join event and returns the room state and auth chain.
func (s *Server) handleSendJoinV2(w http.ResponseWriter, r *http.Request) {
	resp, err := s.processSendJoin(r)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSendJoinV1 serves the legacy v1 form, wrapping the response in the
// [200, body] array the old endpoint used.
func (s *Server) handleSendJoinV1(w http.ResponseWriter, r *http.Request) {
	resp, err := s.processSendJoin(r)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []interface{}{200, resp})
}

func (s *Server) processSendJoin(r *http.Request) (*sendJoinResponse, error) {
	roomID := chi.URLParam(r, "roomID")
	eventID := chi.URLParam(r, "eventID")
	origin := OriginFromContext(r.Context())

	raw, err := readBodyJSON(r)
	if err != nil {
		return nil, err
	}

	if _, err := s.Rooms.HandleIncomingPDU(r.Context(), origin, eventID, roomID, raw, true); err != nil {
		return nil, err
	}

	state, _, err := s.Store.CurrentState(r.Context(), roomID)
	if err != nil {
		return nil, err
	}

	resp := &sendJoinResponse{Origin: s.serverName}
	var stateIDs []string
	for _, id := range state {
		stateIDs = append(stateIDs, id)
		if rawEv, err := s.Store.EventJSON(r.Context(), id); err == nil {
			resp.State = append(resp.State, rawEv)
		}
	}
	chain, err := s.Store.AuthChainForEvents(r.Context(), stateIDs)
	if err != nil {
		return nil, err
	}
	for id := range chain {
		if rawEv, err := s.Store.EventJSON(r.Context(), id); err == nil {
			resp.AuthChain = append(resp.AuthChain, rawEv)
		}
	}
	return resp, nil
}

// handleInvite serves PUT /v2/invite/{roomID}/{eventID}: countersigns a
// federated invite for a local user and returns the signed event. The invite
// is not stored here.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event       json.RawMessage `json:"event"`
		RoomVersion string          `json:"room_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid request body"))
		return
	}

	rules, ok := models.RulesForVersion(req.RoomVersion)
	if !ok {
		writeMatrixError(w, models.NewError(models.ErrUnknownRoomVersion,
			"room version %q", req.RoomVersion))
		return
	}
	if !models.IsStableRoomVersion(req.RoomVersion) && !s.Config.Federation.AllowUnstableRoomVersions {
		writeMatrixError(w, models.NewError(models.ErrUnknownRoomVersion,
			"unstable room version %q is not enabled", req.RoomVersion))
		return
	}

	var probe struct {
		Type     string  `json:"type"`
		StateKey *string `json:"state_key"`
	}
	if err := json.Unmarshal(req.Event, &probe); err != nil || probe.Type != models.EventTypeMember || probe.StateKey == nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invite event is not a member event"))
		return
	}
	targetServer, ok := event.ServerNameFromID(*probe.StateKey)
	if !ok || targetServer != s.serverName {
		writeMatrixError(w, models.NewError(models.ErrForbidden, "invite target is not a local user"))
		return
	}

	signed, err := event.Sign(req.Event, s.serverName, s.Keyring.KeyID(), s.Keyring.PrivateKey(), rules)
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrUnknown, "signing invite: %s", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event": json.RawMessage(signed),
	})
}

// readBodyJSON reads the raw request body.
func readBodyJSON(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, models.NewError(models.ErrMalformedEvent, "invalid request body")
	}
	return raw, nil
}
