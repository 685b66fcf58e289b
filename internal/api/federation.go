package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/amityvox/continuum/internal/event"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/transport"
)

// handleSendTransaction serves PUT /_matrix/federation/v1/send/{txnID}: the
// inbound transaction endpoint. Per-PDU errors land in the response map
// keyed by event id; the HTTP response is 200 unless the request itself is
// malformed, its origin does not match the authenticated origin, or handling
// a PDU hits a storage fault (which aborts the transaction with that error).
func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	origin := OriginFromContext(r.Context())

	var txn transport.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid transaction body"))
		return
	}
	if txn.Origin != "" && txn.Origin != origin {
		writeMatrixError(w, models.NewError(models.ErrForbidden,
			"transaction origin %s does not match authenticated origin", txn.Origin))
		return
	}
	if len(txn.PDUs) > models.MaxPDUsPerTransaction || len(txn.EDUs) > models.MaxEDUsPerTransaction {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "transaction exceeds size limits"))
		return
	}

	results := make(map[string]transport.PDUResult, len(txn.PDUs))
	for _, raw := range txn.PDUs {
		eventID, roomID, err := s.identifyPDU(r.Context(), raw)
		if err != nil {
			// Without a room version there is no event id to key the error
			// by; the entry is skipped rather than failing the transaction.
			s.Logger.Warn("unidentifiable PDU in transaction",
				slog.String("origin", origin), slog.String("error", err.Error()))
			continue
		}
		if _, err := s.Rooms.HandleIncomingPDU(r.Context(), origin, eventID, roomID, raw, true); err != nil {
			results[eventID] = transport.PDUResult{Error: err.Error()}
			// Storage faults surface as 500 so the sender retries later.
			if models.IsKind(err, models.ErrStorageFault) {
				writeMatrixError(w, err)
				return
			}
		} else {
			results[eventID] = transport.PDUResult{}
		}
	}

	for _, raw := range txn.EDUs {
		s.processEDU(r, origin, raw)
	}

	writeJSON(w, http.StatusOK, transport.TransactionResponse{PDUs: results})
}

// identifyPDU derives the event id and room id of a raw PDU using the
// room's version rules.
func (s *Server) identifyPDU(ctx context.Context, raw json.RawMessage) (string, string, error) {
	var probe struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.RoomID == "" {
		return "", "", models.NewError(models.ErrMalformedEvent, "PDU has no room_id")
	}
	meta, err := s.Store.Room(ctx, probe.RoomID)
	if err != nil {
		return "", "", err
	}
	rules, ok := models.RulesForVersion(meta.Version)
	if !ok {
		return "", "", models.NewError(models.ErrUnknownRoomVersion, "room version %q", meta.Version)
	}
	eventID, err := event.EventID(raw, rules)
	if err != nil {
		return "", "", err
	}
	return eventID, probe.RoomID, nil
}

// processEDU stores inbound ephemeral events: read receipts, device-list
// updates, to-device messages, and signing-key updates.
func (s *Server) processEDU(r *http.Request, origin string, raw json.RawMessage) {
	var probe struct {
		Type    string          `json:"edu_type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	ctx := r.Context()
	switch probe.Type {
	case "m.receipt":
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO inbound_receipts (id, origin, payload, received_at)
			 VALUES ($1, $2, $3, now())`,
			ulid.Make().String(), origin, probe.Content); err != nil {
			s.Logger.Debug("storing inbound receipt failed", slog.String("error", err.Error()))
		}
	case "m.device_list_update":
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO inbound_device_list_updates (id, origin, payload, received_at)
			 VALUES ($1, $2, $3, now())`,
			ulid.Make().String(), origin, probe.Content); err != nil {
			s.Logger.Debug("storing device list update failed", slog.String("error", err.Error()))
		}
	case "m.direct_to_device":
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO inbound_to_device (id, origin, payload, received_at)
			 VALUES ($1, $2, $3, now())`,
			ulid.Make().String(), origin, probe.Content); err != nil {
			s.Logger.Debug("storing to-device message failed", slog.String("error", err.Error()))
		}
	case "m.signing_key_update":
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO inbound_signing_key_updates (id, origin, payload, received_at)
			 VALUES ($1, $2, $3, now())`,
			ulid.Make().String(), origin, probe.Content); err != nil {
			s.Logger.Debug("storing signing key update failed", slog.String("error", err.Error()))
		}
	case "m.typing", "m.presence":
		// Ephemeral with no persistence requirement.
	default:
		s.Logger.Debug("ignoring unknown EDU type", slog.String("edu_type", probe.Type))
	}
}

// requireRoomMember rejects requests from servers with no joined member in
// the room.
func (s *Server) requireRoomMember(r *http.Request, roomID string) error {
	origin := OriginFromContext(r.Context())
	servers, err := s.Store.JoinedServers(r.Context(), roomID)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if server == origin {
			return nil
		}
	}
	return models.NewError(models.ErrForbidden, "%s is not in room %s", origin, roomID)
}

// handleGetEvent serves GET /_matrix/federation/v1/event/{eventID}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	rec, err := s.Store.Event(r.Context(), eventID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	if rec == nil || rec.Rejected {
		writeMatrixError(w, models.NewError(models.ErrNotFound, "event not found"))
		return
	}
	if err := s.requireRoomMember(r, rec.PDU.RoomID); err != nil {
		writeMatrixError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.EventResponse{
		Origin:         s.serverName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{rec.Raw},
	})
}

// handleGetEventAuth serves GET /event_auth/{roomID}/{eventID}: the full
// auth chain of an event.
func (s *Server) handleGetEventAuth(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	eventID := chi.URLParam(r, "eventID")
	if err := s.requireRoomMember(r, roomID); err != nil {
		writeMatrixError(w, err)
		return
	}
	rec, err := s.Store.Event(r.Context(), eventID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	if rec == nil || rec.PDU.RoomID != roomID {
		writeMatrixError(w, models.NewError(models.ErrNotFound, "event not found"))
		return
	}

	chain, err := s.Store.AuthChainForEvents(r.Context(), []string{eventID})
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	resp := transport.EventAuthResponse{}
	for id := range chain {
		if raw, err := s.Store.EventJSON(r.Context(), id); err == nil {
			resp.AuthChain = append(resp.AuthChain, raw)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetStateIDs serves GET /state_ids/{roomID}?event_id=...
func (s *Server) handleGetStateIDs(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	eventID := r.URL.Query().Get("event_id")
	if err := s.requireRoomMember(r, roomID); err != nil {
		writeMatrixError(w, err)
		return
	}

	state, err := s.Store.StateMapAtEvent(r.Context(), eventID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	resp := transport.StateIDsResponse{}
	for _, id := range state {
		resp.StateEventIDs = append(resp.StateEventIDs, id)
	}
	chain, err := s.Store.AuthChainForEvents(r.Context(), resp.StateEventIDs)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	for id := range chain {
		resp.AuthChainIDs = append(resp.AuthChainIDs, id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetState serves GET /state/{roomID}?event_id=... with full PDUs.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	eventID := r.URL.Query().Get("event_id")
	if err := s.requireRoomMember(r, roomID); err != nil {
		writeMatrixError(w, err)
		return
	}

	state, err := s.Store.StateMapAtEvent(r.Context(), eventID)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	resp := transport.StateResponse{}
	var stateIDs []string
	for _, id := range state {
		stateIDs = append(stateIDs, id)
		if raw, err := s.Store.EventJSON(r.Context(), id); err == nil {
			resp.StateEvents = append(resp.StateEvents, raw)
		}
	}
	chain, err := s.Store.AuthChainForEvents(r.Context(), stateIDs)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	for id := range chain {
		if raw, err := s.Store.EventJSON(r.Context(), id); err == nil {
			resp.AuthChain = append(resp.AuthChain, raw)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetMissingEvents serves POST /get_missing_events/{roomID}: walks
// back from the latest events toward the earliest, returning up to limit
// events.
func (s *Server) handleGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := s.requireRoomMember(r, roomID); err != nil {
		writeMatrixError(w, err)
		return
	}

	var req transport.MissingEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid request body"))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 20 {
		limit = 10
	}

	earliest := make(map[string]struct{}, len(req.EarliestEvents))
	for _, id := range req.EarliestEvents {
		earliest[id] = struct{}{}
	}

	var out []json.RawMessage
	visited := make(map[string]struct{})
	queue := append([]string(nil), req.LatestEvents...)
	for len(queue) > 0 && len(out) < limit {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if _, stop := earliest[id]; stop {
			continue
		}

		rec, err := s.Store.Event(r.Context(), id)
		if err != nil || rec == nil || rec.Rejected || rec.SoftFailed {
			continue
		}
		if rec.PDU.RoomID != roomID || rec.PDU.Depth < req.MinDepth {
			continue
		}
		out = append(out, rec.Raw)
		queue = append(queue, rec.PDU.PrevEvents...)
	}

	writeJSON(w, http.StatusOK, transport.MissingEventsResponse{Events: out})
}
