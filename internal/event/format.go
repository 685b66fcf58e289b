package event

import (
	"encoding/json"
	"strings"

	"github.com/amityvox/continuum/internal/models"
)

// ServerNameFromID extracts the server name from a Matrix identifier
// (@user:server, !room:server, $event:server). The second return is false
// when the id has no domain part.
func ServerNameFromID(id string) (string, bool) {
	i := strings.IndexByte(id, ':')
	if i < 0 || i == len(id)-1 {
		return "", false
	}
	return id[i+1:], true
}

// CheckCanonicalForm validates that a raw JSON object has the required PDU
// fields with correct types for the given room version. It returns the parsed
// PDU on success. Structural limits (field sizes, list lengths) are enforced
// separately by the auth-rule engine.
func CheckCanonicalForm(raw []byte, rules models.RoomVersionRules) (*models.PDU, error) {
	var pdu models.PDU
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&pdu); err != nil {
		return nil, models.NewError(models.ErrMalformedEvent, "undecodable event JSON: %s", err)
	}

	if pdu.RoomID == "" || !strings.HasPrefix(pdu.RoomID, "!") {
		return nil, models.NewError(models.ErrMalformedEvent, "missing or malformed room_id")
	}
	if _, ok := ServerNameFromID(pdu.RoomID); !ok {
		return nil, models.NewError(models.ErrMalformedEvent, "room_id has no server part")
	}
	if pdu.Sender == "" || !strings.HasPrefix(pdu.Sender, "@") {
		return nil, models.NewError(models.ErrMalformedEvent, "missing or malformed sender")
	}
	if _, ok := ServerNameFromID(pdu.Sender); !ok {
		return nil, models.NewError(models.ErrMalformedEvent, "sender has no server part")
	}
	if pdu.Type == "" {
		return nil, models.NewError(models.ErrMalformedEvent, "missing event type")
	}
	if len(pdu.Content) == 0 {
		return nil, models.NewError(models.ErrMalformedEvent, "missing content")
	}
	var contentProbe map[string]json.RawMessage
	if err := json.Unmarshal(pdu.Content, &contentProbe); err != nil {
		return nil, models.NewError(models.ErrMalformedEvent, "content is not a JSON object")
	}
	if pdu.OriginServerTS < 0 {
		return nil, models.NewError(models.ErrMalformedEvent, "negative origin_server_ts")
	}
	if pdu.Depth < 0 {
		return nil, models.NewError(models.ErrMalformedEvent, "negative depth")
	}
	if pdu.PrevEvents == nil && pdu.Type != models.EventTypeCreate {
		return nil, models.NewError(models.ErrMalformedEvent, "missing prev_events")
	}
	if pdu.Type != models.EventTypeCreate && len(pdu.AuthEvents) == 0 {
		return nil, models.NewError(models.ErrMalformedEvent, "missing auth_events")
	}
	if rules.EventIDFormat == models.EventIDFormatLegacy && pdu.EventID == "" {
		return nil, models.NewError(models.ErrMalformedEvent, "missing event_id")
	}
	if len(pdu.Signatures) == 0 {
		return nil, models.NewError(models.ErrMalformedEvent, "missing signatures")
	}
	if pdu.Hashes == nil {
		return nil, models.NewError(models.ErrMalformedEvent, "missing hashes")
	}

	// v11 moved redacts into content; normalize onto the struct field so
	// downstream checks have one place to look.
	if rules.RedactsInContent && pdu.Type == models.EventTypeRedaction && pdu.Redacts == nil {
		var c struct {
			Redacts *string `json:"redacts"`
		}
		if err := json.Unmarshal(pdu.Content, &c); err == nil && c.Redacts != nil {
			pdu.Redacts = c.Redacts
		}
	}

	return &pdu, nil
}
