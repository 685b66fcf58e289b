// Package event implements PDU parsing, canonical-form validation, redaction,
// content and reference hashing, event-id derivation, and signature
// verification, all dispatched on the room version's rule record.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/amityvox/continuum/internal/models"
)

// topLevelKeepKeys lists the top-level event keys preserved by redaction for
// the pre-v11 rulesets.
var topLevelKeepKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "prev_state",
	"auth_events", "origin", "origin_server_ts", "membership",
}

// topLevelKeepKeysV11 drops the legacy origin, membership, and prev_state
// fields. redacts moved into content in v11 so it is not kept at top level.
var topLevelKeepKeysV11 = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts",
}

// Redact returns the redacted form of a raw event JSON object under the
// given ruleset: top-level keys outside the allowed set are dropped and
// content is reduced to the type-specific allowed keys.
func Redact(raw []byte, rules models.RoomVersionRules) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing event for redaction: %w", err)
	}

	keep := topLevelKeepKeys
	if rules.Redaction == models.RedactV11 {
		keep = topLevelKeepKeysV11
	}

	out := make(map[string]json.RawMessage, len(keep))
	for _, k := range keep {
		if v, ok := obj[k]; ok {
			out[k] = v
		}
	}

	var evType string
	if t, ok := obj["type"]; ok {
		if err := json.Unmarshal(t, &evType); err != nil {
			return nil, fmt.Errorf("parsing event type: %w", err)
		}
	}

	content := map[string]json.RawMessage{}
	if c, ok := obj["content"]; ok {
		if err := json.Unmarshal(c, &content); err != nil {
			return nil, fmt.Errorf("parsing event content: %w", err)
		}
	}

	pruned := redactContent(evType, content, rules)
	prunedRaw, err := json.Marshal(pruned)
	if err != nil {
		return nil, fmt.Errorf("encoding redacted content: %w", err)
	}
	out["content"] = prunedRaw

	result, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding redacted event: %w", err)
	}
	return result, nil
}

// redactContent reduces event content to the per-type allowed key set.
func redactContent(evType string, content map[string]json.RawMessage, rules models.RoomVersionRules) map[string]json.RawMessage {
	keepContent := func(keys ...string) map[string]json.RawMessage {
		out := make(map[string]json.RawMessage, len(keys))
		for _, k := range keys {
			if v, ok := content[k]; ok {
				out[k] = v
			}
		}
		return out
	}

	switch evType {
	case models.EventTypeMember:
		keys := []string{"membership"}
		if rules.Redaction >= models.RedactV9 {
			keys = append(keys, "join_authorised_via_users_server")
		}
		if rules.Redaction >= models.RedactV11 {
			// Only the signed block of a third-party invite survives; keep the
			// field whole since verification re-extracts the signed part.
			keys = append(keys, "third_party_invite")
		}
		return keepContent(keys...)
	case models.EventTypeCreate:
		if rules.Redaction >= models.RedactV11 {
			// v11 preserves create content entirely.
			return content
		}
		return keepContent("creator")
	case models.EventTypeJoinRules:
		if rules.Redaction >= models.RedactV8 {
			return keepContent("join_rule", "allow")
		}
		return keepContent("join_rule")
	case models.EventTypePowerLevels:
		keys := []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if rules.Redaction >= models.RedactV11 {
			keys = append(keys, "invite")
		}
		return keepContent(keys...)
	case models.EventTypeHistoryVisibility:
		return keepContent("history_visibility")
	case models.EventTypeRedaction:
		if rules.Redaction >= models.RedactV11 {
			return keepContent("redacts")
		}
		return map[string]json.RawMessage{}
	case models.EventTypeAliases:
		if rules.Redaction < models.RedactV6 {
			return keepContent("aliases")
		}
		return map[string]json.RawMessage{}
	default:
		return map[string]json.RawMessage{}
	}
}
