package event

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/models"
)

// unpaddedBase64 is the standard alphabet without padding, used for content
// hashes and room version 3 event ids.
var unpaddedBase64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// unpaddedURLSafeBase64 is the url-safe alphabet without padding, used for
// room version 4+ event ids.
var unpaddedURLSafeBase64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// ContentHash computes the SHA-256 content hash of a raw event: the canonical
// form with signatures, unsigned, and hashes removed.
func ContentHash(raw []byte) ([32]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return [32]byte{}, fmt.Errorf("parsing event for content hash: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	delete(obj, "hashes")

	stripped, err := json.Marshal(obj)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding stripped event: %w", err)
	}
	canonical, err := canonicaljson.Encode(stripped)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicalizing event: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// ReferenceHash computes the SHA-256 reference hash of a raw event: the
// canonical form of the redacted event with signatures, unsigned, and (for
// hash-derived id formats) event_id removed.
func ReferenceHash(raw []byte, rules models.RoomVersionRules) ([32]byte, error) {
	redacted, err := Redact(raw, rules)
	if err != nil {
		return [32]byte{}, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &obj); err != nil {
		return [32]byte{}, fmt.Errorf("parsing redacted event: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	if rules.EventIDFormat != models.EventIDFormatLegacy {
		delete(obj, "event_id")
	}

	stripped, err := json.Marshal(obj)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding stripped event: %w", err)
	}
	canonical, err := canonicaljson.Encode(stripped)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicalizing redacted event: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// EventID derives the event id for a raw event under the room version's
// event-id format. Legacy formats read the id carried in the event itself;
// hash-derived formats encode the reference hash.
func EventID(raw []byte, rules models.RoomVersionRules) (string, error) {
	switch rules.EventIDFormat {
	case models.EventIDFormatLegacy:
		var probe struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return "", fmt.Errorf("parsing event id: %w", err)
		}
		if probe.EventID == "" {
			return "", models.NewError(models.ErrMalformedEvent, "event has no event_id")
		}
		return probe.EventID, nil
	case models.EventIDFormatHash:
		h, err := ReferenceHash(raw, rules)
		if err != nil {
			return "", err
		}
		return "$" + unpaddedBase64.EncodeToString(h[:]), nil
	case models.EventIDFormatHashURLSafe:
		h, err := ReferenceHash(raw, rules)
		if err != nil {
			return "", err
		}
		return "$" + unpaddedURLSafeBase64.EncodeToString(h[:]), nil
	default:
		return "", models.NewError(models.ErrUnknownRoomVersion, "unknown event id format %d", rules.EventIDFormat)
	}
}

// VerifyContentHash recomputes the content hash and compares it against the
// hashes.sha256 field carried in the event.
func VerifyContentHash(raw []byte) error {
	var probe struct {
		Hashes *models.EventHashes `json:"hashes"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("parsing event hashes: %w", err)
	}
	if probe.Hashes == nil || probe.Hashes.SHA256 == "" {
		return models.NewError(models.ErrBadHash, "event carries no sha256 content hash")
	}

	computed, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if unpaddedBase64.EncodeToString(computed[:]) != probe.Hashes.SHA256 {
		return models.NewError(models.ErrBadHash, "content hash mismatch")
	}
	return nil
}
