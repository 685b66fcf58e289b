package event

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/amityvox/continuum/internal/models"
)

func mustRules(t *testing.T, version string) models.RoomVersionRules {
	t.Helper()
	rules, ok := models.RulesForVersion(version)
	if !ok {
		t.Fatalf("unknown room version %q", version)
	}
	return rules
}

// buildEvent assembles a hashed, signed test event for the given server key.
func buildEvent(t *testing.T, priv ed25519.PrivateKey, keyID string, overrides map[string]interface{}) []byte {
	t.Helper()
	ev := map[string]interface{}{
		"type":             "m.room.message",
		"room_id":          "!room:origin.test",
		"sender":           "@alice:origin.test",
		"content":          map[string]interface{}{"body": "hello"},
		"origin_server_ts": 1700000000000,
		"prev_events":      []string{"$prev"},
		"auth_events":      []string{"$create", "$member"},
		"depth":            5,
	}
	for k, v := range overrides {
		ev[k] = v
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshaling test event: %v", err)
	}
	raw, err = FillContentHash(raw)
	if err != nil {
		t.Fatalf("hashing test event: %v", err)
	}
	rules := mustRules(t, "10")
	raw, err = Sign(raw, "origin.test", keyID, priv, rules)
	if err != nil {
		t.Fatalf("signing test event: %v", err)
	}
	return raw
}

// staticKeys implements KeyFetcher over a fixed key set.
type staticKeys struct {
	keys map[string]*models.SigningKeys
}

func (s *staticKeys) FetchKeys(_ context.Context, origin string, _ []string, _ int64) (*models.SigningKeys, error) {
	if rec, ok := s.keys[origin]; ok {
		return rec, nil
	}
	return &models.SigningKeys{
		VerifyKeys:    map[string]models.VerifyKey{},
		OldVerifyKeys: map[string]models.OldVerifyKey{},
	}, nil
}

func newTestVerifier(t *testing.T) (*Verifier, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen error: %v", err)
	}
	keyID := "ed25519:test1"
	fetcher := &staticKeys{keys: map[string]*models.SigningKeys{
		"origin.test": {
			VerifyKeys: map[string]models.VerifyKey{
				keyID: {Key: unpaddedBase64.EncodeToString(pub)},
			},
			OldVerifyKeys: map[string]models.OldVerifyKey{},
			ValidUntilTS:  time.Now().Add(24 * time.Hour).UnixMilli(),
		},
	}}
	return NewVerifier(fetcher, slog.Default()), priv, keyID
}

func TestVerifyPDU_Valid(t *testing.T) {
	verifier, priv, keyID := newTestVerifier(t)
	raw := buildEvent(t, priv, keyID, nil)

	result, err := verifier.VerifyPDU(context.Background(), raw, mustRules(t, "10"))
	if err != nil {
		t.Fatalf("VerifyPDU error: %v", err)
	}
	if result.Redacted {
		t.Error("valid event should not be redacted")
	}
	if !strings.HasPrefix(result.PDU.EventID, "$") {
		t.Errorf("event id %q should start with $", result.PDU.EventID)
	}
	// v10 ids are url-safe base64: no + or /.
	if strings.ContainsAny(result.PDU.EventID, "+/") {
		t.Errorf("event id %q should be url-safe", result.PDU.EventID)
	}
}

func TestVerifyPDU_MissingOriginSignature(t *testing.T) {
	verifier, priv, keyID := newTestVerifier(t)
	raw := buildEvent(t, priv, keyID, nil)

	// Replace the signatures block with one from another server: the origin
	// server is no longer covered.
	var obj map[string]json.RawMessage
	json.Unmarshal(raw, &obj)
	obj["signatures"] = json.RawMessage(`{"other.test":{"ed25519:x":"AAAA"}}`)
	tampered, _ := json.Marshal(obj)

	_, err := verifier.VerifyPDU(context.Background(), tampered, mustRules(t, "10"))
	if !models.IsKind(err, models.ErrBadSignature) {
		t.Errorf("expected BadSignature, got %v", err)
	}
}

func TestVerifyPDU_HashMismatchRedacts(t *testing.T) {
	verifier, priv, keyID := newTestVerifier(t)
	raw := buildEvent(t, priv, keyID, nil)

	// Mutate content after signing. The signature covers the redacted form,
	// which ignores message content, so it still verifies; the content hash
	// does not, so the event must be stored redacted.
	var obj map[string]json.RawMessage
	json.Unmarshal(raw, &obj)
	obj["content"] = json.RawMessage(`{"body":"tampered","foo":42}`)
	tampered, _ := json.Marshal(obj)

	result, err := verifier.VerifyPDU(context.Background(), tampered, mustRules(t, "10"))
	if err != nil {
		t.Fatalf("VerifyPDU error: %v", err)
	}
	if !result.Redacted {
		t.Fatal("expected event to be redacted on hash mismatch")
	}
	var content map[string]interface{}
	if err := json.Unmarshal(result.PDU.Content, &content); err != nil {
		t.Fatalf("parsing redacted content: %v", err)
	}
	if len(content) != 0 {
		t.Errorf("redacted message content should be empty, got %v", content)
	}
}

func TestVerifyPDU_TamperedSignature(t *testing.T) {
	verifier, priv, keyID := newTestVerifier(t)
	raw := buildEvent(t, priv, keyID, nil)

	// Changing a signed field (sender) invalidates the signature outright.
	var obj map[string]json.RawMessage
	json.Unmarshal(raw, &obj)
	obj["sender"] = json.RawMessage(`"@mallory:origin.test"`)
	tampered, _ := json.Marshal(obj)

	_, err := verifier.VerifyPDU(context.Background(), tampered, mustRules(t, "10"))
	if !models.IsKind(err, models.ErrBadSignature) {
		t.Errorf("expected BadSignature, got %v", err)
	}
}

func TestEventID_DeterministicAcrossKeyOrder(t *testing.T) {
	_, priv, keyID := newTestVerifier(t)
	raw := buildEvent(t, priv, keyID, nil)
	rules := mustRules(t, "10")

	id1, err := EventID(raw, rules)
	if err != nil {
		t.Fatalf("EventID error: %v", err)
	}
	// Re-serialize with different key order; the canonical form is the same.
	var obj map[string]json.RawMessage
	json.Unmarshal(raw, &obj)
	reordered, _ := json.Marshal(obj)
	id2, err := EventID(reordered, rules)
	if err != nil {
		t.Fatalf("EventID error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("event id changed with key order: %s vs %s", id1, id2)
	}
}

func TestRedact_MemberKeepsMembership(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.member",
		"room_id": "!r:s",
		"sender": "@a:s",
		"state_key": "@a:s",
		"content": {"membership": "join", "displayname": "Alice", "avatar_url": "mxc://x"},
		"origin_server_ts": 1,
		"depth": 1
	}`)
	redacted, err := Redact(raw, mustRules(t, "10"))
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	var obj struct {
		Content map[string]interface{} `json:"content"`
	}
	if err := json.Unmarshal(redacted, &obj); err != nil {
		t.Fatalf("parsing redacted event: %v", err)
	}
	if obj.Content["membership"] != "join" {
		t.Error("membership should survive redaction")
	}
	if _, ok := obj.Content["displayname"]; ok {
		t.Error("displayname should be pruned by redaction")
	}
}

func TestRedact_PowerLevelsKeepsLevels(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.power_levels",
		"room_id": "!r:s",
		"sender": "@a:s",
		"state_key": "",
		"content": {"users": {"@a:s": 100}, "ban": 50, "custom": true},
		"origin_server_ts": 1,
		"depth": 1
	}`)
	redacted, err := Redact(raw, mustRules(t, "10"))
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	var obj struct {
		Content map[string]json.RawMessage `json:"content"`
	}
	json.Unmarshal(redacted, &obj)
	if _, ok := obj.Content["users"]; !ok {
		t.Error("users should survive power_levels redaction")
	}
	if _, ok := obj.Content["custom"]; ok {
		t.Error("custom keys should be pruned")
	}
}

func TestRedact_V11DropsOrigin(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.message",
		"room_id": "!r:s",
		"sender": "@a:s",
		"origin": "s",
		"membership": "join",
		"content": {"body": "x"},
		"origin_server_ts": 1,
		"depth": 1
	}`)
	redacted, err := Redact(raw, mustRules(t, "11"))
	if err != nil {
		t.Fatalf("Redact error: %v", err)
	}
	var obj map[string]json.RawMessage
	json.Unmarshal(redacted, &obj)
	if _, ok := obj["origin"]; ok {
		t.Error("origin should be dropped by v11 redaction")
	}
	if _, ok := obj["membership"]; ok {
		t.Error("top-level membership should be dropped by v11 redaction")
	}
}

func TestServerNameFromID(t *testing.T) {
	tests := []struct {
		id     string
		server string
		ok     bool
	}{
		{"@alice:example.com", "example.com", true},
		{"!room:example.com:8448", "example.com:8448", true},
		{"$event", "", false},
		{"@bad:", "", false},
	}
	for _, tc := range tests {
		server, ok := ServerNameFromID(tc.id)
		if server != tc.server || ok != tc.ok {
			t.Errorf("ServerNameFromID(%q) = (%q, %v), want (%q, %v)",
				tc.id, server, ok, tc.server, tc.ok)
		}
	}
}

func TestCheckCanonicalForm_MissingFields(t *testing.T) {
	rules := mustRules(t, "10")
	cases := map[string]string{
		"no room":    `{"sender":"@a:s","type":"x","content":{},"signatures":{"s":{}},"hashes":{"sha256":"x"},"prev_events":[],"auth_events":["$a"]}`,
		"bad sender": `{"room_id":"!r:s","sender":"alice","type":"x","content":{},"signatures":{"s":{}},"hashes":{"sha256":"x"},"prev_events":[],"auth_events":["$a"]}`,
		"no type":    `{"room_id":"!r:s","sender":"@a:s","content":{},"signatures":{"s":{}},"hashes":{"sha256":"x"},"prev_events":[],"auth_events":["$a"]}`,
		"no hashes":  `{"room_id":"!r:s","sender":"@a:s","type":"x","content":{},"signatures":{"s":{}},"prev_events":[],"auth_events":["$a"]}`,
	}
	for name, body := range cases {
		if _, err := CheckCanonicalForm([]byte(body), rules); !models.IsKind(err, models.ErrMalformedEvent) {
			t.Errorf("%s: expected MalformedEvent, got %v", name, err)
		}
	}
}
