package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRulesForVersion(t *testing.T) {
	for _, v := range append(StableRoomVersions, UnstableRoomVersions...) {
		rules, ok := RulesForVersion(v)
		if !ok {
			t.Errorf("RulesForVersion(%q) missing", v)
		}
		if rules.Version != v {
			t.Errorf("rules.Version = %q, want %q", rules.Version, v)
		}
	}
	if _, ok := RulesForVersion("999"); ok {
		t.Error("unknown version should not resolve")
	}
}

func TestRoomVersionProgression(t *testing.T) {
	v1, _ := RulesForVersion("1")
	if v1.StateResV2 || v1.EventIDFormat != EventIDFormatLegacy {
		t.Error("v1 should use legacy ids and legacy resolution")
	}
	v4, _ := RulesForVersion("4")
	if v4.EventIDFormat != EventIDFormatHashURLSafe || v4.StrictValidUntilTS {
		t.Error("v4 should use url-safe hash ids and tolerate stale keys")
	}
	v10, _ := RulesForVersion("10")
	if !v10.IntegerPowerLevels || !v10.AllowKnockRestricted {
		t.Error("v10 should enforce integer power levels and knock_restricted")
	}
	v11, _ := RulesForVersion("11")
	if !v11.RedactsInContent || !v11.ExplicitCreateSender {
		t.Error("v11 should move redacts into content and drop creator")
	}
}

func TestInt_AcceptsStringAndNumber(t *testing.T) {
	var i Int
	if err := json.Unmarshal([]byte(`50`), &i); err != nil || i != 50 {
		t.Errorf("number: got %d, err %v", i, err)
	}
	if err := json.Unmarshal([]byte(`"75"`), &i); err != nil || i != 75 {
		t.Errorf("string: got %d, err %v", i, err)
	}
	if err := json.Unmarshal([]byte(`"abc"`), &i); err == nil {
		t.Error("non-numeric string should fail")
	}
}

func TestPowerLevels_Defaults(t *testing.T) {
	var p *PowerLevelsContent
	if got := p.UserLevel("@a:s"); got != DefaultPowerUsersDefault {
		t.Errorf("nil UserLevel = %d", got)
	}
	if got := p.BanLevel(); got != DefaultPowerBan {
		t.Errorf("nil BanLevel = %d", got)
	}
	if got := p.EventLevel("m.room.topic", true); got != DefaultPowerStateDefault {
		t.Errorf("nil state EventLevel = %d", got)
	}
	if got := p.EventLevel("m.room.message", false); got != DefaultPowerEventsOther {
		t.Errorf("nil message EventLevel = %d", got)
	}
}

func TestPowerLevels_Parsed(t *testing.T) {
	var p PowerLevelsContent
	raw := []byte(`{"users":{"@a:s":"100"},"events":{"m.room.topic":25},"events_default":10}`)
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.UserLevel("@a:s") != 100 {
		t.Errorf("UserLevel = %d, want 100", p.UserLevel("@a:s"))
	}
	if p.EventLevel("m.room.topic", true) != 25 {
		t.Errorf("topic level = %d, want 25", p.EventLevel("m.room.topic", true))
	}
	if p.EventLevel("m.room.message", false) != 10 {
		t.Errorf("message level = %d, want 10", p.EventLevel("m.room.message", false))
	}
}

func TestCompressedStateEntry_Roundtrip(t *testing.T) {
	e := NewCompressedStateEntry(42, 77)
	key, event := e.Split()
	if key != 42 || event != 77 {
		t.Errorf("Split = (%d, %d), want (42, 77)", key, event)
	}
}

func TestDestination_KeyRoundtrip(t *testing.T) {
	cases := []Destination{
		{Kind: DestinationServer, Name: "remote.test"},
		{Kind: DestinationAppservice, Name: "bridge1"},
		{Kind: DestinationPushGateway, Name: "push.test", PushKey: "key123"},
	}
	for _, d := range cases {
		parsed, err := ParseDestination(d.String())
		if err != nil {
			t.Errorf("ParseDestination(%q) error: %v", d.String(), err)
			continue
		}
		if parsed != d {
			t.Errorf("roundtrip %q = %+v, want %+v", d.String(), parsed, d)
		}
	}

	if _, err := ParseDestination("bogus"); err == nil {
		t.Error("malformed key should fail")
	}
	if _, err := ParseDestination("alien|x"); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestRetryState_Backoff(t *testing.T) {
	now := time.Now()
	r := RetryState{Phase: RetryPhaseFailed, Tries: 2, LastFailure: now}
	// 30s x 2^2 = 120s.
	want := now.Add(120 * time.Second)
	if got := r.NextAttemptAt(); !got.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", got, want)
	}

	// Large try counts clamp at 24h.
	r.Tries = 10000
	if got := r.NextAttemptAt(); !got.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("NextAttemptAt should cap at 24h, got %v", got)
	}

	r.Phase = RetryPhaseRunning
	if !r.NextAttemptAt().IsZero() {
		t.Error("non-failed state should have no next attempt time")
	}
}

func TestSigningKeys_KeyForID(t *testing.T) {
	keys := SigningKeys{
		VerifyKeys:    map[string]VerifyKey{"ed25519:a": {Key: "AAAA"}},
		OldVerifyKeys: map[string]OldVerifyKey{"ed25519:old": {Key: "BBBB", ExpiredTS: 1234}},
	}
	if key, exp, ok := keys.KeyForID("ed25519:a"); !ok || key != "AAAA" || exp != 0 {
		t.Errorf("current key lookup = (%q, %d, %v)", key, exp, ok)
	}
	if key, exp, ok := keys.KeyForID("ed25519:old"); !ok || key != "BBBB" || exp != 1234 {
		t.Errorf("old key lookup = (%q, %d, %v)", key, exp, ok)
	}
	if _, _, ok := keys.KeyForID("ed25519:nope"); ok {
		t.Error("unknown key should not resolve")
	}

	if !keys.HasAllKeys([]string{"ed25519:a", "ed25519:old"}) {
		t.Error("HasAllKeys should find both")
	}
	if keys.HasAllKeys([]string{"ed25519:a", "ed25519:missing"}) {
		t.Error("HasAllKeys should fail on missing id")
	}
}

func TestMatrixError_Mapping(t *testing.T) {
	err := NewError(ErrNotAuthorized, "no")
	if err.Errcode() != "M_FORBIDDEN" || err.HTTPStatus() != 403 {
		t.Errorf("NotAuthorized maps to (%s, %d)", err.Errcode(), err.HTTPStatus())
	}
	if !IsKind(err, ErrNotAuthorized) {
		t.Error("IsKind should match")
	}
	if KindOf(errors.New("plain")) != ErrUnknown {
		t.Error("plain errors should report ErrUnknown")
	}
}
