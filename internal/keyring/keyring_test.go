package keyring

import (
	"testing"

	"github.com/amityvox/continuum/internal/models"
)

func TestMergeRecords_RotatedKeysMoveToOld(t *testing.T) {
	base := &models.SigningKeys{
		VerifyKeys: map[string]models.VerifyKey{
			"ed25519:a": {Key: "AAAA"},
			"ed25519:b": {Key: "BBBB"},
		},
		OldVerifyKeys: map[string]models.OldVerifyKey{},
		ValidUntilTS:  1000,
	}
	fresh := &models.SigningKeys{
		VerifyKeys: map[string]models.VerifyKey{
			"ed25519:b": {Key: "BBBB"},
			"ed25519:c": {Key: "CCCC"},
		},
		OldVerifyKeys: map[string]models.OldVerifyKey{},
		ValidUntilTS:  2000,
	}

	merged := mergeRecords(base, fresh)
	if _, ok := merged.VerifyKeys["ed25519:a"]; ok {
		t.Error("rotated-out key must leave verify_keys")
	}
	old, ok := merged.OldVerifyKeys["ed25519:a"]
	if !ok {
		t.Fatal("rotated-out key must land in old_verify_keys")
	}
	if old.Key != "AAAA" || old.ExpiredTS != 1000 {
		t.Errorf("old key = %+v", old)
	}
	if _, ok := merged.VerifyKeys["ed25519:c"]; !ok {
		t.Error("fresh key missing from merge")
	}
	if merged.ValidUntilTS != 2000 {
		t.Errorf("ValidUntilTS = %d, want 2000", merged.ValidUntilTS)
	}
}

func TestMergeRecords_NilHandling(t *testing.T) {
	rec := &models.SigningKeys{ValidUntilTS: 5}
	if got := mergeRecords(nil, rec); got != rec {
		t.Error("nil base should pass fresh through")
	}
	if got := mergeRecords(rec, nil); got != rec {
		t.Error("nil fresh should pass base through")
	}
}

func TestBackoffKey_StableAcrossOrder(t *testing.T) {
	a := backoffKey("remote.test", []string{"ed25519:x", "ed25519:y"})
	b := backoffKey("remote.test", []string{"ed25519:y", "ed25519:x"})
	if a != b {
		t.Error("backoff key must not depend on key id order")
	}
	c := backoffKey("remote.test", []string{"ed25519:x"})
	if a == c {
		t.Error("different key sets must use different backoff counters")
	}
	d := backoffKey("other.test", []string{"ed25519:x", "ed25519:y"})
	if a == d {
		t.Error("different origins must use different backoff counters")
	}
}

func TestKeySetChanged(t *testing.T) {
	a := &models.SigningKeys{VerifyKeys: map[string]models.VerifyKey{"k": {Key: "A"}}}
	same := &models.SigningKeys{VerifyKeys: map[string]models.VerifyKey{"k": {Key: "A"}}}
	rotated := &models.SigningKeys{VerifyKeys: map[string]models.VerifyKey{"k": {Key: "B"}}}
	extra := &models.SigningKeys{VerifyKeys: map[string]models.VerifyKey{"k": {Key: "A"}, "j": {Key: "C"}}}

	if keySetChanged(a, same) {
		t.Error("identical key sets should not report change")
	}
	if !keySetChanged(a, rotated) {
		t.Error("changed key material should report change")
	}
	if !keySetChanged(a, extra) {
		t.Error("added keys should report change")
	}
}
