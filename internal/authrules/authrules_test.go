package authrules

import (
	"encoding/json"
	"testing"

	"github.com/amityvox/continuum/internal/models"
)

func rules10(t *testing.T) models.RoomVersionRules {
	t.Helper()
	rules, ok := models.RulesForVersion("10")
	if !ok {
		t.Fatal("room version 10 missing")
	}
	return rules
}

func strptr(s string) *string { return &s }

func statePDU(eventType, stateKey, sender string, content interface{}) *models.PDU {
	raw, _ := json.Marshal(content)
	return &models.PDU{
		EventID:    "$" + eventType + ":" + stateKey,
		RoomID:     "!room:origin.test",
		Sender:     sender,
		Type:       eventType,
		StateKey:   strptr(stateKey),
		Content:    raw,
		AuthEvents: []string{},
	}
}

// testState builds a lookup over a room with a create event, power levels,
// public join rules, and two members.
func testState(t *testing.T, overrides ...*models.PDU) StateLookup {
	t.Helper()
	pdus := []*models.PDU{
		statePDU(models.EventTypeCreate, "", "@alice:origin.test", map[string]interface{}{
			"room_version": "10",
		}),
		statePDU(models.EventTypePowerLevels, "", "@alice:origin.test", map[string]interface{}{
			"users":          map[string]int{"@alice:origin.test": 100},
			"users_default":  0,
			"events_default": 0,
			"state_default":  50,
			"ban":            50,
			"kick":           50,
			"redact":         50,
			"invite":         0,
		}),
		statePDU(models.EventTypeJoinRules, "", "@alice:origin.test", map[string]interface{}{
			"join_rule": "public",
		}),
		statePDU(models.EventTypeMember, "@alice:origin.test", "@alice:origin.test", map[string]interface{}{
			"membership": "join",
		}),
		statePDU(models.EventTypeMember, "@bob:origin.test", "@bob:origin.test", map[string]interface{}{
			"membership": "join",
		}),
	}
	pdus = append(pdus, overrides...)
	state := map[models.StateTuple]*models.PDU{}
	for _, p := range pdus {
		state[p.StateTupleKey()] = p
	}
	return func(eventType, stateKey string) *models.PDU {
		return state[models.StateTuple{Type: eventType, StateKey: stateKey}]
	}
}

func messagePDU(sender string) *models.PDU {
	raw, _ := json.Marshal(map[string]string{"body": "hi"})
	return &models.PDU{
		EventID:        "$msg",
		RoomID:         "!room:origin.test",
		Sender:         sender,
		Type:           "m.room.message",
		Content:        raw,
		PrevEvents:     []string{"$prev"},
		AuthEvents:     []string{"$a", "$b"},
		Depth:          2,
		OriginServerTS: 1,
	}
}

func TestCheck_JoinedSenderMaySend(t *testing.T) {
	if err := Check(messagePDU("@bob:origin.test"), rules10(t), testState(t)); err != nil {
		t.Errorf("joined sender should be allowed: %v", err)
	}
}

func TestCheck_NonMemberRejected(t *testing.T) {
	err := Check(messagePDU("@eve:elsewhere.test"), rules10(t), testState(t))
	if !models.IsKind(err, models.ErrNotAuthorized) {
		t.Errorf("expected NotAuthorized, got %v", err)
	}
}

func TestCheck_BanRequiresLevel(t *testing.T) {
	ban := statePDU(models.EventTypeMember, "@alice:origin.test", "@bob:origin.test", map[string]string{
		"membership": "ban",
	})
	err := Check(ban, rules10(t), testState(t))
	if !models.IsKind(err, models.ErrNotAuthorized) {
		t.Errorf("level-0 user must not ban level-100 user, got %v", err)
	}

	// Alice (100) can ban bob (0).
	ban2 := statePDU(models.EventTypeMember, "@bob:origin.test", "@alice:origin.test", map[string]string{
		"membership": "ban",
	})
	if err := Check(ban2, rules10(t), testState(t)); err != nil {
		t.Errorf("admin should be able to ban: %v", err)
	}
}

func TestCheck_BannedUserCannotJoin(t *testing.T) {
	banned := statePDU(models.EventTypeMember, "@carol:origin.test", "@alice:origin.test", map[string]string{
		"membership": "ban",
	})
	join := statePDU(models.EventTypeMember, "@carol:origin.test", "@carol:origin.test", map[string]string{
		"membership": "join",
	})
	err := Check(join, rules10(t), testState(t, banned))
	if !models.IsKind(err, models.ErrNotAuthorized) {
		t.Errorf("banned user must not rejoin, got %v", err)
	}
}

func TestCheck_InviteOnlyRoomRejectsStrangerJoin(t *testing.T) {
	inviteRule := statePDU(models.EventTypeJoinRules, "", "@alice:origin.test", map[string]string{
		"join_rule": "invite",
	})
	join := statePDU(models.EventTypeMember, "@carol:origin.test", "@carol:origin.test", map[string]string{
		"membership": "join",
	})
	err := Check(join, rules10(t), testState(t, inviteRule))
	if !models.IsKind(err, models.ErrNotAuthorized) {
		t.Errorf("uninvited join should be rejected, got %v", err)
	}

	// With an invite in state, the join passes.
	invited := statePDU(models.EventTypeMember, "@carol:origin.test", "@alice:origin.test", map[string]string{
		"membership": "invite",
	})
	if err := Check(join, rules10(t), testState(t, inviteRule, invited)); err != nil {
		t.Errorf("invited join should be allowed: %v", err)
	}
}

func TestCheck_PowerLevelMonotonicity(t *testing.T) {
	// Bob (level 0) tries to grant himself 100.
	grab := statePDU(models.EventTypePowerLevels, "", "@bob:origin.test", map[string]interface{}{
		"users": map[string]int{"@alice:origin.test": 100, "@bob:origin.test": 100},
	})
	err := Check(grab, rules10(t), testState(t))
	if !models.IsKind(err, models.ErrNotAuthorized) {
		t.Errorf("power grab should be rejected, got %v", err)
	}

	// Alice demoting herself is allowed.
	selfDemote := statePDU(models.EventTypePowerLevels, "", "@alice:origin.test", map[string]interface{}{
		"users": map[string]int{"@alice:origin.test": 50},
	})
	if err := Check(selfDemote, rules10(t), testState(t)); err != nil {
		t.Errorf("self demotion should be allowed: %v", err)
	}
}

func TestCheck_RedactionBelowLevelDefers(t *testing.T) {
	// Bob at level 0 with redact level 50: passes provisionally at this
	// layer (ownership is checked against the target at handling time).
	redaction := &models.PDU{
		EventID:    "$redact",
		RoomID:     "!room:origin.test",
		Sender:     "@bob:origin.test",
		Type:       models.EventTypeRedaction,
		Content:    json.RawMessage(`{"reason":"spam"}`),
		Redacts:    strptr("$target:origin.test"),
		PrevEvents: []string{"$prev"},
		AuthEvents: []string{"$a"},
	}
	if err := Check(redaction, rules10(t), testState(t)); err != nil {
		t.Errorf("redaction should pass provisionally at auth-events layer: %v", err)
	}
}

func TestCheckStateIndependent_Limits(t *testing.T) {
	rules := rules10(t)

	tooManyAuth := messagePDU("@bob:origin.test")
	for i := 0; i < 11; i++ {
		tooManyAuth.AuthEvents = append(tooManyAuth.AuthEvents, "$x")
	}
	if err := CheckStateIndependent(tooManyAuth, rules); err == nil {
		t.Error("expected rejection for >10 auth events")
	}

	dup := messagePDU("@bob:origin.test")
	dup.AuthEvents = []string{"$same", "$same"}
	if err := CheckStateIndependent(dup, rules); err == nil {
		t.Error("expected rejection for duplicate auth events")
	}
}

func TestCheckStateIndependent_CreateRules(t *testing.T) {
	rules := rules10(t)
	create := statePDU(models.EventTypeCreate, "", "@alice:origin.test", map[string]string{})
	create.PrevEvents = nil
	create.AuthEvents = nil
	if err := CheckStateIndependent(create, rules); err != nil {
		t.Errorf("valid create should pass: %v", err)
	}

	badDomain := statePDU(models.EventTypeCreate, "", "@alice:other.test", map[string]string{})
	badDomain.PrevEvents = nil
	badDomain.AuthEvents = nil
	if err := CheckStateIndependent(badDomain, rules); err == nil {
		t.Error("create with mismatched sender domain should fail")
	}
}

func TestCheckStateIndependent_StringPowerLevels(t *testing.T) {
	rules := rules10(t)
	pl := statePDU(models.EventTypePowerLevels, "", "@alice:origin.test", map[string]interface{}{
		"ban": "50",
	})
	if err := CheckStateIndependent(pl, rules); err == nil {
		t.Error("string power levels must be rejected in v10")
	}

	rules6, _ := models.RulesForVersion("6")
	if err := CheckStateIndependent(pl, rules6); err != nil {
		t.Errorf("string power levels are tolerated in v6: %v", err)
	}
}
