package stateres

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"

	"github.com/amityvox/continuum/internal/models"
)

func strptr(s string) *string { return &s }

// fixture is an in-memory event graph for resolver tests.
type fixture struct {
	events map[string]*models.PDU
}

func (f *fixture) fetch(id string) *models.PDU { return f.events[id] }

func (f *fixture) add(id, eventType, stateKey, sender string, ts int64, content interface{}, authEvents ...string) {
	raw, _ := json.Marshal(content)
	f.events[id] = &models.PDU{
		EventID:        id,
		RoomID:         "!room:a.test",
		Sender:         sender,
		Type:           eventType,
		StateKey:       strptr(stateKey),
		Content:        raw,
		OriginServerTS: ts,
		AuthEvents:     authEvents,
	}
}

// newRoomFixture builds a room with a create event, the creator's join, the
// initial power levels, and public join rules.
func newRoomFixture() *fixture {
	f := &fixture{events: map[string]*models.PDU{}}
	f.add("$create", models.EventTypeCreate, "", "@alice:a.test", 1, map[string]interface{}{
		"room_version": "10",
	})
	f.add("$alice_join", models.EventTypeMember, "@alice:a.test", "@alice:a.test", 2, map[string]string{
		"membership": "join",
	}, "$create")
	f.add("$pl", models.EventTypePowerLevels, "", "@alice:a.test", 3, map[string]interface{}{
		"users":         map[string]int{"@alice:a.test": 100},
		"state_default": 50,
	}, "$create", "$alice_join")
	f.add("$jr", models.EventTypeJoinRules, "", "@alice:a.test", 4, map[string]string{
		"join_rule": "public",
	}, "$create", "$alice_join", "$pl")
	f.add("$bob_join", models.EventTypeMember, "@bob:b.test", "@bob:b.test", 5, map[string]string{
		"membership": "join",
	}, "$create", "$jr", "$pl")
	return f
}

func baseState() models.StateMap {
	return models.StateMap{
		{Type: models.EventTypeCreate, StateKey: ""}:                "$create",
		{Type: models.EventTypeMember, StateKey: "@alice:a.test"}:   "$alice_join",
		{Type: models.EventTypePowerLevels, StateKey: ""}:           "$pl",
		{Type: models.EventTypeJoinRules, StateKey: ""}:             "$jr",
		{Type: models.EventTypeMember, StateKey: "@bob:b.test"}:     "$bob_join",
	}
}

func rules10(t *testing.T) models.RoomVersionRules {
	t.Helper()
	rules, ok := models.RulesForVersion("10")
	if !ok {
		t.Fatal("room version 10 missing")
	}
	return rules
}

func chainFor(f *fixture, state models.StateMap) map[string]struct{} {
	var ids []string
	for _, id := range state {
		ids = append(ids, id)
	}
	chain, _ := AuthChain(ids, f.fetch)
	return chain
}

func TestResolve_SingleForkPassesThrough(t *testing.T) {
	f := newRoomFixture()
	r := New(slog.Default())
	state := baseState()
	out, err := r.Resolve(rules10(t), []models.StateMap{state}, nil, f.fetch)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !reflect.DeepEqual(out, state) {
		t.Errorf("single fork should pass through unchanged")
	}
}

func TestResolve_UnconflictedUnion(t *testing.T) {
	f := newRoomFixture()
	f.add("$topic", "m.room.topic", "", "@alice:a.test", 6, map[string]string{
		"topic": "hello",
	}, "$create", "$alice_join", "$pl")

	fork1 := baseState()
	fork1[models.StateTuple{Type: "m.room.topic", StateKey: ""}] = "$topic"
	fork2 := baseState()
	fork2[models.StateTuple{Type: "m.room.topic", StateKey: ""}] = "$topic"

	r := New(slog.Default())
	chains := []map[string]struct{}{chainFor(f, fork1), chainFor(f, fork2)}
	out, err := r.Resolve(rules10(t), []models.StateMap{fork1, fork2}, chains, f.fetch)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if out[models.StateTuple{Type: "m.room.topic", StateKey: ""}] != "$topic" {
		t.Error("unconflicted topic should survive resolution")
	}
}

// TestResolve_Deterministic resolves the same conflicting forks many times
// in both orders and requires byte-identical results.
func TestResolve_Deterministic(t *testing.T) {
	f := newRoomFixture()
	// Two forks promote different users to 50; both auth-valid.
	f.add("$pl_carol", models.EventTypePowerLevels, "", "@alice:a.test", 10, map[string]interface{}{
		"users": map[string]int{"@alice:a.test": 100, "@carol:a.test": 50},
	}, "$create", "$alice_join", "$pl")
	f.add("$pl_dave", models.EventTypePowerLevels, "", "@alice:a.test", 11, map[string]interface{}{
		"users": map[string]int{"@alice:a.test": 100, "@dave:a.test": 50},
	}, "$create", "$alice_join", "$pl")

	fork1 := baseState()
	fork1[models.StateTuple{Type: models.EventTypePowerLevels, StateKey: ""}] = "$pl_carol"
	fork2 := baseState()
	fork2[models.StateTuple{Type: models.EventTypePowerLevels, StateKey: ""}] = "$pl_dave"

	r := New(slog.Default())
	chains := []map[string]struct{}{chainFor(f, fork1), chainFor(f, fork2)}

	first, err := r.Resolve(rules10(t), []models.StateMap{fork1, fork2}, chains, f.fetch)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	for i := 0; i < 20; i++ {
		var forks []models.StateMap
		var cs []map[string]struct{}
		if i%2 == 0 {
			forks = []models.StateMap{fork1, fork2}
			cs = []map[string]struct{}{chains[0], chains[1]}
		} else {
			forks = []models.StateMap{fork2, fork1}
			cs = []map[string]struct{}{chains[1], chains[0]}
		}
		again, err := r.Resolve(rules10(t), forks, cs, f.fetch)
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution is order-dependent: %v vs %v", first, again)
		}
	}

	// The winner must be one of the two candidates, decided by the ordering
	// rule, not input order.
	winner := first[models.StateTuple{Type: models.EventTypePowerLevels, StateKey: ""}]
	if winner != "$pl_carol" && winner != "$pl_dave" {
		t.Errorf("resolved power levels %q is not a candidate", winner)
	}
}

func TestResolve_RejectsUnreachableEvent(t *testing.T) {
	f := newRoomFixture()
	fork1 := baseState()
	fork1[models.StateTuple{Type: "m.room.topic", StateKey: ""}] = "$missing"
	fork2 := baseState()

	r := New(slog.Default())
	chains := []map[string]struct{}{chainFor(f, fork1), chainFor(f, fork2)}
	_, err := r.Resolve(rules10(t), []models.StateMap{fork1, fork2}, chains, f.fetch)
	if !models.IsKind(err, models.ErrStateResolutionFailure) {
		t.Errorf("expected StateResolutionFailure, got %v", err)
	}
}

func TestAuthChain_Closure(t *testing.T) {
	f := newRoomFixture()
	chain, err := AuthChain([]string{"$bob_join"}, f.fetch)
	if err != nil {
		t.Fatalf("AuthChain error: %v", err)
	}
	for _, want := range []string{"$create", "$jr", "$pl", "$alice_join"} {
		if _, ok := chain[want]; !ok {
			t.Errorf("auth chain missing %s", want)
		}
	}
	if _, ok := chain["$bob_join"]; ok {
		t.Error("auth chain should not contain the starting event")
	}
}

func TestIsPowerEvent(t *testing.T) {
	f := newRoomFixture()
	if !isPowerEvent(f.events["$pl"]) {
		t.Error("power_levels should be a power event")
	}
	if !isPowerEvent(f.events["$jr"]) {
		t.Error("join_rules should be a power event")
	}
	if isPowerEvent(f.events["$bob_join"]) {
		t.Error("self-join is not a power event")
	}

	f.add("$kick", models.EventTypeMember, "@bob:b.test", "@alice:a.test", 12, map[string]string{
		"membership": "leave",
	}, "$create", "$pl")
	if !isPowerEvent(f.events["$kick"]) {
		t.Error("kick should be a power event")
	}
}
