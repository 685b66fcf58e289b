// Package authrules implements the room-version authorization rules: the
// state-independent structural checks and the state-dependent membership,
// power-level, and join-rule predicates. The engine is pure; callers supply
// a state lookup function and receive accept/reject.
package authrules

import (
	"encoding/json"
	"fmt"

	"github.com/amityvox/continuum/internal/event"
	"github.com/amityvox/continuum/internal/models"
)

// Structural limits on inbound events.
const (
	maxIDLength      = 255
	maxTypeLength    = 1024
	maxPrevEvents    = 20
	maxAuthEvents    = 10
	maxDepth         = int64(1) << 53
	maxPowerLevelAbs = int64(1) << 53
)

// StateLookup resolves the current value of a state slot during a
// state-dependent check. Returns nil when the slot is empty.
type StateLookup func(eventType, stateKey string) *models.PDU

// CheckStateIndependent runs the structural checks that need no room state.
// Failures are fatal for the event.
func CheckStateIndependent(pdu *models.PDU, rules models.RoomVersionRules) error {
	if len(pdu.Sender) > maxIDLength {
		return models.NewError(models.ErrMalformedEvent, "sender exceeds %d bytes", maxIDLength)
	}
	if len(pdu.RoomID) > maxIDLength {
		return models.NewError(models.ErrMalformedEvent, "room_id exceeds %d bytes", maxIDLength)
	}
	if len(pdu.EventID) > maxIDLength {
		return models.NewError(models.ErrMalformedEvent, "event_id exceeds %d bytes", maxIDLength)
	}
	if len(pdu.Type) > maxTypeLength {
		return models.NewError(models.ErrMalformedEvent, "type exceeds %d bytes", maxTypeLength)
	}
	if pdu.StateKey != nil && len(*pdu.StateKey) > maxIDLength {
		return models.NewError(models.ErrMalformedEvent, "state_key exceeds %d bytes", maxIDLength)
	}
	if len(pdu.PrevEvents) > maxPrevEvents {
		return models.NewError(models.ErrMalformedEvent, "more than %d prev_events", maxPrevEvents)
	}
	if len(pdu.AuthEvents) > maxAuthEvents {
		return models.NewError(models.ErrMalformedEvent, "more than %d auth_events", maxAuthEvents)
	}
	if pdu.Depth < 0 || pdu.Depth > maxDepth {
		return models.NewError(models.ErrMalformedEvent, "depth out of range")
	}

	seen := make(map[string]struct{}, len(pdu.AuthEvents))
	for _, id := range pdu.AuthEvents {
		if _, dup := seen[id]; dup {
			return models.NewError(models.ErrMalformedEvent, "duplicate auth event %s", id)
		}
		seen[id] = struct{}{}
	}

	if pdu.Type == models.EventTypeCreate {
		if len(pdu.PrevEvents) != 0 || len(pdu.AuthEvents) != 0 {
			return models.NewError(models.ErrNotAuthorized, "create event must not reference prior events")
		}
		senderServer, _ := event.ServerNameFromID(pdu.Sender)
		roomServer, _ := event.ServerNameFromID(pdu.RoomID)
		if senderServer != roomServer {
			return models.NewError(models.ErrNotAuthorized, "create sender domain does not match room domain")
		}
		var c models.CreateContent
		if err := json.Unmarshal(pdu.Content, &c); err != nil {
			return models.NewError(models.ErrMalformedEvent, "undecodable create content: %s", err)
		}
		if c.RoomVersion != nil {
			if _, known := models.RulesForVersion(*c.RoomVersion); !known {
				return models.NewError(models.ErrUnknownRoomVersion, "unknown room version %q", *c.RoomVersion)
			}
		}
	}

	if rules.IntegerPowerLevels && pdu.Type == models.EventTypePowerLevels {
		if err := rejectStringPowerLevels(pdu.Content); err != nil {
			return err
		}
	}

	return nil
}

// rejectStringPowerLevels enforces the v10+ rule that power-level values
// must be JSON integers.
func rejectStringPowerLevels(content json.RawMessage) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(content, &probe); err != nil {
		return models.NewError(models.ErrMalformedEvent, "undecodable power_levels content")
	}
	check := func(raw json.RawMessage) error {
		if len(raw) > 0 && raw[0] == '"' {
			return models.NewError(models.ErrMalformedEvent, "string power levels are not allowed in this room version")
		}
		return nil
	}
	for _, field := range []string{"ban", "events_default", "invite", "kick", "redact", "state_default", "users_default"} {
		if raw, ok := probe[field]; ok {
			if err := check(raw); err != nil {
				return err
			}
		}
	}
	for _, field := range []string{"events", "users", "notifications"} {
		raw, ok := probe[field]
		if !ok {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return models.NewError(models.ErrMalformedEvent, "undecodable power_levels %s map", field)
		}
		for _, v := range m {
			if err := check(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check runs the state-dependent authorization rules for pdu against the
// state provided by lookup. A nil error means the event is permitted.
func Check(pdu *models.PDU, rules models.RoomVersionRules, lookup StateLookup) error {
	if pdu.Type == models.EventTypeCreate {
		// Fully covered by the state-independent phase.
		return nil
	}

	createEvent := lookup(models.EventTypeCreate, "")
	if createEvent == nil {
		return models.NewError(models.ErrNotAuthorized, "no create event in auth state")
	}
	var create models.CreateContent
	if err := json.Unmarshal(createEvent.Content, &create); err != nil {
		return models.NewError(models.ErrMalformedEvent, "undecodable create content: %s", err)
	}
	if create.Federate != nil && !*create.Federate {
		senderServer, _ := event.ServerNameFromID(pdu.Sender)
		createServer, _ := event.ServerNameFromID(createEvent.Sender)
		if senderServer != createServer {
			return models.NewError(models.ErrNotAuthorized, "room does not federate")
		}
	}

	if pdu.Type == models.EventTypeMember {
		return checkMembership(pdu, rules, create, createEvent, lookup)
	}

	// Everything else requires the sender to be joined.
	senderMembership := membershipOf(lookup, pdu.Sender)
	if senderMembership != models.MembershipJoin {
		return models.NewError(models.ErrNotAuthorized, "sender %s is not joined", pdu.Sender)
	}

	power := powerLevelsOf(lookup)
	senderLevel := userLevel(power, create, createEvent, pdu.Sender, rules)

	required := power.EventLevel(pdu.Type, pdu.IsState())
	if senderLevel < required {
		return models.NewError(models.ErrNotAuthorized,
			"sender level %d below required %d for %s", senderLevel, required, pdu.Type)
	}

	// State keys that name a user belong to that user alone.
	if pdu.StateKey != nil && len(*pdu.StateKey) > 0 && (*pdu.StateKey)[0] == '@' && *pdu.StateKey != pdu.Sender {
		return models.NewError(models.ErrNotAuthorized, "user state key %q does not match sender", *pdu.StateKey)
	}

	switch pdu.Type {
	case models.EventTypePowerLevels:
		return checkPowerLevelChange(pdu, power, senderLevel, rules)
	case models.EventTypeRedaction:
		return checkRedaction(pdu, power, senderLevel, rules)
	}

	return nil
}

// membershipOf reads a user's current membership from state, defaulting to
// leave.
func membershipOf(lookup StateLookup, userID string) string {
	ev := lookup(models.EventTypeMember, userID)
	if ev == nil {
		return models.MembershipLeave
	}
	m, err := ev.Membership()
	if err != nil {
		return models.MembershipLeave
	}
	return m
}

// powerLevelsOf parses the current power-levels content; nil when the room
// has none yet.
func powerLevelsOf(lookup StateLookup) *models.PowerLevelsContent {
	ev := lookup(models.EventTypePowerLevels, "")
	if ev == nil {
		return nil
	}
	var p models.PowerLevelsContent
	if err := json.Unmarshal(ev.Content, &p); err != nil {
		return nil
	}
	return &p
}

// userLevel returns a user's effective power level. Before any power-levels
// event exists the room creator has level 100.
func userLevel(power *models.PowerLevelsContent, create models.CreateContent, createEvent *models.PDU, userID string, rules models.RoomVersionRules) int64 {
	if power == nil {
		creator := create.Creator
		if rules.ExplicitCreateSender || creator == "" {
			creator = createEvent.Sender
		}
		if userID == creator {
			return 100
		}
		return 0
	}
	return power.UserLevel(userID)
}

// checkPowerLevelChange enforces the monotonicity rules: a sender may only
// add, change, or remove levels up to their own level, and may only demote
// users strictly below them (except themselves).
func checkPowerLevelChange(pdu *models.PDU, oldPower *models.PowerLevelsContent, senderLevel int64, rules models.RoomVersionRules) error {
	var newPower models.PowerLevelsContent
	if err := json.Unmarshal(pdu.Content, &newPower); err != nil {
		return models.NewError(models.ErrMalformedEvent, "undecodable power_levels content: %s", err)
	}

	if oldPower == nil {
		// First power-levels event; the create-authority path already gated
		// on sender level.
		return nil
	}

	type levelPair struct {
		name     string
		old, new int64
		oldSet   bool
		newSet   bool
	}
	pairs := []levelPair{
		{"ban", oldPower.BanLevel(), newPower.BanLevel(), oldPower.Ban != nil, newPower.Ban != nil},
		{"invite", oldPower.InviteLevel(), newPower.InviteLevel(), oldPower.Invite != nil, newPower.Invite != nil},
		{"kick", oldPower.KickLevel(), newPower.KickLevel(), oldPower.Kick != nil, newPower.Kick != nil},
		{"redact", oldPower.RedactLevel(), newPower.RedactLevel(), oldPower.Redact != nil, newPower.Redact != nil},
		{"events_default", oldPower.EventLevel("", false), newPower.EventLevel("", false), oldPower.EventsDefault != nil, newPower.EventsDefault != nil},
		{"state_default", oldPower.EventLevel("", true), newPower.EventLevel("", true), oldPower.StateDefault != nil, newPower.StateDefault != nil},
		{"users_default", oldPower.UserLevel("\x00nobody"), newPower.UserLevel("\x00nobody"), oldPower.UsersDefault != nil, newPower.UsersDefault != nil},
	}
	for _, p := range pairs {
		if p.old == p.new {
			continue
		}
		if p.old > senderLevel || p.new > senderLevel {
			return models.NewError(models.ErrNotAuthorized,
				"cannot change %s from %d to %d with level %d", p.name, p.old, p.new, senderLevel)
		}
	}

	for evType, oldLvl := range oldPower.Events {
		newLvl, stillSet := newPower.Events[evType]
		if stillSet && newLvl == oldLvl {
			continue
		}
		if int64(oldLvl) > senderLevel || (stillSet && int64(newLvl) > senderLevel) {
			return models.NewError(models.ErrNotAuthorized,
				"cannot change event level for %s with level %d", evType, senderLevel)
		}
	}
	for evType, newLvl := range newPower.Events {
		if _, existed := oldPower.Events[evType]; existed {
			continue
		}
		if int64(newLvl) > senderLevel {
			return models.NewError(models.ErrNotAuthorized,
				"cannot set event level %d for %s with level %d", newLvl, evType, senderLevel)
		}
	}

	for user, oldLvl := range oldPower.Users {
		newLvl, stillSet := newPower.Users[user]
		if stillSet && newLvl == oldLvl {
			continue
		}
		if int64(oldLvl) >= senderLevel && user != pdu.Sender {
			return models.NewError(models.ErrNotAuthorized,
				"cannot change level of %s (level %d) with level %d", user, oldLvl, senderLevel)
		}
		if stillSet && int64(newLvl) > senderLevel {
			return models.NewError(models.ErrNotAuthorized,
				"cannot promote %s above own level %d", user, senderLevel)
		}
	}
	for user, newLvl := range newPower.Users {
		if _, existed := oldPower.Users[user]; existed {
			continue
		}
		if int64(newLvl) > senderLevel {
			return models.NewError(models.ErrNotAuthorized,
				"cannot grant %s level %d above own level %d", user, newLvl, senderLevel)
		}
	}

	for user := range newPower.Users {
		if len(user) == 0 || user[0] != '@' {
			return models.NewError(models.ErrMalformedEvent, "power_levels users key %q is not a user id", user)
		}
	}
	_ = rules
	return nil
}

// checkRedaction authorizes a redaction at the auth-events layer. Senders at
// or above the redact level pass outright; everyone else passes here. Only in
// room versions with the content-redacts property does the handler then check
// target ownership against current state, soft-failing the redaction when it
// fails.
func checkRedaction(pdu *models.PDU, power *models.PowerLevelsContent, senderLevel int64, rules models.RoomVersionRules) error {
	if pdu.Redacts == nil {
		var c struct {
			Redacts *string `json:"redacts"`
		}
		if err := json.Unmarshal(pdu.Content, &c); err == nil {
			pdu.Redacts = c.Redacts
		}
	}
	if pdu.Redacts == nil {
		return models.NewError(models.ErrMalformedEvent, "redaction without redacts target")
	}
	if senderLevel >= power.RedactLevel() {
		return nil
	}
	if rules.EnforceSignatureCheckOnRedactions {
		// v1/v2: the domain in the target's event id must match the
		// sender's; this is the only domain check made.
		senderServer, _ := event.ServerNameFromID(pdu.Sender)
		targetServer, ok := event.ServerNameFromID(*pdu.Redacts)
		if ok && targetServer != senderServer {
			return models.NewError(models.ErrNotAuthorized, "cannot redact events from other servers")
		}
	}
	return nil
}

// checkMembership implements the membership transition table.
func checkMembership(pdu *models.PDU, rules models.RoomVersionRules, create models.CreateContent, createEvent *models.PDU, lookup StateLookup) error {
	if pdu.StateKey == nil {
		return models.NewError(models.ErrMalformedEvent, "member event without state_key")
	}
	target := *pdu.StateKey
	if len(target) == 0 || target[0] != '@' {
		return models.NewError(models.ErrMalformedEvent, "member state_key %q is not a user id", target)
	}

	newMembership, err := pdu.Membership()
	if err != nil {
		return models.NewError(models.ErrMalformedEvent, "%s", err)
	}

	power := powerLevelsOf(lookup)
	senderLevel := userLevel(power, create, createEvent, pdu.Sender, rules)
	targetLevel := userLevel(power, create, createEvent, target, rules)
	senderMembership := membershipOf(lookup, pdu.Sender)
	targetMembership := membershipOf(lookup, target)
	joinRule := joinRuleOf(lookup)

	switch newMembership {
	case models.MembershipJoin:
		return checkJoin(pdu, rules, create, createEvent, lookup, target, targetMembership, joinRule)

	case models.MembershipInvite:
		var content models.MembershipContent
		if err := json.Unmarshal(pdu.Content, &content); err == nil && content.ThirdPartyInvite != nil {
			return checkThirdPartyInvite(pdu, content, lookup)
		}
		if senderMembership != models.MembershipJoin {
			return models.NewError(models.ErrNotAuthorized, "inviter is not joined")
		}
		if targetMembership == models.MembershipJoin || targetMembership == models.MembershipBan {
			return models.NewError(models.ErrNotAuthorized, "cannot invite a %s user", targetMembership)
		}
		if senderLevel < power.InviteLevel() {
			return models.NewError(models.ErrNotAuthorized, "sender level %d below invite level", senderLevel)
		}
		return nil

	case models.MembershipLeave:
		if target == pdu.Sender {
			// Leaving, or rejecting an invite / retracting a knock.
			if senderMembership == models.MembershipBan {
				return models.NewError(models.ErrNotAuthorized, "banned users cannot leave")
			}
			return nil
		}
		// Kick.
		if senderMembership != models.MembershipJoin {
			return models.NewError(models.ErrNotAuthorized, "kicker is not joined")
		}
		if targetMembership == models.MembershipBan && senderLevel < power.BanLevel() {
			return models.NewError(models.ErrNotAuthorized, "cannot unban below ban level")
		}
		if senderLevel < power.KickLevel() || targetLevel >= senderLevel {
			return models.NewError(models.ErrNotAuthorized, "insufficient level to kick %s", target)
		}
		return nil

	case models.MembershipBan:
		if senderMembership != models.MembershipJoin {
			return models.NewError(models.ErrNotAuthorized, "banner is not joined")
		}
		if senderLevel < power.BanLevel() || targetLevel >= senderLevel {
			return models.NewError(models.ErrNotAuthorized, "insufficient level to ban %s", target)
		}
		return nil

	case models.MembershipKnock:
		if !rules.AllowKnocking {
			return models.NewError(models.ErrNotAuthorized, "knocking is not allowed in this room version")
		}
		if joinRule != models.JoinRuleKnock && !(rules.AllowKnockRestricted && joinRule == models.JoinRuleKnockRestricted) {
			return models.NewError(models.ErrNotAuthorized, "room join rule %q does not permit knocking", joinRule)
		}
		if target != pdu.Sender {
			return models.NewError(models.ErrNotAuthorized, "cannot knock on behalf of another user")
		}
		if senderMembership == models.MembershipBan || senderMembership == models.MembershipJoin {
			return models.NewError(models.ErrNotAuthorized, "cannot knock while %s", senderMembership)
		}
		return nil

	default:
		return models.NewError(models.ErrMalformedEvent, "unknown membership %q", newMembership)
	}
}

// checkJoin handles the join arm of the membership table, including
// restricted rooms.
func checkJoin(pdu *models.PDU, rules models.RoomVersionRules, create models.CreateContent, createEvent *models.PDU, lookup StateLookup, target, targetMembership, joinRule string) error {
	if target != pdu.Sender {
		return models.NewError(models.ErrNotAuthorized, "cannot join on behalf of another user")
	}

	// The room creator's first join follows the create event directly.
	creator := create.Creator
	if rules.ExplicitCreateSender || creator == "" {
		creator = createEvent.Sender
	}
	if len(pdu.PrevEvents) == 1 && pdu.PrevEvents[0] == createEvent.EventID && target == creator {
		return nil
	}

	switch targetMembership {
	case models.MembershipBan:
		return models.NewError(models.ErrNotAuthorized, "banned from the room")
	case models.MembershipJoin:
		return nil // Already joined; profile update.
	}

	switch joinRule {
	case models.JoinRulePublic:
		return nil
	case models.JoinRuleInvite, models.JoinRuleKnock:
		if targetMembership == models.MembershipInvite {
			return nil
		}
		if joinRule == models.JoinRuleKnock && !rules.AllowKnocking {
			return models.NewError(models.ErrNotAuthorized, "knock join rule not allowed in this room version")
		}
		return models.NewError(models.ErrNotAuthorized, "room is invite-only")
	case models.JoinRuleRestricted, models.JoinRuleKnockRestricted:
		if joinRule == models.JoinRuleRestricted && !rules.AllowRestrictedJoins {
			return models.NewError(models.ErrNotAuthorized, "restricted join rule not allowed in this room version")
		}
		if joinRule == models.JoinRuleKnockRestricted && !rules.AllowKnockRestricted {
			return models.NewError(models.ErrNotAuthorized, "knock_restricted join rule not allowed in this room version")
		}
		if targetMembership == models.MembershipInvite {
			return nil
		}
		var content models.MembershipContent
		if err := json.Unmarshal(pdu.Content, &content); err != nil || content.JoinAuthorised == nil {
			return models.NewError(models.ErrNotAuthorized, "restricted join without authorising server")
		}
		authoriser := *content.JoinAuthorised
		if membershipOf(lookup, authoriser) != models.MembershipJoin {
			return models.NewError(models.ErrNotAuthorized, "authorising user %s is not joined", authoriser)
		}
		power := powerLevelsOf(lookup)
		authLevel := userLevel(power, create, createEvent, authoriser, rules)
		if authLevel < power.InviteLevel() {
			return models.NewError(models.ErrNotAuthorized, "authorising user %s cannot invite", authoriser)
		}
		return nil
	default:
		return models.NewError(models.ErrNotAuthorized, "room is not joinable (join rule %q)", joinRule)
	}
}

// checkThirdPartyInvite validates an invite that exchanges a third-party
// invite token: the named token must exist in state and the signed block
// must name the target.
func checkThirdPartyInvite(pdu *models.PDU, content models.MembershipContent, lookup StateLookup) error {
	signed := content.ThirdPartyInvite.Signed
	if signed.MXID != *pdu.StateKey {
		return models.NewError(models.ErrNotAuthorized, "third-party invite mxid does not match target")
	}
	if signed.Token == "" {
		return models.NewError(models.ErrMalformedEvent, "third-party invite without token")
	}
	tokenEvent := lookup(models.EventTypeThirdPartyInvite, signed.Token)
	if tokenEvent == nil {
		return models.NewError(models.ErrNotAuthorized, "no third-party invite for token")
	}
	if tokenEvent.Sender != pdu.Sender {
		return models.NewError(models.ErrNotAuthorized, "third-party invite sender mismatch")
	}
	if len(signed.Signatures) == 0 {
		return models.NewError(models.ErrNotAuthorized, "third-party invite signed block has no signatures")
	}
	return nil
}

// joinRuleOf reads the room's current join rule, defaulting to invite.
func joinRuleOf(lookup StateLookup) string {
	ev := lookup(models.EventTypeJoinRules, "")
	if ev == nil {
		return models.JoinRuleInvite
	}
	var c models.JoinRulesContent
	if err := json.Unmarshal(ev.Content, &c); err != nil || c.JoinRule == "" {
		return models.JoinRuleInvite
	}
	return c.JoinRule
}

// AuthStateFromEvents builds a StateLookup over the union map of an event's
// declared auth events.
func AuthStateFromEvents(authEvents []*models.PDU) (StateLookup, error) {
	state := make(map[models.StateTuple]*models.PDU, len(authEvents))
	for _, ev := range authEvents {
		if ev == nil {
			continue
		}
		if !ev.IsState() {
			return nil, fmt.Errorf("auth event %s is not a state event", ev.EventID)
		}
		state[ev.StateTupleKey()] = ev
	}
	return func(eventType, stateKey string) *models.PDU {
		return state[models.StateTuple{Type: eventType, StateKey: stateKey}]
	}, nil
}
