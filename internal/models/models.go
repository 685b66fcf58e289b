// Package models defines shared data types for the Continuum federation core:
// room events (PDUs), room-version rule records, state maps, short-id aliases,
// signing keys, media metadata, and transaction queue entries. Types include
// JSON tags matching the Matrix wire format and match the PostgreSQL schema
// exactly.
package models

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known state event types used by the authorization rules and the
// state resolver.
const (
	EventTypeCreate            = "m.room.create"
	EventTypeMember            = "m.room.member"
	EventTypePowerLevels       = "m.room.power_levels"
	EventTypeJoinRules         = "m.room.join_rules"
	EventTypeHistoryVisibility = "m.room.history_visibility"
	EventTypeThirdPartyInvite  = "m.room.third_party_invite"
	EventTypeRedaction         = "m.room.redaction"
	EventTypeAliases           = "m.room.aliases"
	EventTypeServerACL         = "m.room.server_acl"
)

// Membership values for m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values for m.room.join_rules content.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRulePrivate         = "private"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// EventHashes carries the content hash of a PDU.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// PDU is a persistent room event as exchanged over federation. The EventID
// field is not part of the signed JSON in room versions 3 and later; it is
// computed from the reference hash and carried separately.
type PDU struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Origin         string                       `json:"origin,omitempty"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	PrevEvents     []string                     `json:"prev_events"`
	AuthEvents     []string                     `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Hashes         *EventHashes                 `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Redacts        *string                      `json:"redacts,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// IsState reports whether the event is a state event (has a state key).
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateTupleKey returns the (type, state_key) tuple for a state event.
// Call only when IsState() is true.
func (p *PDU) StateTupleKey() StateTuple {
	return StateTuple{Type: p.Type, StateKey: *p.StateKey}
}

// MembershipContent is the parsed content of an m.room.member event.
type MembershipContent struct {
	Membership       string           `json:"membership"`
	DisplayName      *string          `json:"displayname,omitempty"`
	AvatarURL        *string          `json:"avatar_url,omitempty"`
	Reason           *string          `json:"reason,omitempty"`
	JoinAuthorised   *string          `json:"join_authorised_via_users_server,omitempty"`
	ThirdPartyInvite *ThirdPartySigned `json:"third_party_invite,omitempty"`
}

// ThirdPartySigned is the signed third-party invite block inside membership
// content.
type ThirdPartySigned struct {
	Signed struct {
		MXID       string                       `json:"mxid"`
		Token      string                       `json:"token"`
		Signatures map[string]map[string]string `json:"signatures"`
	} `json:"signed"`
}

// Membership extracts the membership value from a member event's content.
func (p *PDU) Membership() (string, error) {
	var c MembershipContent
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return "", fmt.Errorf("parsing membership content: %w", err)
	}
	if c.Membership == "" {
		return "", fmt.Errorf("member event has no membership field")
	}
	return c.Membership, nil
}

// JoinRulesContent is the parsed content of an m.room.join_rules event.
type JoinRulesContent struct {
	JoinRule string              `json:"join_rule"`
	Allow    []JoinRuleAllowRule `json:"allow,omitempty"`
}

// JoinRuleAllowRule is one entry of the restricted join rule allow list.
type JoinRuleAllowRule struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// JoinRuleAllowRoomMembership is the allow-rule type that admits members of
// another room.
const JoinRuleAllowRoomMembership = "m.room_membership"

// Int is a JSON integer that also accepts a string-encoded number, as
// produced by some remote implementations in power-level content.
type Int int64

// UnmarshalJSON implements json.Unmarshaler accepting both 50 and "50".
func (i *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 1 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing string power level %q: %w", s, err)
		}
		*i = Int(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*i = Int(n)
	return nil
}

// PowerLevelsContent is the parsed content of an m.room.power_levels event.
// Pointer fields distinguish "absent" (spec default applies) from zero.
type PowerLevelsContent struct {
	Ban           *Int           `json:"ban,omitempty"`
	Events        map[string]Int `json:"events,omitempty"`
	EventsDefault *Int           `json:"events_default,omitempty"`
	Invite        *Int           `json:"invite,omitempty"`
	Kick          *Int           `json:"kick,omitempty"`
	Redact        *Int           `json:"redact,omitempty"`
	StateDefault  *Int           `json:"state_default,omitempty"`
	Users         map[string]Int `json:"users,omitempty"`
	UsersDefault  *Int           `json:"users_default,omitempty"`
	Notifications map[string]Int `json:"notifications,omitempty"`
}

// Spec defaults for absent power-level fields.
const (
	DefaultPowerBan          = 50
	DefaultPowerInvite       = 0
	DefaultPowerKick         = 50
	DefaultPowerRedact       = 50
	DefaultPowerEventsOther  = 0
	DefaultPowerStateDefault = 50
	DefaultPowerUsersDefault = 0
)

func intOr(v *Int, def int64) int64 {
	if v == nil {
		return def
	}
	return int64(*v)
}

// UserLevel returns the power level of a user, falling back to users_default.
func (p *PowerLevelsContent) UserLevel(userID string) int64 {
	if p == nil {
		return DefaultPowerUsersDefault
	}
	if lvl, ok := p.Users[userID]; ok {
		return int64(lvl)
	}
	return intOr(p.UsersDefault, DefaultPowerUsersDefault)
}

// EventLevel returns the power level required to send an event of the given
// type, distinguishing state events (state_default) from message events
// (events_default).
func (p *PowerLevelsContent) EventLevel(eventType string, isState bool) int64 {
	if p != nil {
		if lvl, ok := p.Events[eventType]; ok {
			return int64(lvl)
		}
	}
	if isState {
		if p == nil {
			return DefaultPowerStateDefault
		}
		return intOr(p.StateDefault, DefaultPowerStateDefault)
	}
	if p == nil {
		return DefaultPowerEventsOther
	}
	return intOr(p.EventsDefault, DefaultPowerEventsOther)
}

// BanLevel returns the power level required to ban.
func (p *PowerLevelsContent) BanLevel() int64 {
	if p == nil {
		return DefaultPowerBan
	}
	return intOr(p.Ban, DefaultPowerBan)
}

// KickLevel returns the power level required to kick.
func (p *PowerLevelsContent) KickLevel() int64 {
	if p == nil {
		return DefaultPowerKick
	}
	return intOr(p.Kick, DefaultPowerKick)
}

// InviteLevel returns the power level required to invite.
func (p *PowerLevelsContent) InviteLevel() int64 {
	if p == nil {
		return DefaultPowerInvite
	}
	return intOr(p.Invite, DefaultPowerInvite)
}

// RedactLevel returns the power level required to redact other users' events.
func (p *PowerLevelsContent) RedactLevel() int64 {
	if p == nil {
		return DefaultPowerRedact
	}
	return intOr(p.Redact, DefaultPowerRedact)
}

// CreateContent is the parsed content of an m.room.create event.
type CreateContent struct {
	Creator     string          `json:"creator,omitempty"`
	RoomVersion *string         `json:"room_version,omitempty"`
	Federate    *bool           `json:"m.federate,omitempty"`
	Predecessor json.RawMessage `json:"predecessor,omitempty"`
}

// StateTuple identifies one slot of room state.
type StateTuple struct {
	Type     string
	StateKey string
}

func (t StateTuple) String() string {
	return t.Type + "\x1f" + t.StateKey
}

// StateMap is a partial function from (type, state_key) to event id.
type StateMap map[StateTuple]string

// Clone returns a shallow copy of the state map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Short ids intern event ids, state keys, and state snapshot hashes to
// 64-bit integers. Assignments are monotonic and never reused.
type (
	ShortEventID   = int64
	ShortStateKey  = int64
	ShortStateHash = int64
)

// CompressedStateEntry is the 16-byte (short_state_key || short_event_id)
// tuple used by compressed state snapshots.
type CompressedStateEntry [16]byte

// NewCompressedStateEntry packs a short state key and short event id into
// one snapshot tuple.
func NewCompressedStateEntry(key ShortStateKey, event ShortEventID) CompressedStateEntry {
	var e CompressedStateEntry
	binary.BigEndian.PutUint64(e[:8], uint64(key))
	binary.BigEndian.PutUint64(e[8:], uint64(event))
	return e
}

// Split unpacks the tuple into its short state key and short event id.
func (e CompressedStateEntry) Split() (ShortStateKey, ShortEventID) {
	return int64(binary.BigEndian.Uint64(e[:8])), int64(binary.BigEndian.Uint64(e[8:]))
}
