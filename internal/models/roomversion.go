package models

// EventIDFormat selects how event ids are derived for a room version.
type EventIDFormat int

const (
	// EventIDFormatLegacy carries an opaque $localpart:servername id inside
	// the event JSON (room versions 1 and 2).
	EventIDFormatLegacy EventIDFormat = iota
	// EventIDFormatHash derives the id from the reference hash, standard
	// base64 alphabet (room version 3).
	EventIDFormatHash
	// EventIDFormatHashURLSafe derives the id from the reference hash,
	// url-safe base64 alphabet (room versions 4 and later).
	EventIDFormatHashURLSafe
)

// RedactionRuleset selects which redaction field lists apply.
type RedactionRuleset int

const (
	// RedactV1 keeps the original allowed-field lists, including the
	// top-level origin, membership, and prev_state fields.
	RedactV1 RedactionRuleset = iota
	// RedactV6 drops the aliases special case.
	RedactV6
	// RedactV8 keeps allow in join_rules content.
	RedactV8
	// RedactV9 keeps join_authorised_via_users_server in member content.
	RedactV9
	// RedactV11 moves redacts into content and prunes the legacy top-level
	// fields.
	RedactV11
)

// RoomVersionRules is the full rule variant record for one room version.
// Callers pass the whole record rather than switching on the version string
// at each call site.
type RoomVersionRules struct {
	Version string

	EventIDFormat EventIDFormat
	Redaction     RedactionRuleset

	// StrictValidUntilTS requires signing keys to satisfy
	// valid_until_ts > origin_server_ts. Older versions tolerate stale keys.
	StrictValidUntilTS bool

	// StateResV2 selects the iterative auth / mainline resolution algorithm.
	// Version 1 rooms use the legacy resolver, which Continuum does not
	// implement; v1 rooms are accepted only with allow_unstable_room_versions.
	StateResV2 bool

	// EnforceSignatureCheckOnRedactions requires the redacts target domain
	// signature (versions 1-2 only).
	EnforceSignatureCheckOnRedactions bool

	// AllowKnocking enables the knock membership and knock join rule (v7+).
	AllowKnocking bool

	// AllowRestrictedJoins enables the restricted join rule (v8+) and the
	// join_authorised_via_users_server checks (v9 fixes the redaction rules).
	AllowRestrictedJoins bool

	// AllowKnockRestricted enables the knock_restricted join rule (v10+).
	AllowKnockRestricted bool

	// IntegerPowerLevels rejects string-encoded power levels (v10+).
	IntegerPowerLevels bool

	// RedactsInContent moves the redacts key into event content (v11+),
	// and enables the content-redacts soft-fail property: a redaction whose
	// sender lacks redaction rights at current state is soft-failed rather
	// than rejected outright.
	RedactsInContent bool

	// ExplicitCreateSender drops the creator field from m.room.create and
	// uses sender instead (v11+).
	ExplicitCreateSender bool

	// UseLegacySRVService is set for versions 1–4. Nothing reads it: the
	// resolver tries _matrix-fed._tcp and then _matrix._tcp for every
	// destination.
	UseLegacySRVService bool
}

// roomVersions enumerates every supported room version. Stable versions are
// the ones advertised by default; unstable ones require
// allow_unstable_room_versions.
var roomVersions = map[string]RoomVersionRules{
	"1": {
		Version: "1", EventIDFormat: EventIDFormatLegacy, Redaction: RedactV1,
		EnforceSignatureCheckOnRedactions: true, UseLegacySRVService: true,
	},
	"2": {
		Version: "2", EventIDFormat: EventIDFormatLegacy, Redaction: RedactV1,
		StateResV2: true, EnforceSignatureCheckOnRedactions: true, UseLegacySRVService: true,
	},
	"3": {
		Version: "3", EventIDFormat: EventIDFormatHash, Redaction: RedactV1,
		StateResV2: true, UseLegacySRVService: true,
	},
	"4": {
		Version: "4", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV1,
		StateResV2: true, UseLegacySRVService: true,
	},
	"5": {
		Version: "5", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV1,
		StateResV2: true, StrictValidUntilTS: true,
	},
	"6": {
		Version: "6", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV6,
		StateResV2: true, StrictValidUntilTS: true,
	},
	"7": {
		Version: "7", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV6,
		StateResV2: true, StrictValidUntilTS: true, AllowKnocking: true,
	},
	"8": {
		Version: "8", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV8,
		StateResV2: true, StrictValidUntilTS: true, AllowKnocking: true,
		AllowRestrictedJoins: true,
	},
	"9": {
		Version: "9", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV9,
		StateResV2: true, StrictValidUntilTS: true, AllowKnocking: true,
		AllowRestrictedJoins: true,
	},
	"10": {
		Version: "10", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV9,
		StateResV2: true, StrictValidUntilTS: true, AllowKnocking: true,
		AllowRestrictedJoins: true, AllowKnockRestricted: true, IntegerPowerLevels: true,
	},
	"11": {
		Version: "11", EventIDFormat: EventIDFormatHashURLSafe, Redaction: RedactV11,
		StateResV2: true, StrictValidUntilTS: true, AllowKnocking: true,
		AllowRestrictedJoins: true, AllowKnockRestricted: true, IntegerPowerLevels: true,
		RedactsInContent: true, ExplicitCreateSender: true,
	},
}

// StableRoomVersions are advertised to peers and accepted unconditionally.
var StableRoomVersions = []string{"6", "7", "8", "9", "10", "11"}

// UnstableRoomVersions are accepted only when allow_unstable_room_versions
// is set.
var UnstableRoomVersions = []string{"1", "2", "3", "4", "5"}

// RulesForVersion returns the rule record for a room version string.
// The second return is false for unknown versions.
func RulesForVersion(version string) (RoomVersionRules, bool) {
	r, ok := roomVersions[version]
	return r, ok
}

// IsStableRoomVersion reports whether a version is in the stable set.
func IsStableRoomVersion(version string) bool {
	for _, v := range StableRoomVersions {
		if v == version {
			return true
		}
	}
	return false
}
