package models

import "time"

// VerifyKey is one current signing key of a server, base64-encoded
// (unpadded) Ed25519 public key.
type VerifyKey struct {
	Key string `json:"key"`
}

// OldVerifyKey is a rotated-out signing key. It may still verify events whose
// origin_server_ts predates ExpiredTS.
type OldVerifyKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

// SigningKeys is the cached signing-key record for one origin server.
type SigningKeys struct {
	VerifyKeys    map[string]VerifyKey    `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKey `json:"old_verify_keys"`
	ValidUntilTS  int64                   `json:"valid_until_ts"`
}

// KeyForID looks up a key by id across current and old keys. The second
// return distinguishes current (0) from the old key's expired_ts.
func (s *SigningKeys) KeyForID(keyID string) (string, int64, bool) {
	if k, ok := s.VerifyKeys[keyID]; ok {
		return k.Key, 0, true
	}
	if k, ok := s.OldVerifyKeys[keyID]; ok {
		return k.Key, k.ExpiredTS, true
	}
	return "", 0, false
}

// HasAllKeys reports whether the record contains every requested key id.
func (s *SigningKeys) HasAllKeys(keyIDs []string) bool {
	for _, id := range keyIDs {
		if _, _, ok := s.KeyForID(id); !ok {
			return false
		}
	}
	return true
}

// ServerKeyResponse is the signed JSON served at /_matrix/key/v2/server and
// returned per-server by notary queries.
type ServerKeyResponse struct {
	ServerName    string                       `json:"server_name"`
	VerifyKeys    map[string]VerifyKey         `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKey      `json:"old_verify_keys,omitempty"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	Signatures    map[string]map[string]string `json:"signatures,omitempty"`
}

// MillisecondTS returns a Matrix timestamp (milliseconds since epoch) for t.
func MillisecondTS(t time.Time) int64 {
	return t.UnixMilli()
}
