package event

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/models"
)

// KeyFetcher resolves signing keys for an origin server. Implemented by the
// keyring service; the verifier only needs lookup.
type KeyFetcher interface {
	// FetchKeys returns the signing-key record for origin containing, where
	// possible, every requested key id. minValidUntil is the oldest
	// valid_until_ts the caller will accept from a cached record.
	FetchKeys(ctx context.Context, origin string, keyIDs []string, minValidUntil int64) (*models.SigningKeys, error)
}

// Verifier parses and cryptographically validates inbound PDUs.
type Verifier struct {
	keys   KeyFetcher
	logger *slog.Logger
}

// NewVerifier creates a Verifier backed by the given key fetcher.
func NewVerifier(keys KeyFetcher, logger *slog.Logger) *Verifier {
	return &Verifier{keys: keys, logger: logger}
}

// Result is the outcome of a successful verification.
type Result struct {
	PDU *models.PDU
	// Canonical is the canonical JSON the event will be stored as. When
	// Redacted is set this is the redacted form (content hash mismatch with
	// valid signatures).
	Canonical []byte
	Redacted  bool
}

// VerifyPDU runs the full §4.2 pipeline on a claimed PDU: canonical-form
// check, signature verification against the origin servers' keys, content
// hash check with redact-on-mismatch, and event-id derivation.
func (v *Verifier) VerifyPDU(ctx context.Context, raw []byte, rules models.RoomVersionRules) (*Result, error) {
	pdu, err := CheckCanonicalForm(raw, rules)
	if err != nil {
		return nil, err
	}

	servers, err := requiredServers(pdu, rules)
	if err != nil {
		return nil, err
	}

	signable, err := signableBytes(raw, rules)
	if err != nil {
		return nil, err
	}

	for _, server := range servers {
		if err := v.verifyServerSignature(ctx, pdu, server, signable, rules); err != nil {
			return nil, err
		}
	}

	result := &Result{PDU: pdu}
	if err := VerifyContentHash(raw); err != nil {
		if !models.IsKind(err, models.ErrBadHash) {
			return nil, err
		}
		// Signatures are valid but the content hash is not: store the
		// redacted form instead of dropping the event.
		v.logger.Debug("content hash mismatch, redacting event",
			slog.String("room_id", pdu.RoomID),
			slog.String("sender", pdu.Sender))
		redacted, rerr := Redact(raw, rules)
		if rerr != nil {
			return nil, rerr
		}
		raw = redacted
		result.Redacted = true
		if pdu, err = CheckCanonicalForm(raw, rules); err != nil {
			return nil, err
		}
		result.PDU = pdu
	}

	eventID, err := EventID(raw, rules)
	if err != nil {
		return nil, err
	}
	result.PDU.EventID = eventID

	canonical, err := canonicaljson.Encode(raw)
	if err != nil {
		return nil, models.NewError(models.ErrMalformedEvent, "canonicalizing event: %s", err)
	}
	result.Canonical = canonical

	return result, nil
}

// verifyServerSignature checks that at least one signature from server over
// the signable bytes verifies with a key acceptable under the room version's
// validity rules.
func (v *Verifier) verifyServerSignature(ctx context.Context, pdu *models.PDU, server string, signable []byte, rules models.RoomVersionRules) error {
	sigs, ok := pdu.Signatures[server]
	if !ok || len(sigs) == 0 {
		return models.NewError(models.ErrBadSignature, "event has no signature from %s", server)
	}

	keyIDs := make([]string, 0, len(sigs))
	for id := range sigs {
		keyIDs = append(keyIDs, id)
	}

	keys, err := v.keys.FetchKeys(ctx, server, keyIDs, pdu.OriginServerTS)
	if err != nil {
		return models.NewError(models.ErrTransientFetchFailure, "fetching keys for %s: %s", server, err)
	}

	var lastErr error
	for keyID, sigB64 := range sigs {
		keyB64, expiredTS, found := keys.KeyForID(keyID)
		if !found {
			lastErr = models.NewError(models.ErrBadSignature, "unknown key %s for %s", keyID, server)
			continue
		}

		// Old keys may verify events that predate their expiry. Current keys
		// must still have been valid when the event was created, unless the
		// room version tolerates stale keys.
		if expiredTS > 0 && expiredTS <= pdu.OriginServerTS {
			lastErr = models.NewError(models.ErrBadSignature, "key %s for %s expired before event", keyID, server)
			continue
		}
		if expiredTS == 0 && rules.StrictValidUntilTS && keys.ValidUntilTS <= pdu.OriginServerTS {
			lastErr = models.NewError(models.ErrBadSignature, "key %s for %s not valid at event time", keyID, server)
			continue
		}

		pub, err := unpaddedBase64.DecodeString(keyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			lastErr = models.NewError(models.ErrBadSignature, "undecodable public key %s for %s", keyID, server)
			continue
		}
		sig, err := unpaddedBase64.DecodeString(sigB64)
		if err != nil {
			lastErr = models.NewError(models.ErrBadSignature, "undecodable signature %s from %s", keyID, server)
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(pub), signable, sig) {
			return nil
		}
		lastErr = models.NewError(models.ErrBadSignature, "signature %s from %s does not verify", keyID, server)
	}
	if lastErr == nil {
		lastErr = models.NewError(models.ErrBadSignature, "no verifiable signature from %s", server)
	}
	return lastErr
}

// requiredServers lists the servers that must have signed the event: the
// sender's server, the event-id server for legacy id formats, and the
// authorising server for restricted joins.
func requiredServers(pdu *models.PDU, rules models.RoomVersionRules) ([]string, error) {
	senderServer, ok := ServerNameFromID(pdu.Sender)
	if !ok {
		return nil, models.NewError(models.ErrMalformedEvent, "sender has no server part")
	}
	servers := []string{senderServer}

	if rules.EventIDFormat == models.EventIDFormatLegacy {
		idServer, ok := ServerNameFromID(pdu.EventID)
		if !ok {
			return nil, models.NewError(models.ErrMalformedEvent, "event_id has no server part")
		}
		if idServer != senderServer {
			servers = append(servers, idServer)
		}
	}

	if rules.AllowRestrictedJoins && pdu.Type == models.EventTypeMember {
		var c models.MembershipContent
		if err := json.Unmarshal(pdu.Content, &c); err == nil && c.JoinAuthorised != nil {
			if authServer, ok := ServerNameFromID(*c.JoinAuthorised); ok && authServer != senderServer {
				servers = append(servers, authServer)
			}
		}
	}

	return servers, nil
}

// signableBytes produces the bytes a server signature covers: the canonical
// JSON of the redacted event with signatures and unsigned removed.
func signableBytes(raw []byte, rules models.RoomVersionRules) ([]byte, error) {
	redacted, err := Redact(raw, rules)
	if err != nil {
		return nil, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &obj); err != nil {
		return nil, fmt.Errorf("parsing redacted event: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")

	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding signable event: %w", err)
	}
	canonical, err := canonicaljson.Encode(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing signable event: %w", err)
	}
	return canonical, nil
}

// Sign adds this server's signature over an event's signable bytes and
// returns the event with the signature folded in.
func Sign(raw []byte, serverName, keyID string, priv ed25519.PrivateKey, rules models.RoomVersionRules) ([]byte, error) {
	signable, err := signableBytes(raw, rules)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, signable)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing event for signing: %w", err)
	}

	sigs := map[string]map[string]string{}
	if existing, ok := obj["signatures"]; ok {
		if err := json.Unmarshal(existing, &sigs); err != nil {
			return nil, fmt.Errorf("parsing existing signatures: %w", err)
		}
	}
	if sigs[serverName] == nil {
		sigs[serverName] = map[string]string{}
	}
	sigs[serverName][keyID] = unpaddedBase64.EncodeToString(sig)

	sigsRaw, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("encoding signatures: %w", err)
	}
	obj["signatures"] = sigsRaw

	signed, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding signed event: %w", err)
	}
	return signed, nil
}

// FillContentHash computes and attaches the sha256 content hash to an event
// under construction. Call before Sign.
func FillContentHash(raw []byte) ([]byte, error) {
	h, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing event for hashing: %w", err)
	}
	hashes, err := json.Marshal(models.EventHashes{SHA256: unpaddedBase64.EncodeToString(h[:])})
	if err != nil {
		return nil, err
	}
	obj["hashes"] = hashes
	return json.Marshal(obj)
}

// Age returns how long ago the event's origin_server_ts is. Used by
// backfill throttling and key validity heuristics.
func Age(pdu *models.PDU) time.Duration {
	return time.Since(time.UnixMilli(pdu.OriginServerTS))
}
