// Package keyring fetches, caches, and serves server signing keys. Remote
// keys are persisted in PostgreSQL and cached in memory; misses go to the
// origin's /_matrix/key/v2/server endpoint and then to the configured
// trusted notaries. A per-origin semaphore prevents thundering herds and a
// by-key-id-set backoff throttles repeated failures.
package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/canonicaljson"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/resolver"
)

var unpaddedBase64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// Freshness and merge windows from the key-fetch procedure.
const (
	// cacheFreshness: cached records must stay valid this far into the
	// future to be served without a refetch.
	cacheFreshness = 30 * time.Minute
	// notaryValidityWindow bounds the minimum_valid_until_ts asked of
	// notaries.
	notaryValidityWindow = time.Hour
	// maxValidity caps how far into the future a merged record may claim
	// validity.
	maxValidity = 7 * 24 * time.Hour

	backoffBase = 30 * time.Second
	backoffCap  = 24 * time.Hour
)

// Service is the signing-key cache.
type Service struct {
	pool       *pgxpool.Pool
	resolver   *resolver.Service
	httpClient *http.Client
	shared     *cache.Shared
	logger     *slog.Logger

	serverName     string
	trustedServers []string

	keyCache *cache.TTLCache[*models.SigningKeys]

	// originLocks serializes fetches per origin (concurrency 1).
	originMu    sync.Mutex
	originLocks map[string]*sync.Mutex

	// Local signing key.
	keyID      string
	privateKey ed25519.PrivateKey
}

// Config holds the configuration for the keyring service.
type Config struct {
	Pool           *pgxpool.Pool
	Resolver       *resolver.Service
	Shared         *cache.Shared
	Logger         *slog.Logger
	ServerName     string
	TrustedServers []string
	// HTTPClient overrides the key-fetch client; used by tests.
	HTTPClient *http.Client
}

// New creates the keyring service and loads or generates the local signing
// key.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Service{
		pool:           cfg.Pool,
		resolver:       cfg.Resolver,
		httpClient:     client,
		shared:         cfg.Shared,
		logger:         cfg.Logger,
		serverName:     cfg.ServerName,
		trustedServers: cfg.TrustedServers,
		keyCache:       cache.NewTTLCache[*models.SigningKeys](10*time.Minute, 10_000),
		originLocks:    make(map[string]*sync.Mutex),
	}
	if err := s.loadOrCreateLocalKey(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// loadOrCreateLocalKey reads this server's Ed25519 keypair from the database,
// generating and persisting one on first start.
func (s *Service) loadOrCreateLocalKey(ctx context.Context) error {
	var keyID string
	var seed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT key_id, private_seed FROM local_signing_keys
		 WHERE server_name = $1 ORDER BY created_at DESC LIMIT 1`,
		s.serverName).Scan(&keyID, &seed)
	if err == nil {
		s.keyID = keyID
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		return nil
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("loading local signing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	// Key version: a short ULID-derived tag, stable for the key's lifetime.
	version := strings.ToLower(ulid.Make().String()[:8])
	keyID = "ed25519:" + version

	_, err = s.pool.Exec(ctx,
		`INSERT INTO local_signing_keys (server_name, key_id, public_key, private_seed, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		s.serverName, keyID, unpaddedBase64.EncodeToString(pub), priv.Seed())
	if err != nil {
		return fmt.Errorf("persisting local signing key: %w", err)
	}

	s.keyID = keyID
	s.privateKey = priv
	s.logger.Info("generated new server signing key", slog.String("key_id", keyID))
	return nil
}

// KeyID returns the local signing key id.
func (s *Service) KeyID() string { return s.keyID }

// PrivateKey returns the local Ed25519 private key.
func (s *Service) PrivateKey() ed25519.PrivateKey { return s.privateKey }

// OwnServerKeyResponse builds the signed /_matrix/key/v2/server document.
func (s *Service) OwnServerKeyResponse() (json.RawMessage, error) {
	resp := models.ServerKeyResponse{
		ServerName: s.serverName,
		VerifyKeys: map[string]models.VerifyKey{
			s.keyID: {Key: unpaddedBase64.EncodeToString(s.privateKey.Public().(ed25519.PublicKey))},
		},
		ValidUntilTS: time.Now().Add(maxValidity).UnixMilli(),
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding server key response: %w", err)
	}
	return s.SignJSON(raw)
}

// SignJSON signs a JSON object with the local key and returns the object
// with the signature folded into its signatures block.
func (s *Service) SignJSON(raw []byte) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing object for signing: %w", err)
	}
	sigsRaw := obj["signatures"]
	delete(obj, "signatures")
	delete(obj, "unsigned")

	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding object for signing: %w", err)
	}
	canonical, err := canonicaljson.Encode(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing object for signing: %w", err)
	}
	sig := ed25519.Sign(s.privateKey, canonical)

	sigs := map[string]map[string]string{}
	if len(sigsRaw) > 0 {
		if err := json.Unmarshal(sigsRaw, &sigs); err != nil {
			return nil, fmt.Errorf("parsing existing signatures: %w", err)
		}
	}
	if sigs[s.serverName] == nil {
		sigs[s.serverName] = map[string]string{}
	}
	sigs[s.serverName][s.keyID] = unpaddedBase64.EncodeToString(sig)

	// Re-attach signatures (and nothing else that was stripped; unsigned is
	// never signed and is dropped from signed server-key documents).
	full := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, err
	}
	sigsOut, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	delete(full, "unsigned")
	full["signatures"] = sigsOut
	return json.Marshal(full)
}

// FetchKeys implements event.KeyFetcher: it returns a signing-key record for
// origin containing, where possible, every requested key id.
func (s *Service) FetchKeys(ctx context.Context, origin string, keyIDs []string, minValidUntil int64) (*models.SigningKeys, error) {
	if origin == s.serverName {
		return s.localRecord(), nil
	}

	// 1. Fresh cached record containing every id.
	if rec, ok := s.keyCache.Get(origin); ok {
		if rec.HasAllKeys(keyIDs) && rec.ValidUntilTS > time.Now().Add(cacheFreshness).UnixMilli() {
			return rec, nil
		}
	}
	if rec, err := s.loadStored(ctx, origin); err == nil && rec != nil {
		s.keyCache.Set(origin, rec)
		if rec.HasAllKeys(keyIDs) && rec.ValidUntilTS > time.Now().Add(cacheFreshness).UnixMilli() {
			return rec, nil
		}
	}

	if err := s.checkBackoff(ctx, origin, keyIDs); err != nil {
		return nil, err
	}

	lock := s.lockFor(origin)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another goroutine may have fetched.
	if rec, ok := s.keyCache.Get(origin); ok && rec.HasAllKeys(keyIDs) &&
		rec.ValidUntilTS > time.Now().Add(cacheFreshness).UnixMilli() {
		return rec, nil
	}

	// 2. Direct fetch from the origin.
	rec, fetchErr := s.fetchDirect(ctx, origin)

	// 3. Notary fallback when ids are still missing.
	if fetchErr != nil || !rec.HasAllKeys(keyIDs) {
		if notaryRec, err := s.fetchFromNotaries(ctx, origin); err == nil && notaryRec != nil {
			rec = mergeRecords(rec, notaryRec)
			fetchErr = nil
		}
	}
	if fetchErr != nil {
		s.recordFailure(ctx, origin, keyIDs)
		return nil, models.NewError(models.ErrTransientFetchFailure,
			"fetching keys for %s: %s", origin, fetchErr)
	}

	// 4. Cap validity and persist.
	cap := time.Now().Add(maxValidity).UnixMilli()
	if rec.ValidUntilTS > cap {
		rec.ValidUntilTS = cap
	}
	if err := s.store(ctx, origin, rec); err != nil {
		s.logger.Warn("persisting signing keys failed",
			slog.String("origin", origin), slog.String("error", err.Error()))
	}
	s.keyCache.Set(origin, rec)
	s.clearBackoff(ctx, origin, keyIDs)

	if !rec.HasAllKeys(keyIDs) {
		return rec, nil // Verification reports the specific missing key.
	}
	_ = minValidUntil
	return rec, nil
}

func (s *Service) localRecord() *models.SigningKeys {
	return &models.SigningKeys{
		VerifyKeys: map[string]models.VerifyKey{
			s.keyID: {Key: unpaddedBase64.EncodeToString(s.privateKey.Public().(ed25519.PublicKey))},
		},
		OldVerifyKeys: map[string]models.OldVerifyKey{},
		ValidUntilTS:  time.Now().Add(maxValidity).UnixMilli(),
	}
}

func (s *Service) lockFor(origin string) *sync.Mutex {
	s.originMu.Lock()
	defer s.originMu.Unlock()
	if s.originLocks[origin] == nil {
		s.originLocks[origin] = &sync.Mutex{}
	}
	return s.originLocks[origin]
}

// backoffKey identifies a backoff counter by origin and the sorted key-id
// set being asked for.
func backoffKey(origin string, keyIDs []string) string {
	ids := append([]string(nil), keyIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return "keys:" + origin + ":" + hex.EncodeToString(sum[:8])
}

func (s *Service) checkBackoff(ctx context.Context, origin string, keyIDs []string) error {
	if s.shared == nil {
		return nil
	}
	tries, last, err := s.shared.GetBackoff(ctx, backoffKey(origin, keyIDs))
	if err != nil || tries == 0 {
		return nil
	}
	delay := backoffBase * time.Duration(1<<min(tries-1, 12))
	if delay > backoffCap {
		delay = backoffCap
	}
	if !last.IsZero() && time.Since(last) < delay {
		return models.NewError(models.ErrTransientFetchFailure,
			"key fetch for %s backing off (%d failures)", origin, tries)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, origin string, keyIDs []string) {
	if s.shared == nil {
		return
	}
	key := backoffKey(origin, keyIDs)
	if _, err := s.shared.IncrementBackoff(ctx, key, backoffCap); err == nil {
		s.shared.MarkBackoffTime(ctx, key, time.Now(), backoffCap)
	}
}

func (s *Service) clearBackoff(ctx context.Context, origin string, keyIDs []string) {
	if s.shared != nil {
		s.shared.ClearBackoff(ctx, backoffKey(origin, keyIDs))
	}
}

// fetchDirect queries the origin's /_matrix/key/v2/server endpoint.
func (s *Service) fetchDirect(ctx context.Context, origin string) (*models.SigningKeys, error) {
	dest, err := s.resolver.Resolve(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", origin, err)
	}

	url := fmt.Sprintf("https://%s/_matrix/key/v2/server", dest.HostHeader)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.HostHeader

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key endpoint returned status %d", resp.StatusCode)
	}

	var body models.ServerKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding key response: %w", err)
	}
	if body.ServerName != origin {
		return nil, fmt.Errorf("key response names %q, expected %q", body.ServerName, origin)
	}
	return recordFromResponse(body), nil
}

// fetchFromNotaries queries each trusted notary with a batch request bounded
// to a one-hour validity window, returning the first usable record.
func (s *Service) fetchFromNotaries(ctx context.Context, origin string) (*models.SigningKeys, error) {
	minValid := time.Now().Add(notaryValidityWindow).UnixMilli()
	for _, notary := range s.trustedServers {
		rec, err := s.fetchFromNotary(ctx, notary, origin, minValid)
		if err != nil {
			s.logger.Debug("notary query failed",
				slog.String("notary", notary),
				slog.String("origin", origin),
				slog.String("error", err.Error()))
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no notary returned keys for %s", origin)
}

func (s *Service) fetchFromNotary(ctx context.Context, notary, origin string, minValid int64) (*models.SigningKeys, error) {
	dest, err := s.resolver.Resolve(ctx, notary)
	if err != nil {
		return nil, fmt.Errorf("resolving notary %s: %w", notary, err)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"server_keys": map[string]interface{}{
			origin: map[string]interface{}{
				"minimum_valid_until_ts": minValid,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://%s/_matrix/key/v2/query", dest.HostHeader)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Host = dest.HostHeader
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying notary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notary returned status %d", resp.StatusCode)
	}

	var body struct {
		ServerKeys []models.ServerKeyResponse `json:"server_keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding notary response: %w", err)
	}

	var merged *models.SigningKeys
	for _, sk := range body.ServerKeys {
		if sk.ServerName != origin {
			continue
		}
		merged = mergeRecords(merged, recordFromResponse(sk))
	}
	return merged, nil
}

// mergeRecords folds fresh into base. Keys present in base but absent from a
// fresher self-response move into old_verify_keys with the old record's
// validity horizon as their expiry.
func mergeRecords(base, fresh *models.SigningKeys) *models.SigningKeys {
	if base == nil {
		return fresh
	}
	if fresh == nil {
		return base
	}
	out := &models.SigningKeys{
		VerifyKeys:    map[string]models.VerifyKey{},
		OldVerifyKeys: map[string]models.OldVerifyKey{},
		ValidUntilTS:  fresh.ValidUntilTS,
	}
	for id, k := range fresh.VerifyKeys {
		out.VerifyKeys[id] = k
	}
	for id, k := range base.OldVerifyKeys {
		out.OldVerifyKeys[id] = k
	}
	for id, k := range fresh.OldVerifyKeys {
		out.OldVerifyKeys[id] = k
	}
	for id, k := range base.VerifyKeys {
		if _, still := out.VerifyKeys[id]; !still {
			out.OldVerifyKeys[id] = models.OldVerifyKey{Key: k.Key, ExpiredTS: base.ValidUntilTS}
		}
	}
	if base.ValidUntilTS > out.ValidUntilTS {
		out.ValidUntilTS = base.ValidUntilTS
	}
	return out
}

func recordFromResponse(resp models.ServerKeyResponse) *models.SigningKeys {
	rec := &models.SigningKeys{
		VerifyKeys:    resp.VerifyKeys,
		OldVerifyKeys: resp.OldVerifyKeys,
		ValidUntilTS:  resp.ValidUntilTS,
	}
	if rec.VerifyKeys == nil {
		rec.VerifyKeys = map[string]models.VerifyKey{}
	}
	if rec.OldVerifyKeys == nil {
		rec.OldVerifyKeys = map[string]models.OldVerifyKey{}
	}
	return rec
}

// loadStored reads the persisted record for an origin.
func (s *Service) loadStored(ctx context.Context, origin string) (*models.SigningKeys, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT keys FROM server_signing_keys WHERE server_name = $1`, origin).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading signing keys for %s: %w", origin, err)
	}
	var rec models.SigningKeys
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding stored signing keys: %w", err)
	}
	return &rec, nil
}

// store persists a merged record, auditing fingerprint changes.
func (s *Service) store(ctx context.Context, origin string, rec *models.SigningKeys) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding signing keys: %w", err)
	}

	var oldRaw []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT keys FROM server_signing_keys WHERE server_name = $1`, origin).Scan(&oldRaw); err == nil {
		oldSum := sha256.Sum256(oldRaw)
		newSum := sha256.Sum256(raw)
		if oldSum != newSum {
			var old models.SigningKeys
			if err := json.Unmarshal(oldRaw, &old); err == nil && keySetChanged(&old, rec) {
				auditID := ulid.Make().String()
				if _, aErr := s.pool.Exec(ctx,
					`INSERT INTO server_key_audit (id, server_name, old_fingerprint, new_fingerprint, detected_at)
					 VALUES ($1, $2, $3, $4, now())`,
					auditID, origin, hex.EncodeToString(oldSum[:8]), hex.EncodeToString(newSum[:8]),
				); aErr != nil {
					s.logger.Warn("failed to record key audit", slog.String("error", aErr.Error()))
				}
				s.logger.Warn("remote signing key change detected",
					slog.String("server", origin))
			}
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO server_signing_keys (server_name, keys, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (server_name) DO UPDATE SET keys = EXCLUDED.keys, updated_at = now()`,
		origin, raw)
	if err != nil {
		return fmt.Errorf("storing signing keys for %s: %w", origin, err)
	}
	return nil
}

// keySetChanged reports whether the set of current verify keys differs.
func keySetChanged(a, b *models.SigningKeys) bool {
	if len(a.VerifyKeys) != len(b.VerifyKeys) {
		return true
	}
	for id, k := range a.VerifyKeys {
		if other, ok := b.VerifyKeys[id]; !ok || other.Key != k.Key {
			return true
		}
	}
	return false
}

// RefreshAll re-fetches keys for every origin whose record expires within
// the freshness window. Called by the key-refresh worker.
func (s *Service) RefreshAll(ctx context.Context) {
	rows, err := s.pool.Query(ctx,
		`SELECT server_name FROM server_signing_keys
		 WHERE (keys->>'valid_until_ts')::bigint < $1`,
		time.Now().Add(cacheFreshness).UnixMilli())
	if err != nil {
		s.logger.Warn("querying stale signing keys failed", slog.String("error", err.Error()))
		return
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			continue
		}
		origins = append(origins, origin)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("iterating stale signing keys failed", slog.String("error", err.Error()))
		return
	}

	for _, origin := range origins {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.FetchKeys(ctx, origin, nil, 0); err != nil {
			s.logger.Debug("key refresh failed",
				slog.String("origin", origin), slog.String("error", err.Error()))
		}
	}
}
