// Package statestore persists room state compactly: event ids, state keys,
// and snapshot hashes are interned to 64-bit short ids, snapshots are stored
// as differential (parent, added, removed) records with periodic full
// rewrites, and auth-chain closures are cached per chunk bucket for reuse
// across state-resolution calls.
package statestore

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/models"
)

// authChainBuckets is the number of chunk buckets the auth-chain cache is
// sharded into, keyed by short_event_id mod authChainBuckets.
const authChainBuckets = 50

// Store is the short-id and compressed-state persistence layer.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	eventIDToShort  *cache.TTLCache[int64]
	shortToEventID  *cache.TTLCache[string]
	stateKeyToShort *cache.TTLCache[int64]
	shortToStateKey *cache.TTLCache[models.StateTuple]

	// authChainCache caches transitive auth closures per short event id,
	// sharded into buckets so invalidation and reuse stay chunked.
	authChainCache [authChainBuckets]*cache.TTLCache[map[int64]struct{}]
}

// Config holds the configuration for the state store.
type Config struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	// CacheCapacity scales the interning caches; zero uses the default.
	CacheCapacity int
}

// New creates a state store.
func New(cfg Config) *Store {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 100_000
	}
	s := &Store{
		pool:            cfg.Pool,
		logger:          cfg.Logger,
		eventIDToShort:  cache.NewTTLCache[int64](time.Hour, capacity),
		shortToEventID:  cache.NewTTLCache[string](time.Hour, capacity),
		stateKeyToShort: cache.NewTTLCache[int64](time.Hour, capacity/10),
		shortToStateKey: cache.NewTTLCache[models.StateTuple](time.Hour, capacity/10),
	}
	for i := range s.authChainCache {
		s.authChainCache[i] = cache.NewTTLCache[map[int64]struct{}](30*time.Minute, capacity/authChainBuckets)
	}
	return s
}

// ShortEventID interns an event id, assigning a new short id on first sight.
// Short ids are monotonic and never reused.
func (s *Store) ShortEventID(ctx context.Context, eventID string) (int64, error) {
	if short, ok := s.eventIDToShort.Get(eventID); ok {
		return short, nil
	}
	var short int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO short_event_ids (event_id) VALUES ($1)
		 ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
		 RETURNING short_id`, eventID).Scan(&short)
	if err != nil {
		return 0, models.NewError(models.ErrStorageFault, "interning event id: %s", err)
	}
	s.eventIDToShort.Set(eventID, short)
	s.shortToEventID.Set(strconv.FormatInt(short, 10), eventID)
	return short, nil
}

// EventIDFromShort reverses a short event id.
func (s *Store) EventIDFromShort(ctx context.Context, short int64) (string, error) {
	key := strconv.FormatInt(short, 10)
	if id, ok := s.shortToEventID.Get(key); ok {
		return id, nil
	}
	var eventID string
	err := s.pool.QueryRow(ctx,
		`SELECT event_id FROM short_event_ids WHERE short_id = $1`, short).Scan(&eventID)
	if err == pgx.ErrNoRows {
		return "", models.NewError(models.ErrNotFound, "unknown short event id %d", short)
	}
	if err != nil {
		return "", models.NewError(models.ErrStorageFault, "resolving short event id: %s", err)
	}
	s.shortToEventID.Set(key, eventID)
	s.eventIDToShort.Set(eventID, short)
	return eventID, nil
}

// ShortStateKey interns a (type, state_key) tuple.
func (s *Store) ShortStateKey(ctx context.Context, eventType, stateKey string) (int64, error) {
	cacheKey := eventType + "\x1f" + stateKey
	if short, ok := s.stateKeyToShort.Get(cacheKey); ok {
		return short, nil
	}
	var short int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO short_state_keys (event_type, state_key) VALUES ($1, $2)
		 ON CONFLICT (event_type, state_key) DO UPDATE SET event_type = EXCLUDED.event_type
		 RETURNING short_id`, eventType, stateKey).Scan(&short)
	if err != nil {
		return 0, models.NewError(models.ErrStorageFault, "interning state key: %s", err)
	}
	s.stateKeyToShort.Set(cacheKey, short)
	s.shortToStateKey.Set(strconv.FormatInt(short, 10), models.StateTuple{Type: eventType, StateKey: stateKey})
	return short, nil
}

// StateKeyFromShort reverses a short state key.
func (s *Store) StateKeyFromShort(ctx context.Context, short int64) (models.StateTuple, error) {
	key := strconv.FormatInt(short, 10)
	if tuple, ok := s.shortToStateKey.Get(key); ok {
		return tuple, nil
	}
	var tuple models.StateTuple
	err := s.pool.QueryRow(ctx,
		`SELECT event_type, state_key FROM short_state_keys WHERE short_id = $1`,
		short).Scan(&tuple.Type, &tuple.StateKey)
	if err == pgx.ErrNoRows {
		return models.StateTuple{}, models.NewError(models.ErrNotFound, "unknown short state key %d", short)
	}
	if err != nil {
		return models.StateTuple{}, models.NewError(models.ErrStorageFault, "resolving short state key: %s", err)
	}
	s.shortToStateKey.Set(key, tuple)
	return tuple, nil
}

// HashSnapshot content-hashes a sorted snapshot so identical snapshots share
// a short state hash.
func HashSnapshot(entries []models.CompressedStateEntry) []byte {
	sorted := append([]models.CompressedStateEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		for b := 0; b < 16; b++ {
			if sorted[i][b] != sorted[j][b] {
				return sorted[i][b] < sorted[j][b]
			}
		}
		return false
	})
	h := sha256.New()
	for _, e := range sorted {
		h.Write(e[:])
	}
	return h.Sum(nil)
}

// ShortStateHash interns a snapshot content hash. The second return reports
// whether the hash was newly created (and so needs a diff record).
func (s *Store) ShortStateHash(ctx context.Context, hash []byte) (int64, bool, error) {
	var short int64
	err := s.pool.QueryRow(ctx,
		`SELECT short_id FROM short_state_hashes WHERE hash = $1`, hash).Scan(&short)
	if err == nil {
		return short, false, nil
	}
	if err != pgx.ErrNoRows {
		return 0, false, models.NewError(models.ErrStorageFault, "looking up state hash: %s", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO short_state_hashes (hash) VALUES ($1)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING short_id`, hash).Scan(&short)
	if err != nil {
		return 0, false, models.NewError(models.ErrStorageFault, "interning state hash: %s", err)
	}
	return short, true, nil
}

// SaveStateFromDiff stores a snapshot as a diff against its parent. When the
// delta chain's cumulative change count exceeds twice the full snapshot
// size, the snapshot is rewritten in full to cap replay cost.
func (s *Store) SaveStateFromDiff(ctx context.Context, shortStateHash, parent int64, added, removed []models.CompressedStateEntry, full []models.CompressedStateEntry) error {
	chainChanges, chainDepth, err := s.chainStats(ctx, parent)
	if err != nil {
		return err
	}
	cumulative := chainChanges + int64(len(added)+len(removed))

	// Average change per level stays bounded: rewrite full once the chain's
	// cumulative changes exceed ~2x the materialized snapshot.
	if chainDepth > 0 && cumulative > 2*int64(len(full)) {
		return s.saveFullState(ctx, shortStateHash, full)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO state_diffs (short_state_hash, parent, added, removed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (short_state_hash) DO NOTHING`,
		shortStateHash, parent, packEntries(added), packEntries(removed))
	if err != nil {
		return models.NewError(models.ErrStorageFault, "storing state diff: %s", err)
	}
	return nil
}

// SaveFullState stores a snapshot with no parent.
func (s *Store) SaveFullState(ctx context.Context, shortStateHash int64, full []models.CompressedStateEntry) error {
	return s.saveFullState(ctx, shortStateHash, full)
}

func (s *Store) saveFullState(ctx context.Context, shortStateHash int64, full []models.CompressedStateEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_diffs (short_state_hash, parent, added, removed)
		 VALUES ($1, NULL, $2, $3)
		 ON CONFLICT (short_state_hash) DO UPDATE SET
			parent = NULL, added = EXCLUDED.added, removed = EXCLUDED.removed`,
		shortStateHash, packEntries(full), []byte{})
	if err != nil {
		return models.NewError(models.ErrStorageFault, "storing full state: %s", err)
	}
	return nil
}

// chainStats walks the delta chain from parent to the root, returning the
// cumulative change count and depth.
func (s *Store) chainStats(ctx context.Context, start int64) (changes int64, depth int64, err error) {
	current := start
	for current != 0 {
		var parent *int64
		var added, removed []byte
		err := s.pool.QueryRow(ctx,
			`SELECT parent, added, removed FROM state_diffs WHERE short_state_hash = $1`,
			current).Scan(&parent, &added, &removed)
		if err == pgx.ErrNoRows {
			break
		}
		if err != nil {
			return 0, 0, models.NewError(models.ErrStorageFault, "walking diff chain: %s", err)
		}
		changes += int64((len(added) + len(removed)) / 16)
		depth++
		if parent == nil {
			break
		}
		current = *parent
	}
	return changes, depth, nil
}

// LoadState reconstructs the full snapshot for a short state hash by walking
// the delta chain to the root and replaying diffs forward.
func (s *Store) LoadState(ctx context.Context, shortStateHash int64) ([]models.CompressedStateEntry, error) {
	type diff struct {
		added, removed []models.CompressedStateEntry
	}
	var chain []diff
	current := shortStateHash
	for {
		var parent *int64
		var added, removed []byte
		err := s.pool.QueryRow(ctx,
			`SELECT parent, added, removed FROM state_diffs WHERE short_state_hash = $1`,
			current).Scan(&parent, &added, &removed)
		if err == pgx.ErrNoRows {
			return nil, models.NewError(models.ErrNotFound, "unknown state snapshot %d", shortStateHash)
		}
		if err != nil {
			return nil, models.NewError(models.ErrStorageFault, "loading state diff: %s", err)
		}
		chain = append(chain, diff{unpackEntries(added), unpackEntries(removed)})
		if parent == nil {
			break
		}
		current = *parent
	}

	// Replay root-first.
	set := make(map[models.CompressedStateEntry]struct{})
	for i := len(chain) - 1; i >= 0; i-- {
		for _, e := range chain[i].removed {
			delete(set, e)
		}
		for _, e := range chain[i].added {
			set[e] = struct{}{}
		}
	}

	out := make([]models.CompressedStateEntry, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		for b := 0; b < 16; b++ {
			if out[i][b] != out[j][b] {
				return out[i][b] < out[j][b]
			}
		}
		return false
	})
	return out, nil
}

// AddAuthEdges records the direct auth-event references of an event so the
// closure index can traverse them without parsing event JSON.
func (s *Store) AddAuthEdges(ctx context.Context, eventShort int64, authShorts []int64) error {
	for _, auth := range authShorts {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO event_auth_edges (event_short, auth_short) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, eventShort, auth); err != nil {
			return models.NewError(models.ErrStorageFault, "storing auth edge: %s", err)
		}
	}
	return nil
}

// AuthChainClosure computes the transitive auth closure for a set of short
// event ids, unioning per-bucket cached sets and computing misses with a
// work queue.
func (s *Store) AuthChainClosure(ctx context.Context, starts []int64) (map[int64]struct{}, error) {
	result := make(map[int64]struct{})
	var misses []int64
	for _, short := range starts {
		bucket := s.authChainCache[bucketOf(short)]
		if set, ok := bucket.Get(strconv.FormatInt(short, 10)); ok {
			for id := range set {
				result[id] = struct{}{}
			}
			continue
		}
		misses = append(misses, short)
	}

	for _, short := range misses {
		closure, err := s.computeClosure(ctx, short)
		if err != nil {
			return nil, err
		}
		s.authChainCache[bucketOf(short)].Set(strconv.FormatInt(short, 10), closure)
		for id := range closure {
			result[id] = struct{}{}
		}
	}
	return result, nil
}

// computeClosure walks auth edges depth-first with a visited set.
func (s *Store) computeClosure(ctx context.Context, start int64) (map[int64]struct{}, error) {
	closure := make(map[int64]struct{})
	queue := []int64{start}
	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		rows, err := s.pool.Query(ctx,
			`SELECT auth_short FROM event_auth_edges WHERE event_short = $1`, current)
		if err != nil {
			return nil, models.NewError(models.ErrStorageFault, "querying auth edges: %s", err)
		}
		var edges []int64
		for rows.Next() {
			var auth int64
			if err := rows.Scan(&auth); err != nil {
				rows.Close()
				return nil, models.NewError(models.ErrStorageFault, "scanning auth edge: %s", err)
			}
			edges = append(edges, auth)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, models.NewError(models.ErrStorageFault, "iterating auth edges: %s", err)
		}

		for _, auth := range edges {
			if _, seen := closure[auth]; seen {
				continue
			}
			closure[auth] = struct{}{}
			queue = append(queue, auth)
		}
	}
	return closure, nil
}

func bucketOf(short int64) int {
	b := short % authChainBuckets
	if b < 0 {
		b += authChainBuckets
	}
	return int(b)
}

// CompressState interns a resolved state map into snapshot entries.
func (s *Store) CompressState(ctx context.Context, state models.StateMap) ([]models.CompressedStateEntry, error) {
	entries := make([]models.CompressedStateEntry, 0, len(state))
	for tuple, eventID := range state {
		keyShort, err := s.ShortStateKey(ctx, tuple.Type, tuple.StateKey)
		if err != nil {
			return nil, err
		}
		eventShort, err := s.ShortEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, models.NewCompressedStateEntry(keyShort, eventShort))
	}
	return entries, nil
}

// DecompressState reverses CompressState into a state map.
func (s *Store) DecompressState(ctx context.Context, entries []models.CompressedStateEntry) (models.StateMap, error) {
	state := make(models.StateMap, len(entries))
	for _, e := range entries {
		keyShort, eventShort := e.Split()
		tuple, err := s.StateKeyFromShort(ctx, keyShort)
		if err != nil {
			return nil, err
		}
		eventID, err := s.EventIDFromShort(ctx, eventShort)
		if err != nil {
			return nil, err
		}
		state[tuple] = eventID
	}
	return state, nil
}

func packEntries(entries []models.CompressedStateEntry) []byte {
	out := make([]byte, 0, len(entries)*16)
	for _, e := range entries {
		out = append(out, e[:]...)
	}
	return out
}

func unpackEntries(raw []byte) []models.CompressedStateEntry {
	out := make([]models.CompressedStateEntry, 0, len(raw)/16)
	for i := 0; i+16 <= len(raw); i += 16 {
		var e models.CompressedStateEntry
		copy(e[:], raw[i:i+16])
		out = append(out, e)
	}
	return out
}
