// Package rooms implements the inbound event handler: verification
// orchestration, outlier-to-timeline upgrade, bounded prev-event backfill,
// state-at-event computation, soft failure, and current-state resolution,
// serialized per room. Event persistence follows a three-phase commit:
// outlier first, then state snapshot and timeline append atomically.
package rooms

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/statestore"
)

// Store persists rooms and room events on top of the short-id state store.
type Store struct {
	pool   *pgxpool.Pool
	states *statestore.Store
	logger *slog.Logger

	pduCache *cache.TTLCache[*models.PDU]
}

// StoreConfig holds the configuration for the room store.
type StoreConfig struct {
	Pool   *pgxpool.Pool
	States *statestore.Store
	Logger *slog.Logger
	// PDUCacheCapacity sizes the in-memory PDU cache.
	PDUCacheCapacity int
}

// NewStore creates a room store.
func NewStore(cfg StoreConfig) *Store {
	capacity := cfg.PDUCacheCapacity
	if capacity <= 0 {
		capacity = 150_000
	}
	return &Store{
		pool:     cfg.Pool,
		states:   cfg.States,
		logger:   cfg.Logger,
		pduCache: cache.NewTTLCache[*models.PDU](time.Hour, capacity),
	}
}

// RoomMeta is the persisted room record.
type RoomMeta struct {
	RoomID           string
	Version          string
	Disabled         bool
	CurrentStateHash *int64
	FirstEventDepth  int64
}

// Room loads a room's metadata. Unknown rooms report ErrUnknownRoom.
func (s *Store) Room(ctx context.Context, roomID string) (*RoomMeta, error) {
	var meta RoomMeta
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, version, disabled, current_state_hash, first_event_depth
		 FROM rooms WHERE room_id = $1`, roomID).Scan(
		&meta.RoomID, &meta.Version, &meta.Disabled, &meta.CurrentStateHash, &meta.FirstEventDepth)
	if err == pgx.ErrNoRows {
		return nil, models.NewError(models.ErrUnknownRoom, "room %s is not known", roomID)
	}
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "loading room: %s", err)
	}
	return &meta, nil
}

// CreateRoom registers a room with its version. Used when a create event or
// join lands for a new room.
func (s *Store) CreateRoom(ctx context.Context, roomID, version string, firstDepth int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (room_id, version, disabled, first_event_depth, created_at)
		 VALUES ($1, $2, false, $3, now())
		 ON CONFLICT (room_id) DO NOTHING`, roomID, version, firstDepth)
	if err != nil {
		return models.NewError(models.ErrStorageFault, "creating room: %s", err)
	}
	return nil
}

// EventRecord is a stored event with its processing flags.
type EventRecord struct {
	PDU        *models.PDU
	Raw        []byte
	Outlier    bool
	SoftFailed bool
	Rejected   bool
	StreamPos  *int64
}

// Event loads a stored event by id. Returns nil when unknown.
func (s *Store) Event(ctx context.Context, eventID string) (*EventRecord, error) {
	var rec EventRecord
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT event_json, outlier, softfailed, rejected, stream_pos
		 FROM room_events WHERE event_id = $1`, eventID).Scan(
		&raw, &rec.Outlier, &rec.SoftFailed, &rec.Rejected, &rec.StreamPos)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "loading event: %s", err)
	}
	var pdu models.PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, models.NewError(models.ErrStorageFault, "decoding stored event %s: %s", eventID, err)
	}
	pdu.EventID = eventID
	rec.PDU = &pdu
	rec.Raw = raw
	return &rec, nil
}

// PDU returns a cached parsed event, falling back to storage.
func (s *Store) PDU(ctx context.Context, eventID string) *models.PDU {
	if pdu, ok := s.pduCache.Get(eventID); ok {
		return pdu
	}
	rec, err := s.Event(ctx, eventID)
	if err != nil || rec == nil || rec.Rejected {
		return nil
	}
	s.pduCache.Set(eventID, rec.PDU)
	return rec.PDU
}

// PersistOutlier stores a verified event as an outlier: phase one of the
// three-phase commit. It interns short ids and records auth edges.
func (s *Store) PersistOutlier(ctx context.Context, pdu *models.PDU, canonical []byte, rejected bool) error {
	short, err := s.states.ShortEventID(ctx, pdu.EventID)
	if err != nil {
		return err
	}
	var authShorts []int64
	for _, authID := range pdu.AuthEvents {
		as, err := s.states.ShortEventID(ctx, authID)
		if err != nil {
			return err
		}
		authShorts = append(authShorts, as)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO room_events
		 (event_id, room_id, short_id, event_json, outlier, softfailed, rejected, depth, origin_server_ts)
		 VALUES ($1, $2, $3, $4, true, false, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		pdu.EventID, pdu.RoomID, short, canonical, rejected, pdu.Depth, pdu.OriginServerTS)
	if err != nil {
		return models.NewError(models.ErrStorageFault, "persisting outlier: %s", err)
	}

	if err := s.states.AddAuthEdges(ctx, short, authShorts); err != nil {
		return err
	}
	if !rejected {
		s.pduCache.Set(pdu.EventID, pdu)
	}
	return nil
}

// CommitTimeline upgrades an outlier to a timeline event and records the new
// current state, atomically: phases two and three of the commit. A crash
// leaves either the outlier alone or the full triple.
func (s *Store) CommitTimeline(ctx context.Context, pdu *models.PDU, stateAtEvent int64, newCurrentState *int64, softFailed bool) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, models.NewError(models.ErrStorageFault, "starting timeline tx: %s", err)
	}
	defer tx.Rollback(ctx)

	var streamPos int64
	err = tx.QueryRow(ctx,
		`UPDATE room_events
		 SET outlier = false, softfailed = $2, state_at_event = $3,
		     stream_pos = CASE WHEN $2 THEN NULL ELSE nextval('room_stream_seq') END
		 WHERE event_id = $1
		 RETURNING COALESCE(stream_pos, 0)`,
		pdu.EventID, softFailed, stateAtEvent).Scan(&streamPos)
	if err != nil {
		return 0, models.NewError(models.ErrStorageFault, "appending to timeline: %s", err)
	}

	if newCurrentState != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET current_state_hash = $2 WHERE room_id = $1`,
			pdu.RoomID, *newCurrentState); err != nil {
			return 0, models.NewError(models.ErrStorageFault, "updating current state: %s", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, models.NewError(models.ErrStorageFault, "committing timeline: %s", err)
	}
	return streamPos, nil
}

// StateAtEvent loads the stored pre-state snapshot hash for an event.
func (s *Store) StateAtEvent(ctx context.Context, eventID string) (*int64, error) {
	var hash *int64
	err := s.pool.QueryRow(ctx,
		`SELECT state_at_event FROM room_events WHERE event_id = $1`, eventID).Scan(&hash)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "loading state at event: %s", err)
	}
	return hash, nil
}

// CurrentState materializes a room's current state map.
func (s *Store) CurrentState(ctx context.Context, roomID string) (models.StateMap, *int64, error) {
	meta, err := s.Room(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if meta.CurrentStateHash == nil {
		return models.StateMap{}, nil, nil
	}
	entries, err := s.states.LoadState(ctx, *meta.CurrentStateHash)
	if err != nil {
		return nil, nil, err
	}
	state, err := s.states.DecompressState(ctx, entries)
	if err != nil {
		return nil, nil, err
	}
	return state, meta.CurrentStateHash, nil
}

// SaveStateSnapshot interns and stores a state map as a diff against the
// parent snapshot, returning its short state hash.
func (s *Store) SaveStateSnapshot(ctx context.Context, state models.StateMap, parent *int64) (int64, error) {
	entries, err := s.states.CompressState(ctx, state)
	if err != nil {
		return 0, err
	}
	hash := statestore.HashSnapshot(entries)
	short, created, err := s.states.ShortStateHash(ctx, hash)
	if err != nil {
		return 0, err
	}
	if !created {
		return short, nil
	}

	if parent == nil {
		return short, s.states.SaveFullState(ctx, short, entries)
	}

	parentEntries, err := s.states.LoadState(ctx, *parent)
	if err != nil {
		return 0, err
	}
	parentSet := make(map[models.CompressedStateEntry]struct{}, len(parentEntries))
	for _, e := range parentEntries {
		parentSet[e] = struct{}{}
	}
	newSet := make(map[models.CompressedStateEntry]struct{}, len(entries))
	for _, e := range entries {
		newSet[e] = struct{}{}
	}

	var added, removed []models.CompressedStateEntry
	for e := range newSet {
		if _, ok := parentSet[e]; !ok {
			added = append(added, e)
		}
	}
	for e := range parentSet {
		if _, ok := newSet[e]; !ok {
			removed = append(removed, e)
		}
	}

	return short, s.states.SaveStateFromDiff(ctx, short, *parent, added, removed, entries)
}

// AuthChainFor returns the auth-chain closure of a state map as event ids.
func (s *Store) AuthChainFor(ctx context.Context, state models.StateMap) (map[string]struct{}, error) {
	var shorts []int64
	for _, eventID := range state {
		short, err := s.states.ShortEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		shorts = append(shorts, short)
	}
	closure, err := s.states.AuthChainClosure(ctx, shorts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(closure))
	for short := range closure {
		eventID, err := s.states.EventIDFromShort(ctx, short)
		if err != nil {
			return nil, err
		}
		out[eventID] = struct{}{}
	}
	return out, nil
}

// JoinedServers lists the servers with at least one joined member in the
// room, derived from current state. Used by the transaction sender.
func (s *Store) JoinedServers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT split_part(substring(e.event_json->>'state_key' from 2), ':', 2)
		 FROM room_events e
		 JOIN rooms r ON r.room_id = e.room_id
		 WHERE e.room_id = $1 AND e.event_json->>'type' = 'm.room.member'
		   AND e.event_json->'content'->>'membership' = 'join'
		   AND e.stream_pos IS NOT NULL`, roomID)
	if err != nil {
		return nil, models.NewError(models.ErrStorageFault, "querying joined servers: %s", err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var server string
		if err := rows.Scan(&server); err != nil {
			return nil, models.NewError(models.ErrStorageFault, "scanning joined server: %s", err)
		}
		if server != "" {
			servers = append(servers, server)
		}
	}
	return servers, rows.Err()
}

// EventJSON returns the stored canonical JSON of an event. Used by the
// transaction sender and the federation API.
func (s *Store) EventJSON(ctx context.Context, eventID string) (json.RawMessage, error) {
	rec, err := s.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, models.NewError(models.ErrNotFound, "event %s not found", eventID)
	}
	return rec.Raw, nil
}

// StateMapAtEvent materializes the stored pre-state snapshot of an event.
func (s *Store) StateMapAtEvent(ctx context.Context, eventID string) (models.StateMap, error) {
	hash, err := s.StateAtEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, models.NewError(models.ErrNotFound, "no state stored for event %s", eventID)
	}
	entries, err := s.states.LoadState(ctx, *hash)
	if err != nil {
		return nil, err
	}
	return s.states.DecompressState(ctx, entries)
}

// AuthChainForEvents returns the auth-chain closure for a set of events.
func (s *Store) AuthChainForEvents(ctx context.Context, eventIDs []string) (map[string]struct{}, error) {
	var shorts []int64
	for _, id := range eventIDs {
		short, err := s.states.ShortEventID(ctx, id)
		if err != nil {
			return nil, err
		}
		shorts = append(shorts, short)
	}
	closure, err := s.states.AuthChainClosure(ctx, shorts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(closure))
	for short := range closure {
		id, err := s.states.EventIDFromShort(ctx, short)
		if err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// LatestEvents returns the most recent timeline event ids of a room and the
// maximum depth seen. Used as prev_events for locally built events.
func (s *Store) LatestEvents(ctx context.Context, roomID string, limit int) ([]string, int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, depth FROM room_events
		 WHERE room_id = $1 AND stream_pos IS NOT NULL
		 ORDER BY stream_pos DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, 0, models.NewError(models.ErrStorageFault, "querying latest events: %s", err)
	}
	defer rows.Close()

	var ids []string
	var maxDepth int64
	for rows.Next() {
		var id string
		var depth int64
		if err := rows.Scan(&id, &depth); err != nil {
			return nil, 0, models.NewError(models.ErrStorageFault, "scanning latest event: %s", err)
		}
		ids = append(ids, id)
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	return ids, maxDepth, rows.Err()
}

// FirstKnownDepth returns the depth of the oldest known event in a room;
// prev-events older than this are not backfilled.
func (s *Store) FirstKnownDepth(ctx context.Context, roomID string) (int64, error) {
	var depth *int64
	err := s.pool.QueryRow(ctx,
		`SELECT min(depth) FROM room_events WHERE room_id = $1 AND NOT outlier`,
		roomID).Scan(&depth)
	if err != nil {
		return 0, models.NewError(models.ErrStorageFault, "querying first known depth: %s", err)
	}
	if depth == nil {
		return 0, nil
	}
	return *depth, nil
}
