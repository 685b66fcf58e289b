package rooms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amityvox/continuum/internal/authrules"
	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/event"
	"github.com/amityvox/continuum/internal/events"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/stateres"
	"github.com/amityvox/continuum/internal/transport"
)

// Backoff parameters for fetching events from a faulty peer.
const (
	fetchBackoffBase = 5 * time.Minute
	fetchBackoffCap  = 24 * time.Hour
)

// Service orchestrates inbound PDU handling.
type Service struct {
	store    *Store
	verifier *event.Verifier
	client   *transport.Client
	resolver *stateres.Resolver
	bus      *events.Bus
	shared   *cache.Shared
	logger   *slog.Logger

	serverName         string
	maxFetchPrevEvents int
	allowUnstable      bool

	// Per-room mutexes: federation serializes PDU application, state
	// serializes state-changing operations.
	muMu    sync.Mutex
	fedMu   map[string]*sync.Mutex
	stateMu map[string]*sync.Mutex
}

// Config holds the configuration for the event handler service.
type Config struct {
	Store    *Store
	Verifier *event.Verifier
	Client   *transport.Client
	Resolver *stateres.Resolver
	Bus      *events.Bus
	Shared   *cache.Shared
	Logger   *slog.Logger

	ServerName         string
	MaxFetchPrevEvents int
	AllowUnstable      bool
}

// New creates the event handler service.
func New(cfg Config) *Service {
	maxFetch := cfg.MaxFetchPrevEvents
	if maxFetch <= 0 {
		maxFetch = 100
	}
	return &Service{
		store:              cfg.Store,
		verifier:           cfg.Verifier,
		client:             cfg.Client,
		resolver:           cfg.Resolver,
		bus:                cfg.Bus,
		shared:             cfg.Shared,
		logger:             cfg.Logger,
		serverName:         cfg.ServerName,
		maxFetchPrevEvents: maxFetch,
		allowUnstable:      cfg.AllowUnstable,
		fedMu:              make(map[string]*sync.Mutex),
		stateMu:            make(map[string]*sync.Mutex),
	}
}

func (s *Service) roomLock(m map[string]*sync.Mutex, roomID string) *sync.Mutex {
	s.muMu.Lock()
	defer s.muMu.Unlock()
	if m[roomID] == nil {
		m[roomID] = &sync.Mutex{}
	}
	return m[roomID]
}

// HandleIncomingPDU runs the full inbound pipeline for one event. It returns
// the event id when the event reached the timeline, nil for outlier-only
// persistence, and an error for rejected events.
func (s *Service) HandleIncomingPDU(ctx context.Context, origin, eventID, roomID string, raw json.RawMessage, isTimeline bool) (*string, error) {
	meta, err := s.store.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if meta.Disabled {
		return nil, models.NewError(models.ErrRoomDisabled, "federation is disabled for %s", roomID)
	}
	rules, ok := models.RulesForVersion(meta.Version)
	if !ok {
		return nil, models.NewError(models.ErrUnknownRoomVersion, "room version %q", meta.Version)
	}
	if !models.IsStableRoomVersion(meta.Version) && !s.allowUnstable {
		return nil, models.NewError(models.ErrUnknownRoomVersion,
			"unstable room version %q is not enabled", meta.Version)
	}

	result, err := s.verifier.VerifyPDU(ctx, raw, rules)
	if err != nil {
		return nil, err
	}
	pdu := result.PDU
	if eventID != "" && pdu.EventID != eventID {
		return nil, models.NewError(models.ErrMalformedEvent,
			"event id %s does not match claimed %s", pdu.EventID, eventID)
	}
	if pdu.RoomID != roomID {
		return nil, models.NewError(models.ErrMalformedEvent, "event names a different room")
	}

	if err := authrules.CheckStateIndependent(pdu, rules); err != nil {
		return nil, err
	}

	// Known already?
	if existing, err := s.store.Event(ctx, pdu.EventID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Rejected {
			return nil, models.NewError(models.ErrNotAuthorized, "event was previously rejected")
		}
		if !existing.Outlier || !isTimeline {
			id := pdu.EventID
			return &id, nil
		}
	}

	fedLock := s.roomLock(s.fedMu, roomID)
	fedLock.Lock()
	defer fedLock.Unlock()

	return s.handleLocked(ctx, origin, roomID, meta, rules, result, isTimeline)
}

// handleLocked runs the post-verification pipeline. The caller holds the
// room's federation mutex; prev-event backfill re-enters here directly so
// the lock is never taken twice.
func (s *Service) handleLocked(ctx context.Context, origin, roomID string, meta *RoomMeta, rules models.RoomVersionRules, result *event.Result, isTimeline bool) (*string, error) {
	pdu := result.PDU

	// Re-check under the lock: backfill may have landed the event already.
	if existing, err := s.store.Event(ctx, pdu.EventID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Rejected {
			return nil, models.NewError(models.ErrNotAuthorized, "event was previously rejected")
		}
		if !existing.Outlier || !isTimeline {
			id := pdu.EventID
			return &id, nil
		}
	}

	// Fetch and persist the declared auth events, iteratively.
	authEvents, err := s.fetchAuthEvents(ctx, origin, roomID, rules, pdu)
	if err != nil {
		return nil, err
	}

	// Auth against the declared auth events. Failure is fatal: the event is
	// stored as a rejected outlier so it is never re-fetched.
	authLookup, err := authrules.AuthStateFromEvents(authEvents)
	if err != nil {
		return nil, models.NewError(models.ErrNotAuthorized, "%s", err)
	}
	if err := authrules.Check(pdu, rules, authLookup); err != nil {
		if perr := s.store.PersistOutlier(ctx, pdu, result.Canonical, true); perr != nil {
			return nil, perr
		}
		return nil, err
	}

	if err := s.store.PersistOutlier(ctx, pdu, result.Canonical, false); err != nil {
		return nil, err
	}

	if !isTimeline {
		return nil, nil
	}

	if err := s.fetchPrevEvents(ctx, origin, roomID, meta, pdu); err != nil {
		s.logger.Warn("prev event backfill incomplete",
			slog.String("room_id", roomID),
			slog.String("event_id", pdu.EventID),
			slog.String("error", err.Error()))
		// A gap in the DAG is accepted; state comes from /state_ids below.
	}

	stateLock := s.roomLock(s.stateMu, roomID)
	stateLock.Lock()
	defer stateLock.Unlock()

	stateBefore, err := s.stateAtEvent(ctx, origin, roomID, rules, pdu)
	if err != nil {
		return nil, err
	}

	softFailed := false
	stateLookup := s.lookupIn(ctx, stateBefore)
	if err := authrules.Check(pdu, rules, stateLookup); err != nil {
		// Passed at declared auth events but failed against resolved state:
		// the event soft-fails rather than being rejected.
		softFailed = true
		s.logger.Info("event soft failed against state at event",
			slog.String("event_id", pdu.EventID),
			slog.String("error", err.Error()))
	}

	// Auth against current room state; plus the content-redacts property:
	// a redaction whose sender lacks redaction rights at current state is
	// soft-failed even though its declared auth events allowed it.
	if !softFailed {
		currentState, _, err := s.store.CurrentState(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if len(currentState) > 0 {
			currentLookup := s.lookupIn(ctx, currentState)
			if err := authrules.Check(pdu, rules, currentLookup); err != nil {
				softFailed = true
				s.logger.Info("event soft failed against current state",
					slog.String("event_id", pdu.EventID),
					slog.String("error", err.Error()))
			} else if rules.RedactsInContent && pdu.Type == models.EventTypeRedaction {
				if !s.senderMayRedact(ctx, pdu, currentState) {
					softFailed = true
					s.logger.Info("redaction soft failed: sender lacks rights at current state",
						slog.String("event_id", pdu.EventID))
				}
			}
		}
	}

	// Persist the pre-state snapshot for the event.
	stateAtHash, err := s.store.SaveStateSnapshot(ctx, stateBefore, nil)
	if err != nil {
		return nil, err
	}

	// Resolve the new current state from the current forks.
	var newCurrentPtr *int64
	if !softFailed || pdu.IsState() {
		newCurrent, err := s.resolveCurrentState(ctx, roomID, rules, pdu, stateBefore)
		if err != nil {
			return nil, err
		}
		if newCurrent != nil {
			_, currentHash, err := s.store.CurrentState(ctx, roomID)
			if err != nil {
				return nil, err
			}
			hash, err := s.store.SaveStateSnapshot(ctx, newCurrent, currentHash)
			if err != nil {
				return nil, err
			}
			newCurrentPtr = &hash
		}
	}

	if _, err := s.store.CommitTimeline(ctx, pdu, stateAtHash, newCurrentPtr, softFailed); err != nil {
		return nil, err
	}

	// Soft-failed events are stored but never delivered.
	if !softFailed && s.bus != nil {
		var payload json.RawMessage = result.Canonical
		if err := s.bus.PublishRoomEvent(ctx, pdu.Type, roomID, pdu.EventID, payload); err != nil {
			s.logger.Warn("publishing room event failed",
				slog.String("event_id", pdu.EventID), slog.String("error", err.Error()))
		}
	}

	id := pdu.EventID
	return &id, nil
}

// senderMayRedact checks redaction rights against a state map: the sender
// must reach the redact power level or own the target event.
func (s *Service) senderMayRedact(ctx context.Context, pdu *models.PDU, state models.StateMap) bool {
	if pdu.Redacts == nil {
		return false
	}
	if target := s.store.PDU(ctx, *pdu.Redacts); target != nil && target.Sender == pdu.Sender {
		return true
	}
	lookup := s.lookupIn(ctx, state)
	plEvent := lookup(models.EventTypePowerLevels, "")
	var power *models.PowerLevelsContent
	if plEvent != nil {
		var p models.PowerLevelsContent
		if err := json.Unmarshal(plEvent.Content, &p); err == nil {
			power = &p
		}
	}
	senderLevel := int64(0)
	if power != nil {
		senderLevel = power.UserLevel(pdu.Sender)
	}
	return senderLevel >= power.RedactLevel()
}

// lookupIn builds an authrules.StateLookup over a state map backed by the
// event store.
func (s *Service) lookupIn(ctx context.Context, state models.StateMap) authrules.StateLookup {
	return func(eventType, stateKey string) *models.PDU {
		id, ok := state[models.StateTuple{Type: eventType, StateKey: stateKey}]
		if !ok {
			return nil
		}
		return s.store.PDU(ctx, id)
	}
}

// fetchAuthEvents loads the declared auth events, pulling missing ones from
// the origin with an explicit work stack, a visited set, and per-event
// backoff. The returned slice contains only accepted events.
func (s *Service) fetchAuthEvents(ctx context.Context, origin, roomID string, rules models.RoomVersionRules, pdu *models.PDU) ([]*models.PDU, error) {
	var resolved []*models.PDU
	visited := make(map[string]struct{})
	stack := append([]string(nil), pdu.AuthEvents...)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		if rec, err := s.store.Event(ctx, id); err != nil {
			return nil, err
		} else if rec != nil {
			if !rec.Rejected {
				resolved = append(resolved, rec.PDU)
			}
			continue
		}

		raw, err := s.fetchEventWithBackoff(ctx, origin, id)
		if err != nil {
			s.logger.Warn("auth event unavailable",
				slog.String("event_id", id), slog.String("error", err.Error()))
			continue
		}

		result, err := s.verifier.VerifyPDU(ctx, raw, rules)
		if err != nil {
			s.logger.Warn("auth event failed verification",
				slog.String("event_id", id), slog.String("error", err.Error()))
			continue
		}
		if result.PDU.RoomID != roomID {
			continue
		}

		// Recurse through this event's own auth events first.
		for _, nested := range result.PDU.AuthEvents {
			if _, seen := visited[nested]; !seen {
				stack = append(stack, nested)
			}
		}

		authLookup, err := authrules.AuthStateFromEvents(resolved)
		if err == nil && authrules.Check(result.PDU, rules, authLookup) == nil {
			if err := s.store.PersistOutlier(ctx, result.PDU, result.Canonical, false); err != nil {
				return nil, err
			}
			resolved = append(resolved, result.PDU)
		} else {
			if err := s.store.PersistOutlier(ctx, result.PDU, result.Canonical, true); err != nil {
				return nil, err
			}
		}
	}

	// Return only the events this PDU actually declares, in declaration
	// order.
	declared := make(map[string]struct{}, len(pdu.AuthEvents))
	for _, id := range pdu.AuthEvents {
		declared[id] = struct{}{}
	}
	out := make([]*models.PDU, 0, len(pdu.AuthEvents))
	for _, ev := range resolved {
		if _, ok := declared[ev.EventID]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fetchEventWithBackoff fetches one event over federation, tracking failures
// per event id with exponential backoff (base 5 minutes, cap 24 hours).
func (s *Service) fetchEventWithBackoff(ctx context.Context, origin, eventID string) (json.RawMessage, error) {
	// Events we originated are either stored already or gone for good.
	if origin == s.serverName {
		return nil, models.NewError(models.ErrNotFound, "local event %s is not stored", eventID)
	}

	key := "fetch:" + eventID
	if s.shared != nil {
		tries, last, err := s.shared.GetBackoff(ctx, key)
		if err == nil && tries > 0 {
			delay := fetchBackoffBase * time.Duration(1<<min(tries-1, 10))
			if delay > fetchBackoffCap {
				delay = fetchBackoffCap
			}
			if !last.IsZero() && time.Since(last) < delay {
				return nil, models.NewError(models.ErrTransientFetchFailure,
					"event %s fetch backing off (%d failures)", eventID, tries)
			}
		}
	}

	raw, err := s.client.GetEvent(ctx, origin, eventID)
	if err != nil {
		if s.shared != nil {
			if _, berr := s.shared.IncrementBackoff(ctx, key, fetchBackoffCap); berr == nil {
				s.shared.MarkBackoffTime(ctx, key, time.Now(), fetchBackoffCap)
			}
		}
		return nil, err
	}
	if s.shared != nil {
		s.shared.ClearBackoff(ctx, key)
	}
	return raw, nil
}

// fetchPrevEvents pulls missing prev events, bounded by
// max_fetch_prev_events, ignoring events older than the room's first known
// event, and applies them in topological (depth) order.
func (s *Service) fetchPrevEvents(ctx context.Context, origin, roomID string, meta *RoomMeta, pdu *models.PDU) error {
	firstDepth, err := s.store.FirstKnownDepth(ctx, roomID)
	if err != nil {
		return err
	}

	type fetched struct {
		raw   json.RawMessage
		depth int64
		id    string
	}
	var toApply []fetched
	visited := make(map[string]struct{})
	stack := append([]string(nil), pdu.PrevEvents...)
	budget := s.maxFetchPrevEvents

	rules, _ := models.RulesForVersion(meta.Version)

	for len(stack) > 0 && budget > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		if rec, err := s.store.Event(ctx, id); err != nil {
			return err
		} else if rec != nil && !rec.Outlier {
			continue
		}

		raw, err := s.fetchEventWithBackoff(ctx, origin, id)
		if err != nil {
			continue // Gap accepted.
		}
		budget--

		var probe struct {
			Depth      int64    `json:"depth"`
			PrevEvents []string `json:"prev_events"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		// Events older than our first known event are not backfilled.
		if probe.Depth < firstDepth {
			continue
		}
		prevID, err := event.EventID(raw, rules)
		if err != nil {
			continue
		}
		toApply = append(toApply, fetched{raw: raw, depth: probe.Depth, id: prevID})
		for _, nested := range probe.PrevEvents {
			if _, seen := visited[nested]; !seen {
				stack = append(stack, nested)
			}
		}
	}

	// Apply oldest first. The federation mutex is already held, so re-enter
	// the locked pipeline directly.
	sort.Slice(toApply, func(i, j int) bool {
		if toApply[i].depth != toApply[j].depth {
			return toApply[i].depth < toApply[j].depth
		}
		return toApply[i].id < toApply[j].id
	})
	for _, f := range toApply {
		result, err := s.verifier.VerifyPDU(ctx, f.raw, rules)
		if err != nil {
			s.logger.Debug("backfilled prev event failed verification",
				slog.String("event_id", f.id), slog.String("error", err.Error()))
			continue
		}
		if result.PDU.RoomID != roomID || result.PDU.EventID != f.id {
			continue
		}
		if err := authrules.CheckStateIndependent(result.PDU, rules); err != nil {
			continue
		}
		if _, err := s.handleLocked(ctx, origin, roomID, meta, rules, result, true); err != nil {
			s.logger.Debug("backfilled prev event rejected",
				slog.String("event_id", f.id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// stateAtEvent computes the room state before the event: the resolution of
// its prev events' post-states, or a /state_ids fetch when the prevs are
// unknown.
func (s *Service) stateAtEvent(ctx context.Context, origin, roomID string, rules models.RoomVersionRules, pdu *models.PDU) (models.StateMap, error) {
	if pdu.Type == models.EventTypeCreate && len(pdu.PrevEvents) == 0 {
		return models.StateMap{}, nil
	}

	var forks []models.StateMap
	allKnown := true
	for _, prevID := range pdu.PrevEvents {
		rec, err := s.store.Event(ctx, prevID)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Outlier {
			allKnown = false
			break
		}
		hash, err := s.store.StateAtEvent(ctx, prevID)
		if err != nil {
			return nil, err
		}
		if hash == nil {
			allKnown = false
			break
		}
		entries, err := s.store.states.LoadState(ctx, *hash)
		if err != nil {
			return nil, err
		}
		state, err := s.store.states.DecompressState(ctx, entries)
		if err != nil {
			return nil, err
		}
		// The state after a state event overlays the event itself.
		if rec.PDU.IsState() {
			state = state.Clone()
			state[rec.PDU.StateTupleKey()] = rec.PDU.EventID
		}
		forks = append(forks, state)
	}

	if allKnown && len(forks) > 0 {
		if len(forks) == 1 {
			return forks[0], nil
		}
		return s.resolveForks(ctx, rules, forks)
	}

	// Fall back to asking the origin for the state ids at this event.
	resp, err := s.client.GetStateIDs(ctx, origin, roomID, pdu.EventID)
	if err != nil {
		return nil, models.NewError(models.ErrTransientFetchFailure,
			"fetching state at %s: %s", pdu.EventID, err)
	}
	state := models.StateMap{}
	for _, id := range resp.StateEventIDs {
		ev := s.store.PDU(ctx, id)
		if ev == nil {
			raw, ferr := s.fetchEventWithBackoff(ctx, origin, id)
			if ferr != nil {
				continue
			}
			result, verr := s.verifier.VerifyPDU(ctx, raw, rules)
			if verr != nil {
				continue
			}
			if perr := s.store.PersistOutlier(ctx, result.PDU, result.Canonical, false); perr != nil {
				return nil, perr
			}
			ev = result.PDU
		}
		if ev.IsState() {
			state[ev.StateTupleKey()] = ev.EventID
		}
	}
	return state, nil
}

// resolveForks runs state resolution over fork states with their auth
// chains.
func (s *Service) resolveForks(ctx context.Context, rules models.RoomVersionRules, forks []models.StateMap) (models.StateMap, error) {
	authChains := make([]map[string]struct{}, len(forks))
	for i, fork := range forks {
		chain, err := s.store.AuthChainFor(ctx, fork)
		if err != nil {
			return nil, models.NewError(models.ErrStateResolutionFailure, "computing auth chain: %s", err)
		}
		authChains[i] = chain
	}
	fetch := func(eventID string) *models.PDU {
		return s.store.PDU(ctx, eventID)
	}
	resolved, err := s.resolver.Resolve(rules, forks, authChains, fetch)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveCurrentState folds the event's post-state into the room's current
// state.
func (s *Service) resolveCurrentState(ctx context.Context, roomID string, rules models.RoomVersionRules, pdu *models.PDU, stateBefore models.StateMap) (models.StateMap, error) {
	eventState := stateBefore.Clone()
	if pdu.IsState() {
		eventState[pdu.StateTupleKey()] = pdu.EventID
	}

	currentState, _, err := s.store.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(currentState) == 0 {
		return eventState, nil
	}
	return s.resolveForks(ctx, rules, []models.StateMap{currentState, eventState})
}
