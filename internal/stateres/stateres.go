// Package stateres implements the room-version 2+ state resolution
// algorithm: unconflicted union, auth difference, reverse topological
// ordering of power events, iterative auth checks, and mainline ordering of
// the remaining conflicted events. Resolution is deterministic; a
// process-wide mutex bounds peak memory by serializing concurrent calls.
package stateres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/amityvox/continuum/internal/authrules"
	"github.com/amityvox/continuum/internal/models"
)

// FetchEvent resolves an event id to its PDU. Returns nil for unknown ids;
// the resolver treats unreachable events as a StateResolutionFailure.
type FetchEvent func(eventID string) *models.PDU

// Resolver serializes state resolutions process-wide.
type Resolver struct {
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a Resolver.
func New(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve merges the fork states into one state map. authChains carries the
// full auth chain (as an event-id set) of each fork in the same order.
func (r *Resolver) Resolve(rules models.RoomVersionRules, forks []models.StateMap, authChains []map[string]struct{}, fetch FetchEvent) (models.StateMap, error) {
	if !rules.StateResV2 {
		return nil, models.NewError(models.ErrUnknownRoomVersion,
			"state resolution for room version %s is not supported", rules.Version)
	}
	if len(forks) == 0 {
		return models.StateMap{}, nil
	}
	if len(forks) == 1 {
		return forks[0].Clone(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	unconflicted, conflicted := splitConflicted(forks)

	authDiff := authDifference(authChains)
	fullConflicted := make(map[string]struct{}, len(conflicted)+len(authDiff))
	for _, ids := range conflicted {
		for _, id := range ids {
			fullConflicted[id] = struct{}{}
		}
	}
	for id := range authDiff {
		fullConflicted[id] = struct{}{}
	}

	events := make(map[string]*models.PDU, len(fullConflicted))
	for id := range fullConflicted {
		ev := fetch(id)
		if ev == nil {
			return nil, models.NewError(models.ErrStateResolutionFailure,
				"event %s unreachable during resolution", id)
		}
		events[id] = ev
	}

	var powerIDs, otherIDs []string
	for id, ev := range events {
		if isPowerEvent(ev) {
			powerIDs = append(powerIDs, id)
		} else {
			otherIDs = append(otherIDs, id)
		}
	}

	sortedPower, err := reverseTopologicalPowerSort(powerIDs, events, fetch)
	if err != nil {
		return nil, err
	}

	partial := unconflicted.Clone()
	partial = iterativeAuthChecks(rules, sortedPower, events, partial, fetch, r.logger)

	resolvedPowerID := partial[models.StateTuple{Type: models.EventTypePowerLevels, StateKey: ""}]
	mainline := buildMainline(resolvedPowerID, fetch)

	sortedOthers := mainlineSort(otherIDs, events, mainline, fetch)
	partial = iterativeAuthChecks(rules, sortedOthers, events, partial, fetch, r.logger)

	// Unconflicted entries always win.
	for tuple, id := range unconflicted {
		partial[tuple] = id
	}

	return partial, nil
}

// splitConflicted separates the entries every fork agrees on from the rest.
func splitConflicted(forks []models.StateMap) (models.StateMap, map[models.StateTuple][]string) {
	tuples := make(map[models.StateTuple]map[string]struct{})
	for _, fork := range forks {
		for tuple, id := range fork {
			if tuples[tuple] == nil {
				tuples[tuple] = make(map[string]struct{})
			}
			tuples[tuple][id] = struct{}{}
		}
	}

	unconflicted := models.StateMap{}
	conflicted := make(map[models.StateTuple][]string)
	for tuple, ids := range tuples {
		presentEverywhere := true
		for _, fork := range forks {
			if _, ok := fork[tuple]; !ok {
				presentEverywhere = false
				break
			}
		}
		if len(ids) == 1 && presentEverywhere {
			for id := range ids {
				unconflicted[tuple] = id
			}
			continue
		}
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		conflicted[tuple] = list
	}
	return unconflicted, conflicted
}

// authDifference returns the union minus the intersection of the forks'
// auth chains.
func authDifference(chains []map[string]struct{}) map[string]struct{} {
	diff := make(map[string]struct{})
	if len(chains) == 0 {
		return diff
	}
	union := make(map[string]struct{})
	for _, chain := range chains {
		for id := range chain {
			union[id] = struct{}{}
		}
	}
	for id := range union {
		inAll := true
		for _, chain := range chains {
			if _, ok := chain[id]; !ok {
				inAll = false
				break
			}
		}
		if !inAll {
			diff[id] = struct{}{}
		}
	}
	return diff
}

// isPowerEvent reports whether an event participates in the power-event
// ordering phase: power levels, join rules, and kicks/bans.
func isPowerEvent(ev *models.PDU) bool {
	switch ev.Type {
	case models.EventTypePowerLevels, models.EventTypeJoinRules:
		return ev.IsState() && *ev.StateKey == ""
	case models.EventTypeMember:
		if !ev.IsState() || *ev.StateKey == ev.Sender {
			return false
		}
		m, err := ev.Membership()
		if err != nil {
			return false
		}
		return m == models.MembershipLeave || m == models.MembershipBan
	}
	return false
}

// senderPowerLevel derives the sender's power level at the time of the
// event from the event's own auth chain.
func senderPowerLevel(ev *models.PDU, fetch FetchEvent) int64 {
	for _, authID := range ev.AuthEvents {
		auth := fetch(authID)
		if auth == nil || auth.Type != models.EventTypePowerLevels {
			continue
		}
		var p models.PowerLevelsContent
		if err := json.Unmarshal(auth.Content, &p); err != nil {
			return 0
		}
		return p.UserLevel(ev.Sender)
	}
	// No power-levels event yet: the creator has level 100.
	for _, authID := range ev.AuthEvents {
		auth := fetch(authID)
		if auth == nil || auth.Type != models.EventTypeCreate {
			continue
		}
		var c models.CreateContent
		if err := json.Unmarshal(auth.Content, &c); err != nil {
			return 0
		}
		creator := c.Creator
		if creator == "" {
			creator = auth.Sender
		}
		if ev.Sender == creator {
			return 100
		}
	}
	return 0
}

// reverseTopologicalPowerSort orders the power events so that auth
// dependencies come first; ties resolve by descending sender power level,
// then ascending origin_server_ts, then event id.
func reverseTopologicalPowerSort(ids []string, events map[string]*models.PDU, fetch FetchEvent) ([]string, error) {
	// Expand to include auth-chain members within the conflicted set so the
	// graph is closed.
	graph := make(map[string][]string, len(ids))
	indegree := make(map[string]int, len(ids))
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, authID := range events[id].AuthEvents {
			if _, ok := inSet[authID]; !ok {
				continue
			}
			graph[authID] = append(graph[authID], id)
			indegree[id]++
		}
	}

	type rank struct {
		id    string
		power int64
		ts    int64
	}
	levels := make(map[string]int64, len(ids))
	for _, id := range ids {
		levels[id] = senderPowerLevel(events[id], fetch)
	}

	less := func(a, b rank) bool {
		if a.power != b.power {
			return a.power > b.power
		}
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		return a.id < b.id
	}

	var ready []rank
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, rank{id, levels[id], events[id].OriginServerTS})
		}
	}

	out := make([]string, 0, len(ids))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next.id)
		for _, dep := range graph[next.id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, rank{dep, levels[dep], events[dep].OriginServerTS})
			}
		}
	}
	if len(out) != len(ids) {
		return nil, models.NewError(models.ErrStateResolutionFailure, "auth graph cycle among power events")
	}
	return out, nil
}

// iterativeAuthChecks folds sorted events into the partial state, skipping
// events that fail authorization against the state built so far. Missing
// state slots fall back to the event's own auth events.
func iterativeAuthChecks(rules models.RoomVersionRules, sorted []string, events map[string]*models.PDU, partial models.StateMap, fetch FetchEvent, logger *slog.Logger) models.StateMap {
	for _, id := range sorted {
		ev := events[id]
		lookup := func(eventType, stateKey string) *models.PDU {
			tuple := models.StateTuple{Type: eventType, StateKey: stateKey}
			if stateID, ok := partial[tuple]; ok {
				if st := fetch(stateID); st != nil {
					return st
				}
			}
			for _, authID := range ev.AuthEvents {
				auth := fetch(authID)
				if auth != nil && auth.IsState() && auth.Type == eventType && *auth.StateKey == stateKey {
					return auth
				}
			}
			return nil
		}
		if err := authrules.Check(ev, rules, lookup); err != nil {
			logger.Debug("state resolution rejected event",
				slog.String("event_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if ev.IsState() {
			partial[ev.StateTupleKey()] = id
		}
	}
	return partial
}

// buildMainline walks the power-levels auth chain from the resolved power
// event to the create event. Position 0 is the resolved event; higher
// positions are older.
func buildMainline(powerID string, fetch FetchEvent) map[string]int {
	mainline := make(map[string]int)
	pos := 0
	for id := powerID; id != ""; {
		mainline[id] = pos
		pos++
		ev := fetch(id)
		if ev == nil {
			break
		}
		next := ""
		for _, authID := range ev.AuthEvents {
			auth := fetch(authID)
			if auth != nil && auth.Type == models.EventTypePowerLevels {
				next = authID
				break
			}
		}
		id = next
	}
	return mainline
}

// mainlinePosition finds the closest mainline ancestor of an event by
// walking its power-levels auth references. Events with no mainline
// ancestor sort before everything on the mainline.
func mainlinePosition(ev *models.PDU, mainline map[string]int, fetch FetchEvent) int {
	seen := map[string]struct{}{}
	current := ev
	for current != nil {
		if pos, ok := mainline[current.EventID]; ok {
			return len(mainline) - pos
		}
		if _, dup := seen[current.EventID]; dup {
			break
		}
		seen[current.EventID] = struct{}{}
		var next *models.PDU
		for _, authID := range current.AuthEvents {
			auth := fetch(authID)
			if auth != nil && auth.Type == models.EventTypePowerLevels {
				next = auth
				break
			}
		}
		current = next
	}
	return 0
}

// mainlineSort orders the non-power conflicted events by (mainline
// position, origin_server_ts, event_id).
func mainlineSort(ids []string, events map[string]*models.PDU, mainline map[string]int, fetch FetchEvent) []string {
	type rank struct {
		id  string
		pos int
		ts  int64
	}
	ranks := make([]rank, 0, len(ids))
	for _, id := range ids {
		ranks = append(ranks, rank{
			id:  id,
			pos: mainlinePosition(events[id], mainline, fetch),
			ts:  events[id].OriginServerTS,
		})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].pos != ranks[j].pos {
			return ranks[i].pos < ranks[j].pos
		}
		if ranks[i].ts != ranks[j].ts {
			return ranks[i].ts < ranks[j].ts
		}
		return ranks[i].id < ranks[j].id
	})
	out := make([]string, len(ranks))
	for i, r := range ranks {
		out[i] = r.id
	}
	return out
}

// AuthChain computes the transitive closure over auth_events references for
// a set of starting events, using an explicit work stack with a visited set.
func AuthChain(start []string, fetch FetchEvent) (map[string]struct{}, error) {
	chain := make(map[string]struct{})
	stack := append([]string(nil), start...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ev := fetch(id)
		if ev == nil {
			return nil, fmt.Errorf("auth chain event %s unreachable", id)
		}
		for _, authID := range ev.AuthEvents {
			if _, seen := chain[authID]; seen {
				continue
			}
			chain[authID] = struct{}{}
			stack = append(stack, authID)
		}
	}
	return chain, nil
}
