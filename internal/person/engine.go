package person

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
)

// Event names that bind distinct ids together.
const (
	EventIdentify         = "$identify"
	EventCreateAlias      = "$create_alias"
	EventMergeDangerously = "$merge_dangerously"
)

// Engine drives identity resolution for one event at a time. It is
// stateless; all state lives in the Store. Safe for concurrent use.
type Engine struct {
	store    Store
	retryMax int
	logger   *zap.Logger

	// newUUID is swappable in tests for deterministic person uuids.
	newUUID func() uuid.UUID
}

// NewEngine constructs an Engine. retryMax bounds the optimistic retry
// loop and defaults to 5.
func NewEngine(store Store, retryMax int, logger *zap.Logger) *Engine {
	if retryMax <= 0 {
		retryMax = 5
	}
	return &Engine{
		store:    store,
		retryMax: retryMax,
		logger:   logger,
		newUUID: func() uuid.UUID {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.New()
			}
			return id
		},
	}
}

// HandleEvent resolves (and possibly mutates) the person behind ev's
// distinct id, applying $set/$set_once/$unset and any identify/alias/
// merge semantics. It returns the post-event snapshot plus the list of
// person changes that must be mirrored downstream.
//
// Every attempt re-reads current state, so lost races (ErrConcurrentUpdate
// from the store) are retried up to retryMax before giving up with
// ErrUpdateConflict.
func (e *Engine) HandleEvent(ctx context.Context, ev *event.PipelineEvent, teamID int64, ts time.Time) (*Snapshot, []Change, error) {
	set, setOnce, unset := propertyMutations(ev.Properties)

	otherID := ""
	switch ev.Event {
	case EventIdentify:
		if anon, ok := ev.Properties.String("$anon_distinct_id"); ok {
			otherID = anon
		}
	case EventCreateAlias, EventMergeDangerously:
		if alias, ok := ev.Properties.String("alias"); ok {
			otherID = alias
		}
	}
	identify := ev.Event == EventIdentify || ev.Event == EventCreateAlias || ev.Event == EventMergeDangerously

	for attempt := 0; attempt < e.retryMax; attempt++ {
		var (
			snap    *Snapshot
			changes []Change
			err     error
		)
		if otherID != "" && otherID != ev.DistinctID {
			snap, changes, err = e.mergeOnce(ctx, teamID, ev.DistinctID, otherID, ts, set, setOnce, unset)
		} else {
			snap, changes, err = e.upsertOnce(ctx, teamID, ev.DistinctID, ts, set, setOnce, unset, identify)
		}
		if errors.Is(err, ErrConcurrentUpdate) {
			e.logger.Debug("person update raced, retrying",
				zap.Int64("team_id", teamID),
				zap.String("distinct_id", ev.DistinctID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return snap, changes, nil
	}
	return nil, nil, fmt.Errorf("after %d attempts: %w", e.retryMax, ErrUpdateConflict)
}

// upsertOnce is one attempt at the non-merge path: ensure a person exists
// for the distinct id and apply the event's property mutations.
func (e *Engine) upsertOnce(ctx context.Context, teamID int64, distinctID string, ts time.Time, set, setOnce map[string]any, unset []string, identify bool) (*Snapshot, []Change, error) {
	p, err := e.store.PersonByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return nil, nil, err
	}

	if p == nil {
		props, _ := applyMutations(event.Properties{}, set, setOnce, unset)
		np := &event.Person{
			UUID:         e.newUUID(),
			TeamID:       teamID,
			CreatedAt:    ts,
			Properties:   props,
			IsIdentified: identify,
		}
		created, wasCreated, err := e.store.CreatePerson(ctx, np, distinctID)
		if err != nil {
			return nil, nil, err
		}
		if wasCreated {
			return &Snapshot{Person: created, Mode: event.PersonModeFull}, []Change{{Person: created}}, nil
		}
		// A concurrent creation won; apply our mutations to the winner.
		p = created
	}

	return e.applyToExisting(ctx, p, set, setOnce, unset, identify, nil)
}

// mergeOnce is one attempt at the identify/alias/merge path linking
// distinctID and otherID to the same person.
func (e *Engine) mergeOnce(ctx context.Context, teamID int64, distinctID, otherID string, ts time.Time, set, setOnce map[string]any, unset []string) (*Snapshot, []Change, error) {
	p1, err := e.store.PersonByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return nil, nil, err
	}
	p2, err := e.store.PersonByDistinctID(ctx, teamID, otherID)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case p1 == nil && p2 == nil:
		props, _ := applyMutations(event.Properties{}, set, setOnce, unset)
		np := &event.Person{
			UUID:         e.newUUID(),
			TeamID:       teamID,
			CreatedAt:    ts,
			Properties:   props,
			IsIdentified: true,
		}
		created, wasCreated, err := e.store.CreatePerson(ctx, np, distinctID)
		if err != nil {
			return nil, nil, err
		}
		if !wasCreated {
			// Someone created a person for distinctID underneath us;
			// start over so the merge sees both mappings.
			return nil, nil, ErrConcurrentUpdate
		}
		if err := e.store.AddDistinctID(ctx, teamID, otherID, created.ID); err != nil {
			return nil, nil, err
		}
		return &Snapshot{Person: created, Mode: event.PersonModeFull}, []Change{{Person: created}}, nil

	case p1 != nil && p2 == nil:
		if err := e.store.AddDistinctID(ctx, teamID, otherID, p1.ID); err != nil {
			return nil, nil, err
		}
		return e.applyToExisting(ctx, p1, set, setOnce, unset, true, nil)

	case p1 == nil && p2 != nil:
		if err := e.store.AddDistinctID(ctx, teamID, distinctID, p2.ID); err != nil {
			return nil, nil, err
		}
		return e.applyToExisting(ctx, p2, set, setOnce, unset, true, nil)

	case p1.ID == p2.ID:
		// Equal endpoints: a repeated or cyclic merge is a no-op beyond
		// the event's own property mutations.
		return e.applyToExisting(ctx, p1, set, setOnce, unset, true, nil)

	default:
		return e.mergePersons(ctx, p1, p2, set, setOnce, unset)
	}
}

// mergePersons folds the losing person into the survivor.
func (e *Engine) mergePersons(ctx context.Context, p1, p2 *event.Person, set, setOnce map[string]any, unset []string) (*Snapshot, []Change, error) {
	survivor, loser := chooseSurvivor(p1, p2)

	if p1.ForceUpgrade || p2.ForceUpgrade {
		// Migration marker: leave both rows untouched.
		return &Snapshot{Person: survivor, Mode: event.PersonModeForceUpgrade}, nil, nil
	}

	merged := mergeProperties(survivor.Properties, loser.Properties)
	merged, _ = applyMutations(merged, set, setOnce, unset)

	version, err := e.store.MergePersons(ctx, survivor, loser, merged)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("persons merged",
		zap.Int64("team_id", survivor.TeamID),
		zap.String("survivor_uuid", survivor.UUID.String()),
		zap.String("loser_uuid", loser.UUID.String()),
	)

	out := *survivor
	out.Properties = merged
	out.Version = version
	out.IsIdentified = true
	if loser.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = loser.CreatedAt
	}
	return &Snapshot{Person: &out, Mode: event.PersonModeFull},
		[]Change{{Person: &out}, {Person: loser, Deleted: true}},
		nil
}

// applyToExisting applies the event's property mutations (and identified
// promotion) to a known person, honoring force-upgrade suppression.
func (e *Engine) applyToExisting(ctx context.Context, p *event.Person, set, setOnce map[string]any, unset []string, identify bool, extraChanges []Change) (*Snapshot, []Change, error) {
	if p.ForceUpgrade {
		return &Snapshot{Person: p, Mode: event.PersonModeForceUpgrade}, extraChanges, nil
	}

	newProps, changed := applyMutations(p.Properties, set, setOnce, unset)
	promote := identify && !p.IsIdentified
	if !changed && !promote {
		view := *p
		view.Properties = newProps
		return &Snapshot{Person: &view, Mode: event.PersonModeFull}, extraChanges, nil
	}

	version, err := e.store.UpdatePerson(ctx, p, newProps, p.IsIdentified || identify)
	if err != nil {
		return nil, nil, err
	}

	out := *p
	out.Properties = newProps
	out.Version = version
	out.IsIdentified = p.IsIdentified || identify
	return &Snapshot{Person: &out, Mode: event.PersonModeFull}, append(extraChanges, Change{Person: &out}), nil
}

// chooseSurvivor picks the merge survivor: most identified, then oldest,
// then lexicographically smallest uuid.
func chooseSurvivor(a, b *event.Person) (survivor, loser *event.Person) {
	if a.IsIdentified != b.IsIdentified {
		if a.IsIdentified {
			return a, b
		}
		return b, a
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return a, b
		}
		return b, a
	}
	if a.UUID.String() <= b.UUID.String() {
		return a, b
	}
	return b, a
}

// mergeProperties unions two property maps: the survivor wins on
// conflict, loser keys fill the holes.
func mergeProperties(survivor, loser event.Properties) event.Properties {
	out := make(event.Properties, len(survivor)+len(loser))
	for k, v := range loser {
		out[k] = v
	}
	for k, v := range survivor {
		out[k] = v
	}
	return out
}

// applyMutations computes the post-event property map: $set_once fills
// absent keys, $set overwrites, $unset removes. The second return value
// reports whether anything actually changed, so unchanged replays skip
// the version bump.
func applyMutations(current event.Properties, set, setOnce map[string]any, unset []string) (event.Properties, bool) {
	out := current.Copy()
	changed := false
	for k, v := range setOnce {
		if _, ok := out[k]; !ok {
			out[k] = v
			changed = true
		}
	}
	for k, v := range set {
		if prev, ok := out[k]; !ok || !reflect.DeepEqual(prev, v) {
			out[k] = v
			changed = true
		}
	}
	for _, k := range unset {
		if _, ok := out[k]; ok {
			delete(out, k)
			changed = true
		}
	}
	return out, changed
}

// propertyMutations extracts $set, $set_once, and $unset from the bag.
// $unset accepts both an array of keys and a map (legacy SDKs send both).
func propertyMutations(props event.Properties) (set, setOnce map[string]any, unset []string) {
	set, _ = props.Map("$set")
	setOnce, _ = props.Map("$set_once")
	switch v := props["$unset"].(type) {
	case []any:
		for _, k := range v {
			if s, ok := k.(string); ok {
				unset = append(unset, s)
			}
		}
	case []string:
		unset = v
	case map[string]any:
		for k := range v {
			unset = append(unset, k)
		}
	}
	return set, setOnce, unset
}
