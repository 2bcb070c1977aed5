package group

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
)

// EventGroupIdentify is the event name that upserts a group row.
const EventGroupIdentify = "$groupidentify"

// Engine resolves group references on events and applies $groupidentify
// upserts. It is skipped entirely when person processing is disabled for
// an event.
type Engine struct {
	store    Store
	maxTypes int
	logger   *zap.Logger
}

// NewEngine constructs an Engine. maxTypes defaults to 5.
func NewEngine(store Store, maxTypes int, logger *zap.Logger) *Engine {
	if maxTypes <= 0 {
		maxTypes = 5
	}
	return &Engine{store: store, maxTypes: maxTypes, logger: logger}
}

// HandleEvent processes group semantics for ev: $groupidentify upserts
// the group row; any other event with a $groups map gets its
// $group_<index> keys assigned. Returns the changed groups to mirror
// downstream.
func (e *Engine) HandleEvent(ctx context.Context, ev *event.PipelineEvent, team *event.Team, ts time.Time) ([]*event.Group, error) {
	if ev.Event == EventGroupIdentify {
		return e.handleGroupIdentify(ctx, ev, team, ts)
	}
	return nil, e.assignGroupKeys(ctx, ev, team)
}

func (e *Engine) handleGroupIdentify(ctx context.Context, ev *event.PipelineEvent, team *event.Team, ts time.Time) ([]*event.Group, error) {
	groupType, ok := ev.Properties.String("$group_type")
	if !ok || groupType == "" {
		return nil, nil
	}
	key, err := groupKeyString(ev.Properties["$group_key"])
	if err != nil || key == "" {
		return nil, nil
	}

	index, err := e.store.TypeIndex(ctx, team.ID, team.ProjectID, groupType, e.maxTypes)
	if err != nil {
		return nil, fmt.Errorf("resolve group type %q: %w", groupType, err)
	}
	if index == NoIndex {
		e.logger.Debug("group type cap reached, skipping groupidentify",
			zap.Int64("team_id", team.ID),
			zap.String("group_type", groupType),
		)
		return nil, nil
	}

	set, _ := ev.Properties.Map("$group_set")
	setOnce, _ := ev.Properties.Map("$group_set_once")

	g, err := e.store.UpsertGroup(ctx, team.ID, index, key, set, setOnce, ts)
	if err != nil {
		return nil, fmt.Errorf("upsert group %q: %w", key, err)
	}

	ev.Properties[fmt.Sprintf("$group_%d", index)] = key
	return []*event.Group{g}, nil
}

// assignGroupKeys maps the $groups bag onto $group_<index> keys. Types
// past the cap resolve to no index and the key is not set.
func (e *Engine) assignGroupKeys(ctx context.Context, ev *event.PipelineEvent, team *event.Team) error {
	groups, ok := ev.Properties.Map("$groups")
	if !ok || len(groups) == 0 {
		return nil
	}

	// Deterministic order keeps index allocation stable when several new
	// types arrive on one event.
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key, err := groupKeyString(groups[name])
		if err != nil || key == "" {
			continue
		}
		index, err := e.store.TypeIndex(ctx, team.ID, team.ProjectID, name, e.maxTypes)
		if err != nil {
			return fmt.Errorf("resolve group type %q: %w", name, err)
		}
		if index == NoIndex {
			continue
		}
		ev.Properties[fmt.Sprintf("$group_%d", index)] = key
	}
	return nil
}

// groupKeyString coerces a group key to string; numeric keys are common
// from older SDKs.
func groupKeyString(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case float64:
		return fmt.Sprintf("%v", k), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported group key type %T", v)
	}
}
