package group

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/ingest-service/internal/event"
)

// ── in-memory Store fake ──────────────────────────────────────────────────

type memStore struct {
	types  map[string]int // "project:type" → index
	groups map[string]*event.Group
}

func newMemStore() *memStore {
	return &memStore{types: map[string]int{}, groups: map[string]*event.Group{}}
}

func (s *memStore) TypeIndex(_ context.Context, _ int64, projectID int64, groupType string, maxTypes int) (int, error) {
	k := fmt.Sprintf("%d:%s", projectID, groupType)
	if idx, ok := s.types[k]; ok {
		return idx, nil
	}
	if len(s.types) >= maxTypes {
		return NoIndex, nil
	}
	idx := len(s.types)
	s.types[k] = idx
	return idx, nil
}

func (s *memStore) UpsertGroup(_ context.Context, teamID int64, typeIndex int, key string, set, setOnce map[string]any, createdAt time.Time) (*event.Group, error) {
	gk := fmt.Sprintf("%d:%d:%s", teamID, typeIndex, key)
	g, ok := s.groups[gk]
	if !ok {
		g = &event.Group{TeamID: teamID, TypeIndex: typeIndex, Key: key, Properties: event.Properties{}, CreatedAt: createdAt}
	} else {
		g.Version++
	}
	for k, v := range setOnce {
		if _, present := g.Properties[k]; !present {
			g.Properties[k] = v
		}
	}
	for k, v := range set {
		g.Properties[k] = v
	}
	s.groups[gk] = g
	return g, nil
}

// ──────────────────────────────────────────────────────────────────────────

func testTeam() *event.Team {
	return &event.Team{ID: 1, ProjectID: 10}
}

func TestGroupIdentifyUpsertsAndTagsEvent(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, 5, zaptest.NewLogger(t))
	ts := time.Now().UTC()

	ev := &event.PipelineEvent{
		Event:      EventGroupIdentify,
		DistinctID: "d",
		Properties: event.Properties{
			"$group_type":     "organization",
			"$group_key":      "acme",
			"$group_set":      map[string]any{"plan": "enterprise"},
			"$group_set_once": map[string]any{"founded": "2019"},
		},
	}
	changed, err := e.HandleEvent(context.Background(), ev, testTeam(), ts)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "acme", changed[0].Key)
	assert.Equal(t, 0, changed[0].TypeIndex)
	assert.Equal(t, "enterprise", changed[0].Properties["plan"])
	assert.Equal(t, "2019", changed[0].Properties["founded"])
	assert.Equal(t, "acme", ev.Properties["$group_0"])
}

func TestGroupIdentifySetOnceDoesNotOverwrite(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, 5, zaptest.NewLogger(t))
	ts := time.Now().UTC()
	ctx := context.Background()

	first := &event.PipelineEvent{Event: EventGroupIdentify, DistinctID: "d", Properties: event.Properties{
		"$group_type": "organization", "$group_key": "acme",
		"$group_set_once": map[string]any{"founded": "2019"},
	}}
	_, err := e.HandleEvent(ctx, first, testTeam(), ts)
	require.NoError(t, err)

	second := &event.PipelineEvent{Event: EventGroupIdentify, DistinctID: "d", Properties: event.Properties{
		"$group_type": "organization", "$group_key": "acme",
		"$group_set_once": map[string]any{"founded": "2025"},
		"$group_set":      map[string]any{"plan": "pro"},
	}}
	changed, err := e.HandleEvent(ctx, second, testTeam(), ts)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "2019", changed[0].Properties["founded"])
	assert.Equal(t, "pro", changed[0].Properties["plan"])
	assert.Equal(t, int64(1), changed[0].Version)
}

func TestGroupIdentifyMissingTypeOrKeyIsIgnored(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, 5, zaptest.NewLogger(t))
	ctx := context.Background()
	ts := time.Now().UTC()

	noType := &event.PipelineEvent{Event: EventGroupIdentify, DistinctID: "d", Properties: event.Properties{"$group_key": "acme"}}
	changed, err := e.HandleEvent(ctx, noType, testTeam(), ts)
	require.NoError(t, err)
	assert.Empty(t, changed)

	noKey := &event.PipelineEvent{Event: EventGroupIdentify, DistinctID: "d", Properties: event.Properties{"$group_type": "organization"}}
	changed, err = e.HandleEvent(ctx, noKey, testTeam(), ts)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, store.groups)
}

func TestGroupsBagAssignsIndexKeys(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, 5, zaptest.NewLogger(t))
	ts := time.Now().UTC()

	ev := &event.PipelineEvent{Event: "$pageview", DistinctID: "d", Properties: event.Properties{
		"$groups": map[string]any{"organization": "acme", "project": float64(42)},
	}}
	changed, err := e.HandleEvent(context.Background(), ev, testTeam(), ts)
	require.NoError(t, err)
	assert.Empty(t, changed)
	// Sorted by type name: organization → 0, project → 1. Numeric keys
	// coerce to strings.
	assert.Equal(t, "acme", ev.Properties["$group_0"])
	assert.Equal(t, "42", ev.Properties["$group_1"])
}

func TestGroupTypeCapSkipsNewTypes(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, 2, zaptest.NewLogger(t))
	ts := time.Now().UTC()
	ctx := context.Background()

	ev := &event.PipelineEvent{Event: "$pageview", DistinctID: "d", Properties: event.Properties{
		"$groups": map[string]any{"a": "1", "b": "2", "c": "3"},
	}}
	require.NoError(t, func() error { _, err := e.HandleEvent(ctx, ev, testTeam(), ts); return err }())
	assert.Equal(t, "1", ev.Properties["$group_0"])
	assert.Equal(t, "2", ev.Properties["$group_1"])
	assert.NotContains(t, ev.Properties, "$group_2")

	// A capped type on $groupidentify is a silent no-op.
	gi := &event.PipelineEvent{Event: EventGroupIdentify, DistinctID: "d", Properties: event.Properties{
		"$group_type": "c", "$group_key": "3",
	}}
	changed, err := e.HandleEvent(ctx, gi, testTeam(), ts)
	require.NoError(t, err)
	assert.Empty(t, changed)
}
