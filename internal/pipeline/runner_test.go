package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/ingest-service/internal/event"
	"github.com/arc-self/ingest-service/internal/group"
	"github.com/arc-self/ingest-service/internal/person"
	"github.com/arc-self/ingest-service/internal/producer"
	"github.com/arc-self/ingest-service/internal/team"
	"github.com/arc-self/ingest-service/internal/telemetry"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type captureEmitter struct {
	enriched   []*event.EnrichedEvent
	exceptions []*event.EnrichedEvent
	heatmaps   []event.HeatmapEvent
	warnings   []event.IngestionWarning
	persons    []*event.Person
	deleted    []*event.Person
	groups     []*event.Group
	dlq        [][]byte
}

func (c *captureEmitter) EmitEnriched(_ context.Context, ee *event.EnrichedEvent) *producer.Ack {
	c.enriched = append(c.enriched, ee)
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitException(_ context.Context, ee *event.EnrichedEvent) *producer.Ack {
	c.exceptions = append(c.exceptions, ee)
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitHeatmap(_ context.Context, he event.HeatmapEvent) *producer.Ack {
	c.heatmaps = append(c.heatmaps, he)
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitWarning(_ context.Context, w event.IngestionWarning) *producer.Ack {
	c.warnings = append(c.warnings, w)
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitPersonUpdate(_ context.Context, p *event.Person, deleted bool) *producer.Ack {
	if deleted {
		c.deleted = append(c.deleted, p)
	} else {
		c.persons = append(c.persons, p)
	}
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitGroupUpdate(_ context.Context, g *event.Group) *producer.Ack {
	c.groups = append(c.groups, g)
	return producer.SettledAck(nil)
}
func (c *captureEmitter) EmitToDLQ(_ context.Context, raw []byte, _ string) error {
	c.dlq = append(c.dlq, raw)
	return nil
}

func (c *captureEmitter) warningTypes() []string {
	out := make([]string, len(c.warnings))
	for i, w := range c.warnings {
		out[i] = w.Type
	}
	return out
}

type teamStore struct {
	teams []*event.Team
	err   error
}

func (s *teamStore) TeamByID(_ context.Context, id int64) (*event.Team, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, t := range s.teams {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}
func (s *teamStore) TeamByToken(_ context.Context, token string) (*event.Team, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, t := range s.teams {
		if t.APIToken == token {
			return t, nil
		}
	}
	return nil, nil
}

type personStore struct {
	nextID   int64
	persons  map[int64]*event.Person
	mappings map[string]int64
}

func newPersonStore() *personStore {
	return &personStore{persons: map[int64]*event.Person{}, mappings: map[string]int64{}}
}

func (s *personStore) PersonByDistinctID(_ context.Context, teamID int64, distinctID string) (*event.Person, error) {
	id, ok := s.mappings[fmt.Sprintf("%d:%s", teamID, distinctID)]
	if !ok {
		return nil, nil
	}
	p := *s.persons[id]
	return &p, nil
}
func (s *personStore) CreatePerson(_ context.Context, p *event.Person, distinctID string) (*event.Person, bool, error) {
	k := fmt.Sprintf("%d:%s", p.TeamID, distinctID)
	if existing, ok := s.mappings[k]; ok {
		out := *s.persons[existing]
		return &out, false, nil
	}
	s.nextID++
	stored := *p
	stored.ID = s.nextID
	s.persons[stored.ID] = &stored
	s.mappings[k] = stored.ID
	out := stored
	return &out, true, nil
}
func (s *personStore) UpdatePerson(_ context.Context, p *event.Person, properties event.Properties, isIdentified bool) (int64, error) {
	row := s.persons[p.ID]
	if row == nil || row.Version != p.Version {
		return 0, person.ErrConcurrentUpdate
	}
	row.Properties = properties
	row.IsIdentified = isIdentified
	row.Version++
	return row.Version, nil
}
func (s *personStore) AddDistinctID(_ context.Context, teamID int64, distinctID string, personID int64) error {
	k := fmt.Sprintf("%d:%s", teamID, distinctID)
	if _, ok := s.mappings[k]; ok {
		return person.ErrConcurrentUpdate
	}
	s.mappings[k] = personID
	return nil
}
func (s *personStore) MergePersons(_ context.Context, survivor, loser *event.Person, properties event.Properties) (int64, error) {
	srow := s.persons[survivor.ID]
	for k, id := range s.mappings {
		if id == loser.ID {
			s.mappings[k] = survivor.ID
		}
	}
	srow.Properties = properties
	srow.IsIdentified = true
	srow.Version++
	delete(s.persons, loser.ID)
	return srow.Version, nil
}

type groupStore struct {
	types  map[string]int
	groups map[string]*event.Group
}

func newGroupStore() *groupStore {
	return &groupStore{types: map[string]int{}, groups: map[string]*event.Group{}}
}

func (s *groupStore) TypeIndex(_ context.Context, _ int64, projectID int64, groupType string, maxTypes int) (int, error) {
	k := fmt.Sprintf("%d:%s", projectID, groupType)
	if idx, ok := s.types[k]; ok {
		return idx, nil
	}
	if len(s.types) >= maxTypes {
		return group.NoIndex, nil
	}
	idx := len(s.types)
	s.types[k] = idx
	return idx, nil
}
func (s *groupStore) UpsertGroup(_ context.Context, teamID int64, typeIndex int, key string, set, setOnce map[string]any, createdAt time.Time) (*event.Group, error) {
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

const testUUID = "11111111-1111-1111-1111-111111111111"

type runnerHarness struct {
	runner  *Runner
	emitter *captureEmitter
	teams   *teamStore
}

func newHarness(t *testing.T, teams ...*event.Team) *runnerHarness {
	if len(teams) == 0 {
		teams = []*event.Team{{ID: 1, ProjectID: 10, APIToken: "tok-1"}}
	}
	logger := zaptest.NewLogger(t)
	emitter := &captureEmitter{}
	ts := &teamStore{teams: teams}
	r := NewRunner(
		team.NewResolver(ts, time.Minute, logger),
		person.NewEngine(newPersonStore(), 5, logger),
		group.NewEngine(newGroupStore(), 5, logger),
		NewChain(nil, logger),
		emitter,
		telemetry.NewNopPipelineMetrics(),
		RunnerConfig{TimestampFutureTolerance: 23 * time.Hour},
		logger,
	)
	return &runnerHarness{runner: r, emitter: emitter, teams: ts}
}

func payload(t *testing.T, fields map[string]any) []byte {
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestRunnerAnonymousPageview(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{"$browser": "Firefox", "$set": map[string]any{"plan": "free"}},
	}))
	require.NoError(t, err)

	require.Len(t, h.emitter.enriched, 1)
	out := h.emitter.enriched[0]
	assert.Equal(t, testUUID, out.UUID)
	assert.Equal(t, int64(1), out.TeamID)
	assert.Equal(t, string(event.PersonModeFull), out.PersonMode)
	assert.JSONEq(t, `{"plan":"free"}`, out.PersonProperties)
	assert.NotEmpty(t, out.PersonID)

	// The new person is mirrored downstream, and every ack settled.
	require.Len(t, h.emitter.persons, 1)
	for _, ack := range res.Acks {
		require.NoError(t, ack.Wait(context.Background()))
	}
}

func TestRunnerMalformedPayloadDropsSilently(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), []byte(`{broken`))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.enriched)
	assert.Empty(t, h.emitter.warnings)
	// Unexpected garbage keeps an audit copy.
	assert.Len(t, h.emitter.dlq, 1)
}

func TestRunnerInvalidTokenDrops(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "e", "distinct_id": "d", "token": "bogus",
	}))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.enriched)
	assert.Len(t, h.emitter.dlq, 1)
}

func TestRunnerInvalidUUIDDropsWithWarning(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": "not-a-uuid", "event": "e", "distinct_id": "d", "token": "tok-1",
	}))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.enriched)
	assert.Contains(t, h.emitter.warningTypes(), WarnInvalidEventUUID)
}

func TestRunnerCookielessDrops(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": CookielessSentinel, "token": "tok-1",
	}))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.enriched)
	assert.Empty(t, h.emitter.persons)
	// Cookieless filtering is expected traffic, never dead-lettered.
	assert.Empty(t, h.emitter.dlq)
}

func TestRunnerHeatmapFastPath(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": EventHeatmap, "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{
			"$session_id": "sess-1",
			"$heatmap_data": map[string]any{
				"https://example.com/": []any{
					map[string]any{"x": float64(10), "y": float64(20), "type": "click"},
				},
			},
		},
	}))
	require.NoError(t, err)
	require.Len(t, h.emitter.heatmaps, 1)
	assert.Equal(t, "https://example.com/", h.emitter.heatmaps[0].CurrentURL)
	// Fast path: no enriched record, no person resolution.
	assert.Empty(t, h.emitter.enriched)
	assert.Empty(t, h.emitter.persons)
}

func TestRunnerHeatmapOptOutSuppressesEmission(t *testing.T) {
	optOut := false
	h := newHarness(t, &event.Team{ID: 1, ProjectID: 10, APIToken: "tok-1", HeatmapsOptIn: &optOut})
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": EventHeatmap, "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{
			"$heatmap_data": map[string]any{
				"https://example.com/": []any{map[string]any{"x": float64(1), "y": float64(2), "type": "click"}},
			},
		},
	}))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.heatmaps)
}

func TestRunnerInvalidHeatmapDataWarnsButContinues(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{"$heatmap_data": "garbage"},
	}))
	require.NoError(t, err)
	assert.Contains(t, h.emitter.warningTypes(), WarnInvalidHeatmapData)
	// The event itself still produces, without the bad key.
	require.Len(t, h.emitter.enriched, 1)
	assert.NotContains(t, h.emitter.enriched[0].Properties, "$heatmap_data")
}

func TestRunnerPersonProcessingDisabled(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{
			"$process_person_profile": false,
			"$set":                    map[string]any{"plan": "free"},
			"$browser":                "Firefox",
		},
	}))
	require.NoError(t, err)
	require.Len(t, h.emitter.enriched, 1)
	out := h.emitter.enriched[0]
	assert.Equal(t, string(event.PersonModePropertyless), out.PersonMode)
	assert.Equal(t, "{}", out.PersonProperties)
	assert.Empty(t, out.PersonID)
	assert.Empty(t, h.emitter.persons)

	var props map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Properties), &props))
	assert.NotContains(t, props, "$set")
	assert.Contains(t, props, "$browser")
}

func TestRunnerRestrictedEventDrops(t *testing.T) {
	h := newHarness(t, &event.Team{ID: 1, ProjectID: 10, APIToken: "tok-1", PersonProcessingOptOut: true})
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$identify", "distinct_id": "u", "token": "tok-1",
		"properties": map[string]any{"$anon_distinct_id": "a"},
	}))
	require.NoError(t, err)
	assert.Empty(t, h.emitter.enriched)
	assert.Empty(t, h.emitter.persons)
	assert.Empty(t, h.emitter.dlq)
}

func TestRunnerIdentifyMergesAndMirrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.Run(ctx, payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": "anon-1", "token": "tok-1",
	}))
	require.NoError(t, err)
	_, err = h.runner.Run(ctx, payload(t, map[string]any{
		"uuid": "22222222-2222-2222-2222-222222222222", "event": "$identify",
		"distinct_id": "user@example.com", "token": "tok-1",
		"properties": map[string]any{"$anon_distinct_id": "anon-1"},
	}))
	require.NoError(t, err)

	require.Len(t, h.emitter.enriched, 2)
	identified := h.emitter.enriched[1]
	assert.Equal(t, string(event.PersonModeFull), identified.PersonMode)
	assert.Equal(t, h.emitter.enriched[0].PersonID, identified.PersonID)
}

func TestRunnerGroupIdentifyMirrorsGroup(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": group.EventGroupIdentify, "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{
			"$group_type": "organization", "$group_key": "acme",
			"$group_set": map[string]any{"plan": "enterprise"},
		},
	}))
	require.NoError(t, err)
	require.Len(t, h.emitter.groups, 1)
	assert.Equal(t, "acme", h.emitter.groups[0].Key)
	require.Len(t, h.emitter.enriched, 1)

	var props map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.emitter.enriched[0].Properties), &props))
	assert.Equal(t, "acme", props["$group_0"])
}

func TestRunnerExceptionRouting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.Run(ctx, payload(t, map[string]any{
		"uuid": testUUID, "event": "$exception", "distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{"$exception_type": "TypeError"},
	}))
	require.NoError(t, err)
	assert.Len(t, h.emitter.exceptions, 1)
	assert.Empty(t, h.emitter.enriched)

	// Already symbolicated upstream: goes to the main topic.
	_, err = h.runner.Run(ctx, payload(t, map[string]any{
		"uuid": "22222222-2222-2222-2222-222222222222", "event": "$exception",
		"distinct_id": "d1", "token": "tok-1",
		"properties": map[string]any{"$sentry_event_id": "abc"},
	}))
	require.NoError(t, err)
	assert.Len(t, h.emitter.exceptions, 1)
	assert.Len(t, h.emitter.enriched, 1)
}

func TestRunnerTransformationDrop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	emitter := &captureEmitter{}
	r := NewRunner(
		team.NewResolver(&teamStore{teams: []*event.Team{{ID: 1, ProjectID: 10, APIToken: "tok-1"}}}, time.Minute, logger),
		person.NewEngine(newPersonStore(), 5, logger),
		group.NewEngine(newGroupStore(), 5, logger),
		NewChain(map[int64][]Transformation{1: {&EventFilter{Events: []string{"spam"}}}}, logger),
		emitter,
		telemetry.NewNopPipelineMetrics(),
		RunnerConfig{},
		logger,
	)
	_, err := r.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "spam", "distinct_id": "d1", "token": "tok-1",
	}))
	require.NoError(t, err)
	assert.Empty(t, emitter.enriched)
	assert.Empty(t, emitter.dlq)
}

func TestRunnerSkipTokensDisablePersonProcessing(t *testing.T) {
	logger := zaptest.NewLogger(t)
	emitter := &captureEmitter{}
	r := NewRunner(
		team.NewResolver(&teamStore{teams: []*event.Team{{ID: 1, ProjectID: 10, APIToken: "tok-1"}}}, time.Minute, logger),
		person.NewEngine(newPersonStore(), 5, logger),
		group.NewEngine(newGroupStore(), 5, logger),
		NewChain(nil, logger),
		emitter,
		telemetry.NewNopPipelineMetrics(),
		RunnerConfig{SkipTokens: map[string][]string{"tok-1": {"*"}}},
		logger,
	)
	_, err := r.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "$pageview", "distinct_id": "anybody", "token": "tok-1",
	}))
	require.NoError(t, err)
	require.Len(t, emitter.enriched, 1)
	assert.Equal(t, string(event.PersonModePropertyless), emitter.enriched[0].PersonMode)
	assert.Empty(t, emitter.persons)
}

func TestRunnerStoreFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.teams.err = errors.New("connection refused")
	_, err := h.runner.Run(context.Background(), payload(t, map[string]any{
		"uuid": testUUID, "event": "e", "distinct_id": "d", "token": "tok-1",
	}))
	require.Error(t, err)
	assert.True(t, Retryable(err))

	// Test UUID constant stays parseable.
	_, perr := uuid.Parse(testUUID)
	require.NoError(t, perr)
}
