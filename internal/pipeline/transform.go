package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
)

// Transformation is a user-configured event mutation. Returning
// (nil, nil) drops the event; an error leaves the pre-transform event
// untouched and the chain continues.
type Transformation interface {
	Name() string
	Apply(ctx context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error)
}

// Chain runs the transformations configured for an event's team.
type Chain struct {
	byTeam map[int64][]Transformation
	logger *zap.Logger
}

// NewChain builds a Chain from per-team transformation lists.
func NewChain(byTeam map[int64][]Transformation, logger *zap.Logger) *Chain {
	if byTeam == nil {
		byTeam = map[int64][]Transformation{}
	}
	return &Chain{byTeam: byTeam, logger: logger}
}

// Run applies the team's transformations in order. dropped is true when a
// transformation returned nil for the event.
func (c *Chain) Run(ctx context.Context, ev *event.PipelineEvent, teamID int64) (out *event.PipelineEvent, dropped bool) {
	out = ev
	for _, t := range c.byTeam[teamID] {
		next, err := t.Apply(ctx, out)
		if err != nil {
			// Transformation failures never abort the event.
			c.logger.Warn("transformation failed",
				zap.String("transformation", t.Name()),
				zap.Int64("team_id", teamID),
				zap.String("event_uuid", out.UUID),
				zap.Error(err),
			)
			continue
		}
		if next == nil {
			return nil, true
		}
		out = next
	}
	return out, false
}

// ── built-in transformations ──────────────────────────────────────────────

// PropertyFilter removes the configured property keys.
type PropertyFilter struct {
	Keys []string
}

func (f *PropertyFilter) Name() string { return "property-filter" }

func (f *PropertyFilter) Apply(_ context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
	for _, k := range f.Keys {
		delete(ev.Properties, k)
	}
	return ev, nil
}

// EventFilter drops events whose name is in the configured list.
type EventFilter struct {
	Events []string
}

func (f *EventFilter) Name() string { return "event-filter" }

func (f *EventFilter) Apply(_ context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
	for _, name := range f.Events {
		if ev.Event == name {
			return nil, nil
		}
	}
	return ev, nil
}

// pluginConfig mirrors the relevant columns of posthog_pluginconfig.
type pluginConfig struct {
	TeamID int64
	Type   string
	Config json.RawMessage
}

// LoadChain reads enabled rows from posthog_pluginconfig and materializes
// the built-in transformations they configure. Unknown types are logged
// and skipped so a new plugin kind never wedges ingestion.
func LoadChain(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Chain, error) {
	rows, err := pool.Query(ctx, `
		SELECT team_id, plugin_type, config
		FROM posthog_pluginconfig
		WHERE enabled = true
		ORDER BY team_id, execution_order`)
	if err != nil {
		return nil, fmt.Errorf("load plugin configs: %w", err)
	}
	defer rows.Close()

	byTeam := map[int64][]Transformation{}
	for rows.Next() {
		var pc pluginConfig
		if err := rows.Scan(&pc.TeamID, &pc.Type, &pc.Config); err != nil {
			return nil, fmt.Errorf("scan plugin config: %w", err)
		}
		t, err := buildTransformation(pc)
		if err != nil {
			logger.Warn("skipping unusable plugin config",
				zap.Int64("team_id", pc.TeamID),
				zap.String("type", pc.Type),
				zap.Error(err),
			)
			continue
		}
		byTeam[pc.TeamID] = append(byTeam[pc.TeamID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugin configs: %w", err)
	}
	return NewChain(byTeam, logger), nil
}

func buildTransformation(pc pluginConfig) (Transformation, error) {
	switch pc.Type {
	case "property-filter":
		var cfg struct {
			Properties []string `json:"properties"`
		}
		if err := json.Unmarshal(pc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("property-filter config: %w", err)
		}
		return &PropertyFilter{Keys: cfg.Properties}, nil
	case "event-filter":
		var cfg struct {
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(pc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("event-filter config: %w", err)
		}
		return &EventFilter{Events: cfg.Events}, nil
	default:
		return nil, fmt.Errorf("unknown plugin type %q", pc.Type)
	}
}
