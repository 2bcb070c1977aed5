package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
	"github.com/arc-self/ingest-service/internal/group"
	"github.com/arc-self/ingest-service/internal/person"
	"github.com/arc-self/ingest-service/internal/producer"
	"github.com/arc-self/ingest-service/internal/team"
	"github.com/arc-self/ingest-service/internal/telemetry"
)

// EventException is routed to the symbolification topic when it carries
// no upstream Sentry reference.
const EventException = "$exception"

// RunnerConfig carries the per-event tunables.
type RunnerConfig struct {
	TimestampFutureTolerance time.Duration

	// SkipTokens force-disables person processing for the listed
	// distinct ids of a token ("*" matches every distinct id).
	SkipTokens map[string][]string
}

// Result is the terminal outcome of one event. Acks are the completion
// handles of every side-effect write; the consumer awaits them all
// before committing offsets.
type Result struct {
	Acks []*producer.Ack
}

// Runner drives a raw payload through the per-event state machine:
// decode, team resolution, validation, normalization, the heatmap fast
// path, transformations, AI enrichment, identity and group resolution,
// assembly, and production.
//
// Run returns a nil error for both produced and dropped events (drops
// are counted and optionally warned, never retried). A non-nil error is
// retryable at batch granularity.
type Runner struct {
	teams      *team.Resolver
	persons    *person.Engine
	groups     *group.Engine
	transforms *Chain
	emitter    producer.Emitter
	metrics    *telemetry.PipelineMetrics
	cfg        RunnerConfig
	logger     *zap.Logger

	now func() time.Time
}

// NewRunner wires the pipeline stages together.
func NewRunner(
	teams *team.Resolver,
	persons *person.Engine,
	groups *group.Engine,
	transforms *Chain,
	emitter producer.Emitter,
	metrics *telemetry.PipelineMetrics,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		teams:      teams,
		persons:    persons,
		groups:     groups,
		transforms: transforms,
		emitter:    emitter,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run processes one raw payload to a terminal state.
func (r *Runner) Run(ctx context.Context, raw []byte) (Result, error) {
	var res Result
	err := r.run(ctx, raw, &res)
	if err == nil {
		return res, nil
	}
	if drop, ok := AsDrop(err); ok {
		r.recordDrop(ctx, raw, drop, &res)
		return res, nil
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, raw []byte, res *Result) error {
	now := r.now()

	// ── Decoded ───────────────────────────────────────────────────────
	ev, err := event.DecodeEvent(raw)
	if err != nil {
		return &DropError{Cause: DropMalformed, Details: map[string]any{"error": err.Error()}}
	}

	// ── TeamResolved ──────────────────────────────────────────────────
	t, err := r.teams.Resolve(ctx, ev.Token, ev.TeamID)
	if err != nil {
		return &RetryableError{Op: "resolve team", Err: err}
	}
	if t == nil {
		return &DropError{Cause: DropInvalidToken}
	}

	// ── Validated ─────────────────────────────────────────────────────
	if _, err := uuid.Parse(ev.UUID); err != nil {
		return &DropError{
			Cause:   DropInvalidEventUUID,
			Warning: WarnInvalidEventUUID,
			Details: map[string]any{"team_id": t.ID, "uuid": ev.UUID},
		}
	}
	if ev.DistinctID == CookielessSentinel {
		return &DropError{Cause: DropCookieless, DoNotSendToDLQ: true}
	}

	ev.Event = SanitizeEventName(ev.Event)
	if ev.Event == "" {
		return &DropError{Cause: DropMalformed, Details: map[string]any{"error": "event name empty after sanitization"}}
	}

	ts, tsWarnings := ResolveTimestamp(ev, now, r.cfg.TimestampFutureTolerance)
	for _, w := range tsWarnings {
		res.Acks = append(res.Acks, r.emitter.EmitWarning(ctx, event.NewIngestionWarning(t.ID, w.Type, w.Details, now)))
	}

	// ── HeatmapFastPath ───────────────────────────────────────────────
	// $$heatmap events carry nothing but heatmap data: extract, emit,
	// done. No identity, no groups, no enriched record.
	if ev.Event == EventHeatmap {
		r.extractHeatmaps(ctx, ev, t, ts, now, res)
		return nil
	}

	// ── Person-processing decision ────────────────────────────────────
	decision, err := DecidePersonProcessing(ev, t, r.cfg.SkipTokens)
	for _, w := range decision.Warnings {
		res.Acks = append(res.Acks, r.emitter.EmitWarning(ctx, event.NewIngestionWarning(t.ID, w.Type, w.Details, now)))
	}
	if err != nil {
		return err
	}
	if !decision.Enabled {
		StripPersonProperties(ev.Properties)
	}

	// ── Transformed ───────────────────────────────────────────────────
	ev, dropped := r.transforms.Run(ctx, ev, t.ID)
	if dropped {
		return &DropError{Cause: DropTransformation, DoNotSendToDLQ: true}
	}

	// ── AIEnriched ────────────────────────────────────────────────────
	ProcessAIEvent(ev, r.logger)

	// ── PersonResolved ────────────────────────────────────────────────
	var snapshot *person.Snapshot
	if decision.Enabled {
		snap, changes, err := r.persons.HandleEvent(ctx, ev, t.ID, ts)
		if err != nil {
			return &RetryableError{Op: "resolve person", Err: err}
		}
		snapshot = snap
		for _, change := range changes {
			if change.Deleted {
				r.metrics.PersonsMerged(ctx)
			}
			res.Acks = append(res.Acks, r.emitter.EmitPersonUpdate(ctx, change.Person, change.Deleted))
		}
	}

	// ── GroupsResolved ────────────────────────────────────────────────
	if decision.Enabled {
		changedGroups, err := r.groups.HandleEvent(ctx, ev, t, ts)
		if err != nil {
			return &RetryableError{Op: "resolve groups", Err: err}
		}
		for _, g := range changedGroups {
			res.Acks = append(res.Acks, r.emitter.EmitGroupUpdate(ctx, g))
		}
	}

	// Heatmap data riding on a regular event is split off before
	// assembly; the team opt-out only suppresses emission, the property
	// is always removed.
	r.extractHeatmaps(ctx, ev, t, ts, now, res)

	// ── Assembled ─────────────────────────────────────────────────────
	enriched, err := AssembleEnrichedEvent(ev, t, snapshot, ts, now, r.logger)
	if err != nil {
		return &RetryableError{Op: "assemble event", Err: err}
	}

	// ── Produced ──────────────────────────────────────────────────────
	if ev.Event == EventException {
		if _, hasSentry := ev.Properties.String("$sentry_event_id"); !hasSentry {
			res.Acks = append(res.Acks, r.emitter.EmitException(ctx, enriched))
			return nil
		}
	}
	res.Acks = append(res.Acks, r.emitter.EmitEnriched(ctx, enriched))
	return nil
}

// extractHeatmaps splits $heatmap_data off ev, emitting one record per
// coordinate when the team has heatmaps enabled. Extraction errors warn
// and never abort the event.
func (r *Runner) extractHeatmaps(ctx context.Context, ev *event.PipelineEvent, t *event.Team, ts, now time.Time, res *Result) {
	heatmaps, err := ExtractHeatmapEvents(ev, t.ID, ts)
	if err != nil {
		r.metrics.EventDropped(ctx, ev.Event, string(DropInvalidHeatmapData))
		res.Acks = append(res.Acks, r.emitter.EmitWarning(ctx, event.NewIngestionWarning(
			t.ID, WarnInvalidHeatmapData,
			map[string]any{"event_uuid": ev.UUID, "error": err.Error()},
			now,
		)))
		return
	}
	if !t.HeatmapsEnabled() {
		return
	}
	for _, he := range heatmaps {
		res.Acks = append(res.Acks, r.emitter.EmitHeatmap(ctx, he))
	}
}

// recordDrop counts a terminal drop, queues its warning when the cause
// is warning-classified, and dead-letters the raw payload unless the
// drop is expected under normal operation.
func (r *Runner) recordDrop(ctx context.Context, raw []byte, drop *DropError, res *Result) {
	eventType := "unknown"
	teamID := int64(0)
	if ev, err := event.DecodeEvent(raw); err == nil {
		eventType = ev.Event
	}
	if tid, ok := drop.Details["team_id"].(int64); ok {
		teamID = tid
	}

	r.metrics.EventDropped(ctx, eventType, string(drop.Cause))
	r.logger.Debug("event dropped",
		zap.String("drop_cause", string(drop.Cause)),
		zap.String("event_type", eventType),
		zap.Bool("do_not_send_to_dlq", drop.DoNotSendToDLQ),
	)

	if drop.Warning != "" {
		res.Acks = append(res.Acks, r.emitter.EmitWarning(ctx, event.NewIngestionWarning(teamID, drop.Warning, drop.Details, r.now())))
	}

	if !drop.DoNotSendToDLQ {
		if err := r.emitter.EmitToDLQ(ctx, raw, string(drop.Cause)); err != nil {
			// The drop itself is already terminal; a sick DLQ only costs
			// us the audit copy.
			r.logger.Error("failed to dead-letter dropped event",
				zap.String("drop_cause", string(drop.Cause)),
				zap.Error(err),
			)
		}
	}
}
