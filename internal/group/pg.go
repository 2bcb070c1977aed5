package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arc-self/ingest-service/internal/event"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) TypeIndex(ctx context.Context, teamID, projectID int64, groupType string, maxTypes int) (int, error) {
	var index int
	err := s.pool.QueryRow(ctx, `
		SELECT group_type_index FROM group_type_mapping
		WHERE project_id = $1 AND group_type = $2`,
		projectID, groupType).Scan(&index)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return NoIndex, fmt.Errorf("select group type: %w", err)
	}

	// Not registered yet: allocate the next index under a lock on the
	// project's existing mappings so two writers cannot claim the same
	// slot.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NoIndex, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT group_type, group_type_index FROM group_type_mapping
		WHERE project_id = $1
		ORDER BY group_type_index
		FOR UPDATE`,
		projectID)
	if err != nil {
		return NoIndex, fmt.Errorf("lock group types: %w", err)
	}
	next := 0
	for rows.Next() {
		var name string
		var idx int
		if err := rows.Scan(&name, &idx); err != nil {
			rows.Close()
			return NoIndex, fmt.Errorf("scan group type: %w", err)
		}
		if name == groupType {
			// Raced with another writer who registered it first.
			rows.Close()
			return idx, tx.Commit(ctx)
		}
		if idx >= next {
			next = idx + 1
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return NoIndex, fmt.Errorf("iterate group types: %w", err)
	}

	if next >= maxTypes {
		return NoIndex, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO group_type_mapping (team_id, project_id, group_type, group_type_index)
		VALUES ($1, $2, $3, $4)`,
		teamID, projectID, groupType, next); err != nil {
		return NoIndex, fmt.Errorf("insert group type: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return NoIndex, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *PGStore) UpsertGroup(ctx context.Context, teamID int64, typeIndex int, key string, set, setOnce map[string]any, createdAt time.Time) (*event.Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	g := event.Group{
		TeamID:    teamID,
		TypeIndex: typeIndex,
		Key:       key,
	}
	var existing event.Properties
	err = tx.QueryRow(ctx, `
		SELECT group_properties, created_at, version FROM "group"
		WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3
		FOR UPDATE`,
		teamID, typeIndex, key).Scan(&existing, &g.CreatedAt, &g.Version)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		g.CreatedAt = createdAt
		g.Properties = applyGroupMutations(event.Properties{}, set, setOnce)
		err = tx.QueryRow(ctx, `
			INSERT INTO "group" (team_id, group_type_index, group_key, group_properties, created_at, version)
			VALUES ($1, $2, $3, $4, $5, 0)
			RETURNING version`,
			teamID, typeIndex, key, g.Properties, g.CreatedAt).Scan(&g.Version)
		if err != nil {
			return nil, fmt.Errorf("insert group: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("select group: %w", err)
	default:
		g.Properties = applyGroupMutations(existing, set, setOnce)
		err = tx.QueryRow(ctx, `
			UPDATE "group"
			SET group_properties = $1, version = version + 1
			WHERE team_id = $2 AND group_type_index = $3 AND group_key = $4
			RETURNING version`,
			g.Properties, teamID, typeIndex, key).Scan(&g.Version)
		if err != nil {
			return nil, fmt.Errorf("update group: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &g, nil
}

// applyGroupMutations applies $group_set_once (fill) then $group_set
// (overwrite) to a property map.
func applyGroupMutations(current event.Properties, set, setOnce map[string]any) event.Properties {
	out := current.Copy()
	for k, v := range setOnce {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}
