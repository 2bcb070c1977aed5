package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arc-self/ingest-service/internal/event"
)

// PGStore reads teams from the relational store. The pipeline never
// writes this table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a pgx pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const teamColumns = `id, project_id, api_token, anonymize_ips, heatmaps_opt_in, person_processing_opt_out, ingested_event`

func (s *PGStore) TeamByID(ctx context.Context, id int64) (*event.Team, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM team WHERE id = $1`, id)
	return scanTeam(row)
}

func (s *PGStore) TeamByToken(ctx context.Context, token string) (*event.Team, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM team WHERE api_token = $1`, token)
	return scanTeam(row)
}

func scanTeam(row pgx.Row) (*event.Team, error) {
	var t event.Team
	err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.APIToken,
		&t.AnonymizeIPs,
		&t.HeatmapsOptIn,
		&t.PersonProcessingOptOut,
		&t.IngestedEvent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	return &t, nil
}
