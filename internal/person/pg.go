package person

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
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

// pgUUID adapts google/uuid values to the pgtype wire codec.
func pgUUID(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

const personColumns = `p.id, p.uuid, p.team_id, p.created_at, p.properties, p.is_identified, p.is_user_id, p.version, p.force_upgrade`

func scanPerson(row pgx.Row) (*event.Person, error) {
	var (
		p   event.Person
		pu  pgtype.UUID
	)
	err := row.Scan(&p.ID, &pu, &p.TeamID, &p.CreatedAt, &p.Properties, &p.IsIdentified, &p.IsUserID, &p.Version, &p.ForceUpgrade)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan person: %w", err)
	}
	p.UUID = uuid.UUID(pu.Bytes)
	if p.Properties == nil {
		p.Properties = event.Properties{}
	}
	return &p, nil
}

func (s *PGStore) PersonByDistinctID(ctx context.Context, teamID int64, distinctID string) (*event.Person, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+personColumns+`
		FROM person p
		JOIN person_distinct_id pdi ON pdi.person_id = p.id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = $2`,
		teamID, distinctID)
	return scanPerson(row)
}

func (s *PGStore) CreatePerson(ctx context.Context, p *event.Person, distinctID string) (*event.Person, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO person (uuid, team_id, created_at, properties, is_identified, version, force_upgrade)
		VALUES ($1, $2, $3, $4, $5, 0, false)
		RETURNING id`,
		pgUUID(p.UUID), p.TeamID, p.CreatedAt, p.Properties, p.IsIdentified).Scan(&id)
	if err != nil {
		return nil, false, classifyPGError("insert person", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO person_distinct_id (team_id, distinct_id, person_id, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (team_id, distinct_id) DO NOTHING`,
		p.TeamID, distinctID, id)
	if err != nil {
		return nil, false, classifyPGError("insert distinct id", err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the creation race: abandon our person row and hand back
		// whoever owns the mapping now.
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			return nil, false, fmt.Errorf("rollback: %w", err)
		}
		existing, err := s.PersonByDistinctID(ctx, p.TeamID, distinctID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			// Mapping was deleted between the conflict and the re-read
			// (merge in flight). Let the engine retry from the top.
			return nil, false, ErrConcurrentUpdate
		}
		return existing, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, classifyPGError("commit", err)
	}

	out := *p
	out.ID = id
	out.Version = 0
	return &out, true, nil
}

func (s *PGStore) UpdatePerson(ctx context.Context, p *event.Person, properties event.Properties, isIdentified bool) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE person
		SET properties = $1, is_identified = $2, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version`,
		properties, isIdentified, p.ID, p.Version).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConcurrentUpdate
	}
	if err != nil {
		return 0, classifyPGError("update person", err)
	}
	return version, nil
}

func (s *PGStore) AddDistinctID(ctx context.Context, teamID int64, distinctID string, personID int64) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO person_distinct_id (team_id, distinct_id, person_id, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (team_id, distinct_id) DO NOTHING`,
		teamID, distinctID, personID)
	if err != nil {
		return classifyPGError("insert distinct id", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *PGStore) MergePersons(ctx context.Context, survivor, loser *event.Person, properties event.Properties) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock both person rows in uuid order. Every merge takes its locks in
	// the same order regardless of which side survives, so two merges
	// touching the same persons cannot deadlock.
	rows, err := tx.Query(ctx, `
		SELECT id, version FROM person
		WHERE id = ANY($1)
		ORDER BY uuid
		FOR UPDATE`,
		[]int64{survivor.ID, loser.ID})
	if err != nil {
		return 0, classifyPGError("lock persons", err)
	}
	locked := map[int64]int64{}
	for rows.Next() {
		var id, version int64
		if err := rows.Scan(&id, &version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan lock row: %w", err)
		}
		locked[id] = version
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classifyPGError("lock persons", err)
	}

	if len(locked) != 2 || locked[survivor.ID] != survivor.Version || locked[loser.ID] != loser.Version {
		// One side vanished or moved since we read it; re-resolve upstream.
		return 0, ErrConcurrentUpdate
	}

	if _, err := tx.Exec(ctx, `
		UPDATE person_distinct_id
		SET person_id = $1, version = version + 1
		WHERE person_id = $2`,
		survivor.ID, loser.ID); err != nil {
		return 0, classifyPGError("reassign distinct ids", err)
	}

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE person
		SET properties = $1,
		    is_identified = true,
		    created_at = LEAST(created_at, $2),
		    version = version + 1
		WHERE id = $3
		RETURNING version`,
		properties, loser.CreatedAt, survivor.ID).Scan(&version)
	if err != nil {
		return 0, classifyPGError("update survivor", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM person WHERE id = $1`, loser.ID); err != nil {
		return 0, classifyPGError("delete loser", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPGError("commit merge", err)
	}
	return version, nil
}

// classifyPGError maps Postgres serialization failures and deadlocks onto
// ErrConcurrentUpdate so the engine retries them like any lost race.
func classifyPGError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConcurrentUpdate
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
