// Package person implements identity resolution: distinct-id → person
// lookup, person creation, property mutation, and merges. All store
// mutations are version-guarded so concurrent producers converge instead
// of clobbering each other.
package person

import (
	"context"
	"errors"

	"github.com/arc-self/ingest-service/internal/event"
)

// ErrConcurrentUpdate is returned by Store mutations that lost a race: a
// version guard missed, a distinct-id mapping appeared underneath us, or
// Postgres reported a serialization failure. The engine re-reads and
// retries a bounded number of times.
var ErrConcurrentUpdate = errors.New("person: concurrent update")

// ErrUpdateConflict is returned by the engine when the retry budget is
// exhausted. The caller treats it as retryable at batch granularity.
var ErrUpdateConflict = errors.New("person: update conflict, retries exhausted")

// Store is the transactional persistence layer for persons and their
// distinct-id mappings.
type Store interface {
	// PersonByDistinctID resolves the current mapping for
	// (teamID, distinctID). Returns (nil, nil) when unmapped.
	PersonByDistinctID(ctx context.Context, teamID int64, distinctID string) (*event.Person, error)

	// CreatePerson inserts p together with its first distinct-id mapping.
	// If the mapping already exists the insert is abandoned and the
	// existing person is returned with created=false, so concurrent
	// creations converge to a single person.
	CreatePerson(ctx context.Context, p *event.Person, distinctID string) (created *event.Person, wasCreated bool, err error)

	// UpdatePerson writes a new property map and identified flag, guarded
	// by p.Version. Returns the bumped version, or ErrConcurrentUpdate if
	// the row moved.
	UpdatePerson(ctx context.Context, p *event.Person, properties event.Properties, isIdentified bool) (int64, error)

	// AddDistinctID maps distinctID to personID. ErrConcurrentUpdate if
	// the mapping already exists (possibly pointing elsewhere).
	AddDistinctID(ctx context.Context, teamID int64, distinctID string, personID int64) error

	// MergePersons reassigns every distinct-id of loser to survivor,
	// writes the merged property map, bumps versions, and deletes loser —
	// all in one transaction with the person rows locked in deterministic
	// (uuid) order. Returns the survivor's new version.
	MergePersons(ctx context.Context, survivor, loser *event.Person, properties event.Properties) (int64, error)
}

// Change records a person mutation that must be mirrored downstream.
type Change struct {
	Person  *event.Person
	Deleted bool
}

// Snapshot is the identity state attached to an enriched event: the
// resolved person with properties as of after the current event's $set.
type Snapshot struct {
	Person *event.Person
	Mode   event.PersonMode
}
