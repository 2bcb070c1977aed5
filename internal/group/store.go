// Package group resolves group-type indices and upserts group rows on
// $groupidentify. A team registers at most a fixed number of group types;
// requests past the cap resolve to "no index" and are skipped.
package group

import (
	"context"
	"time"

	"github.com/arc-self/ingest-service/internal/event"
)

// NoIndex is returned by TypeIndex when the team is at its group-type cap
// and the requested type is not already registered.
const NoIndex = -1

// Store is the persistence layer for groups and group-type mappings.
type Store interface {
	// TypeIndex resolves the index for (projectID, groupType), creating
	// the mapping when the project is under maxTypes. Returns NoIndex
	// when the cap is reached.
	TypeIndex(ctx context.Context, teamID, projectID int64, groupType string, maxTypes int) (int, error)

	// UpsertGroup inserts or updates the group row, applying set
	// (overwrite) and setOnce (fill absent) to the stored properties and
	// bumping the version. createdAt is used only on insert.
	UpsertGroup(ctx context.Context, teamID int64, typeIndex int, key string, set, setOnce map[string]any, createdAt time.Time) (*event.Group, error)
}
