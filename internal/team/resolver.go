// Package team resolves the tenant owning an event, by numeric id or by
// API token, with a short-TTL in-memory cache in front of Postgres.
package team

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arc-self/ingest-service/internal/event"
)

// Store is the persistence layer behind the resolver. Implementations
// return (nil, nil) when no team matches.
type Store interface {
	TeamByID(ctx context.Context, id int64) (*event.Team, error)
	TeamByToken(ctx context.Context, token string) (*event.Team, error)
}

type cacheEntry struct {
	team    *event.Team // nil entries cache "not found"
	expires time.Time
}

// Resolver caches team lookups by both id and token. Refreshes are
// single-flight per key so a cache miss under load issues one query.
type Resolver struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	byID    map[int64]cacheEntry
	byToken map[string]cacheEntry
	sf      singleflight.Group
	now     func() time.Time
}

// NewResolver constructs a Resolver. ttl defaults to 30s if zero.
func NewResolver(store Store, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		byID:    make(map[int64]cacheEntry),
		byToken: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Resolve finds the team for an event: numeric team id takes precedence,
// then API token. Returns (nil, nil) when neither resolves.
func (r *Resolver) Resolve(ctx context.Context, token string, teamID *int64) (*event.Team, error) {
	if teamID != nil {
		return r.ByID(ctx, *teamID)
	}
	if token != "" {
		return r.ByToken(ctx, token)
	}
	return nil, nil
}

// ByID looks up a team by numeric id.
func (r *Resolver) ByID(ctx context.Context, id int64) (*event.Team, error) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.team, nil
	}

	v, err, _ := r.sf.Do("id:"+strconv.FormatInt(id, 10), func() (any, error) {
		t, err := r.store.TeamByID(ctx, id)
		if err != nil {
			return nil, err
		}
		r.put(t, id, "")
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*event.Team), nil
}

// ByToken looks up a team by API token. Tokens containing NUL bytes come
// from corrupted payloads and always miss: Postgres rejects NUL in text
// values, so passing them through would fail the query instead.
func (r *Resolver) ByToken(ctx context.Context, token string) (*event.Team, error) {
	if token == "" || strings.ContainsRune(token, 0) {
		return nil, nil
	}

	r.mu.RLock()
	entry, ok := r.byToken[token]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.team, nil
	}

	v, err, _ := r.sf.Do("token:"+token, func() (any, error) {
		t, err := r.store.TeamByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		r.put(t, 0, token)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*event.Team), nil
}

// put stores a lookup result under both keys when the team is known, or
// under the queried key only for negative results.
func (r *Resolver) put(t *event.Team, id int64, token string) {
	entry := cacheEntry{team: t, expires: r.now().Add(r.ttl)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t != nil {
		r.byID[t.ID] = entry
		r.byToken[t.APIToken] = entry
		return
	}
	if token != "" {
		r.byToken[token] = entry
	} else {
		r.byID[id] = entry
	}
}
