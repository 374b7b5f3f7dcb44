package school

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"schooladmin/internal/logging"
)

type rosterStore interface {
	ListClassStudents(ctx context.Context, classID string) ([]Student, error)
}

// RosterResolver returns the authoritative set of student ids enrolled in
// a class. No status filter is applied here: attendance is validated
// against everyone assigned to the class, while consent fan-out filters
// to active students separately.
type RosterResolver struct {
	store rosterStore
	cache *redis.Client
	ttl   time.Duration
}

// NewRosterResolver creates a resolver. cache may be nil to disable caching.
func NewRosterResolver(store rosterStore, cache *redis.Client, ttl time.Duration) *RosterResolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RosterResolver{store: store, cache: cache, ttl: ttl}
}

func rosterKey(classID string) string { return "roster:" + classID }

// Resolve returns the student ids for the class, consulting the Redis
// cache first.
func (r *RosterResolver) Resolve(ctx context.Context, classID string) ([]string, error) {
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, rosterKey(classID)).Result(); err == nil {
			var ids []string
			if err := json.Unmarshal([]byte(raw), &ids); err == nil {
				return ids, nil
			}
		}
	}

	students, err := r.store.ListClassStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(students))
	for _, s := range students {
		ids = append(ids, s.ID)
	}

	if r.cache != nil {
		if raw, err := json.Marshal(ids); err == nil {
			if err := r.cache.Set(ctx, rosterKey(classID), raw, r.ttl).Err(); err != nil {
				logging.Log.WithError(err).Debug("roster cache set failed")
			}
		}
	}
	return ids, nil
}
