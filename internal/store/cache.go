package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"parking-sync-backend/internal/model"
)

const envelopeCacheKey = "envelope"

// cachedStore is a read-through cache in front of a slower backend. Since the
// service is the only writer, refreshing the entry on Set keeps it coherent.
type cachedStore struct {
	next  Store
	cache *cache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps next with an in-memory cache whose entries live for ttl.
func NewCachedStore(next Store, ttl time.Duration) Store {
	return &cachedStore{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (s *cachedStore) Get(ctx context.Context) (*model.StateEnvelope, error) {
	if v, found := s.cache.Get(envelopeCacheKey); found {
		return clone(v.(*model.StateEnvelope)), nil
	}
	env, err := s.next.Get(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(envelopeCacheKey, clone(env), s.ttl)
	return env, nil
}

func (s *cachedStore) Set(ctx context.Context, env *model.StateEnvelope) error {
	if err := s.next.Set(ctx, env); err != nil {
		s.cache.Delete(envelopeCacheKey)
		return err
	}
	s.cache.Set(envelopeCacheKey, clone(env), s.ttl)
	return nil
}
