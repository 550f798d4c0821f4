package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/tuition-billing-api/pkg/bkash"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

const bkashTokenKey = "bkash:token"

type jsonCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BkashTokenStore shares the gateway token between API instances through the cache.
type BkashTokenStore struct {
	cache jsonCache
	now   func() time.Time
}

// NewBkashTokenStore wraps a cache as a bkash.TokenStore.
func NewBkashTokenStore(cache jsonCache) *BkashTokenStore {
	return &BkashTokenStore{cache: cache, now: time.Now}
}

var _ bkash.TokenStore = (*BkashTokenStore)(nil)

// Load returns the shared token, or nil when none is cached.
func (s *BkashTokenStore) Load(ctx context.Context) (*bkash.Token, error) {
	var token bkash.Token
	if err := s.cache.Get(ctx, bkashTokenKey, &token); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// Save caches the token until it expires.
func (s *BkashTokenStore) Save(ctx context.Context, token bkash.Token) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.cache.Delete(ctx, bkashTokenKey)
	}
	return s.cache.Set(ctx, bkashTokenKey, token, ttl)
}

// Clear drops the shared token.
func (s *BkashTokenStore) Clear(ctx context.Context) error {
	return s.cache.Delete(ctx, bkashTokenKey)
}
