package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/tuition-billing-api/internal/models"
	appErrors "github.com/noah-isme/tuition-billing-api/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type cacheMetrics interface {
	RecordCacheOperation(hit bool, duration time.Duration)
	ObserveCacheWrite(duration time.Duration)
}

// CacheService orchestrates cache operations and related metrics.
type CacheService struct {
	repo       CacheRepository
	metrics    cacheMetrics
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics cacheMetrics, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: nopLogger(logger), enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get attempts to retrieve a cached entry. It returns true when the cache was hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	duration := time.Since(start)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(false, duration)
		}
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(true, duration)
	}
	return true, nil
}

// Set stores the value in cache.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	if s.metrics != nil {
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Invalidate removes cached values for the provided pattern.
func (s *CacheService) Invalidate(ctx context.Context, pattern string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("pattern", pattern), zap.Error(err))
		return err
	}
	return nil
}

// CachedFeeSchedules serves batch fee schedules from Redis, falling back to the store.
// Cache failures never fail a quote.
type CachedFeeSchedules struct {
	next  feeScheduleReader
	cache *CacheService
	ttl   time.Duration
}

// NewCachedFeeSchedules wraps next with the cache.
func NewCachedFeeSchedules(next feeScheduleReader, cache *CacheService, ttl time.Duration) *CachedFeeSchedules {
	return &CachedFeeSchedules{next: next, cache: cache, ttl: ttl}
}

func feeScheduleKey(batchID string) string {
	return "fees:batch:" + batchID
}

// FindFeeSchedule returns the cached schedule for batchID or loads and caches it.
func (c *CachedFeeSchedules) FindFeeSchedule(ctx context.Context, batchID string) (*models.FeeSchedule, error) {
	var cached models.FeeSchedule
	if hit, _ := c.cache.Get(ctx, feeScheduleKey(batchID), &cached); hit {
		return &cached, nil
	}
	schedule, err := c.next.FindFeeSchedule(ctx, batchID)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, feeScheduleKey(batchID), schedule, c.ttl)
	return schedule, nil
}

// InvalidateFeeSchedules drops every cached schedule, e.g. after a fee change.
func (c *CachedFeeSchedules) InvalidateFeeSchedules(ctx context.Context) error {
	return c.cache.Invalidate(ctx, feeScheduleKey("*"))
}
