package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bank-ledger/internal/model"
)

// DefaultCacheTTL задаёт время жизни закешированного ряда.
const DefaultCacheTTL = 30 * time.Second

// Cache описывает хранилище закешированных результатов.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CacheMetrics учитывает обращения к кешу.
type CacheMetrics interface {
	IncCacheLookup(result string)
}

// CachedAggregator кеширует шестимесячные ряды и месячные отчёты о входах.
// Ошибки кеша не влияют на результат: запрос уходит в Aggregator.
type CachedAggregator struct {
	*Aggregator
	cache   Cache
	ttl     time.Duration
	logger  *zap.Logger
	metrics CacheMetrics
}

// NewCachedAggregator оборачивает inner кешем. Нулевой ttl заменяется на DefaultCacheTTL.
func NewCachedAggregator(inner *Aggregator, cache Cache, ttl time.Duration, logger *zap.Logger, metrics CacheMetrics) *CachedAggregator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedAggregator{
		Aggregator: inner,
		cache:      cache,
		ttl:        ttl,
		logger:     logger,
		metrics:    metrics,
	}
}

// SixMonthSeries возвращает ряд из кеша или вычисляет и кеширует его.
func (c *CachedAggregator) SixMonthSeries(ctx context.Context, accountID string, asOf time.Time) ([]model.MonthSummary, error) {
	asOf = asOf.UTC().Truncate(time.Second)
	key := fmt.Sprintf("series:%s:%d", accountID, asOf.Unix())

	var cached []model.MonthSummary
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	// Округлённый asOf отбрасывает доли секунды, ряд совпадает для всех запросов внутри секунды.
	series, err := c.Aggregator.SixMonthSeries(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, series)
	return series, nil
}

// MonthlyLoginReport возвращает отчёт из кеша или вычисляет и кеширует его.
func (c *CachedAggregator) MonthlyLoginReport(ctx context.Context, year int, month time.Month) (model.LoginReport, error) {
	key := fmt.Sprintf("logins:%04d-%02d", year, month)

	var cached model.LoginReport
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}

	report, err := c.Aggregator.MonthlyLoginReport(ctx, year, month)
	if err != nil {
		return model.LoginReport{}, err
	}
	c.store(ctx, key, report)
	return report, nil
}

func (c *CachedAggregator) lookup(ctx context.Context, key string, dest any) bool {
	ok, err := c.cache.Get(ctx, key, dest)
	switch {
	case err != nil:
		c.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		c.count("error")
		return false
	case ok:
		c.count("hit")
		return true
	default:
		c.count("miss")
		return false
	}
}

func (c *CachedAggregator) store(ctx context.Context, key string, value any) {
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *CachedAggregator) count(result string) {
	if c.metrics != nil {
		c.metrics.IncCacheLookup(result)
	}
}
