package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// ErrConfiguration is returned when the upstream API key is not configured.
var ErrConfiguration = errors.New("weather API key is not configured")

// DefaultTTL is how long a cached result is served before a live fetch.
const DefaultTTL = 43200 * time.Second

const keyPrefix = "weather:"

// WeatherService serves weather lookups cache-aside: a cache hit is returned as is, a miss
// fetches from the upstream client and stores the result for the configured TTL.
type WeatherService struct {
	client           client.WeatherClient
	cache            cache.Cache
	ttl              time.Duration
	apiKeyConfigured bool
	stampedeTracker  *stampedeTracker
}

// NewWeatherService creates a WeatherService. A non-positive ttl uses DefaultTTL.
// apiKeyConfigured reports whether the upstream API key is set; when false every lookup fails
// with ErrConfiguration before touching the cache.
func NewWeatherService(client client.WeatherClient, cache cache.Cache, ttl time.Duration, apiKeyConfigured bool) *WeatherService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &WeatherService{
		client:           client,
		cache:            cache,
		ttl:              ttl,
		apiKeyConfigured: apiKeyConfigured,
		stampedeTracker:  newStampedeTracker(),
	}
}

// Configured reports whether the upstream API key is set.
func (s *WeatherService) Configured() bool {
	return s.apiKeyConfigured
}

// CacheKey builds the cache key for a lookup: weather:<city>[:<country>], both lower-cased and
// trimmed. A blank country is omitted.
func CacheKey(city, country string) string {
	key := keyPrefix + normalize(city)
	if c := normalize(country); c != "" {
		key += ":" + c
	}
	return key
}

// GetWeather returns current conditions for city and optional country. Cached results carry
// source "cache", fetched ones "live". Cache failures are logged and counted, never returned;
// upstream errors are returned wrapped so errors.Is matches the client sentinels.
func (s *WeatherService) GetWeather(ctx context.Context, city, country string) (models.WeatherResult, error) {
	if !s.apiKeyConfigured {
		return models.WeatherResult{}, ErrConfiguration
	}

	city = strings.TrimSpace(city)
	country = strings.TrimSpace(country)
	key := CacheKey(city, country)
	start := time.Now()
	logger := observability.LoggerFromContext(ctx).With(zap.String("cache_key", key))

	observability.RecordWeatherQuery(key)

	if cached, ok := s.readCache(ctx, logger, key); ok {
		observability.CacheHitsTotal.WithLabelValues("weather").Inc()
		logger.Debug("weather served", zap.String("source", models.SourceCache), zap.Duration("duration", time.Since(start)))
		return cached.WithSource(models.SourceCache), nil
	}
	observability.CacheMissesTotal.WithLabelValues("weather").Inc()
	logger.Debug("cache miss, fetching upstream")

	result, err := s.fetchAndStore(ctx, logger, key, city, country)
	if err != nil {
		return models.WeatherResult{}, err
	}
	logger.Debug("weather served", zap.String("source", models.SourceLive), zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Refresh fetches city/country from upstream and overwrites its cache entry, skipping the cache
// read. Used by cache warming.
func (s *WeatherService) Refresh(ctx context.Context, city, country string) (models.WeatherResult, error) {
	if !s.apiKeyConfigured {
		return models.WeatherResult{}, ErrConfiguration
	}

	city = strings.TrimSpace(city)
	country = strings.TrimSpace(country)
	key := CacheKey(city, country)
	logger := observability.LoggerFromContext(ctx).With(zap.String("cache_key", key))
	return s.fetchAndStore(ctx, logger, key, city, country)
}

// readCache returns a decoded entry on hit. Read errors and empty values are misses; a value
// that fails to decode is deleted so the next request does not trip over it again.
func (s *WeatherService) readCache(ctx context.Context, logger *zap.Logger, key string) (models.CachedWeather, bool) {
	getStart := time.Now()
	raw, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.Error(err))
		return models.CachedWeather{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	if !ok || raw == "" {
		return models.CachedWeather{}, false
	}

	cached, err := models.DecodeCachedWeather(raw)
	if err == nil {
		return cached, true
	}

	observability.CacheCorruptEntriesTotal.Inc()
	logger.Warn("corrupt cache entry, deleting", zap.Error(err))
	if delErr := s.cache.Delete(ctx, key); delErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete", categorizeCacheError(delErr)).Inc()
		logger.Warn("cache delete failed", zap.Error(delErr))
	}
	return models.CachedWeather{}, false
}

func (s *WeatherService) fetchAndStore(ctx context.Context, logger *zap.Logger, key, city, country string) (models.WeatherResult, error) {
	if n := s.stampedeTracker.Begin(key); n > 1 {
		locLabel := observability.MetricLocationLabel(key)
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(n))
	}
	result, err := s.client.GetCurrentWeather(ctx, city, country)
	s.stampedeTracker.Done(key)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		logger.Warn("upstream fetch failed", zap.Error(err))
		return models.WeatherResult{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}
	result.Source = models.SourceLive

	s.writeCache(ctx, logger, key, result.ToCached())
	return result, nil
}

func (s *WeatherService) writeCache(ctx context.Context, logger *zap.Logger, key string, entry models.CachedWeather) {
	value, err := models.EncodeCachedWeather(entry)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", "encode").Inc()
		logger.Warn("cache encode failed", zap.Error(err))
		return
	}

	setStart := time.Now()
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "refused") {
		return "connection"
	}
	return "unknown"
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
