package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// WeatherRefresher is implemented by the service layer. Refresh fetches live weather and
// overwrites the cache entry. Declared here to avoid an import cycle with the service package.
type WeatherRefresher interface {
	Refresh(ctx context.Context, city, country string) (models.WeatherResult, error)
}

// CacheWarmer prefetches weather for a fixed list of locations.
type CacheWarmer struct {
	refresher   WeatherRefresher
	locations   []models.Location
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
	cron        *cron.Cron
}

// NewCacheWarmer creates a CacheWarmer. timeout bounds one warm run (0 means unbounded);
// concurrency caps parallel refreshes (0 means one per location).
func NewCacheWarmer(refresher WeatherRefresher, locations []models.Location, timeout time.Duration, concurrency int, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = len(locations)
	}
	return &CacheWarmer{
		refresher:   refresher,
		locations:   locations,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Warm refreshes every location. Failures do not stop other locations; they are joined
// into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	if len(w.locations) == 0 {
		return nil
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	runID := uuid.New().String()
	logger := w.logger.With(zap.String("run_id", runID))
	ctx = observability.WithLogger(observability.WithCorrelationID(ctx, runID), logger)

	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	logger.Info("warming cache", zap.Int("locations", len(w.locations)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, loc := range w.locations {
		wg.Add(1)
		go func(loc models.Location) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := w.refresher.Refresh(ctx, loc.City, loc.Country); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
		}(loc)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	logger.Info("cache warming complete",
		zap.Int("locations", len(w.locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Start schedules Warm on the cron expression (standard five fields or descriptors such as
// "@every 6h") and starts the scheduler. Runs triggered by the schedule use a background
// context; Stop waits for a running warm to finish.
func (w *CacheWarmer) Start(schedule string) error {
	if w.cron != nil {
		return errors.New("cache warmer already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, w.runScheduled); err != nil {
		return fmt.Errorf("invalid warming schedule %q: %w", schedule, err)
	}
	c.Start()
	w.cron = c
	w.logger.Info("cache warming scheduled", zap.String("schedule", schedule))
	return nil
}

func (w *CacheWarmer) runScheduled() {
	if err := w.Warm(context.Background()); err != nil {
		w.logger.Warn("scheduled cache warm failed", zap.Error(err))
	}
}

// Stop halts the schedule and waits for a running warm, or for ctx to be done.
func (w *CacheWarmer) Stop(ctx context.Context) {
	if w.cron == nil {
		return
	}
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}
