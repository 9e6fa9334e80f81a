package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/config"
	httphandler "github.com/kjstillabower/weather-proxy/internal/http"
	"github.com/kjstillabower/weather-proxy/internal/observability"
	"github.com/kjstillabower/weather-proxy/internal/ratelimit"
	"github.com/kjstillabower/weather-proxy/internal/service"
)

func main() {
	logger, err := observability.NewLogger("weather-proxy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if !cfg.APIKeyConfigured() {
		logger.Warn("VISUALCROSSING_API_KEY is not set; /weather will return CONFIGURATION_ERROR")
	}

	weatherClient, err := client.NewVisualCrossingClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "weather_api",
			IsFailure:        client.IsBreakerFailure,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(component, observability.CircuitBreakerStateValue(int(to)))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("weather_api", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	cacheSvc, closeCache, err := newCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	weatherService := service.NewWeatherService(weatherClient, cacheSvc, cfg.CacheTTL, cfg.APIKeyConfigured())

	observability.RegisterRateLimitGauges(cfg.RateLimitWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	clientLimiter := ratelimit.NewFixedWindow(cfg.RateLimitRequests, cfg.RateLimitWindow)
	clientLimiter.StartJanitor(bgCtx, 0)

	var globalLimiter *rate.Limiter
	if cfg.GlobalRateLimitRPS > 0 {
		globalLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalRateLimitRPS), cfg.GlobalRateLimitBurst)
	}

	var warmer *cache.CacheWarmer
	if cfg.WarmingEnabled && cfg.APIKeyConfigured() {
		warmer = cache.NewCacheWarmer(weatherService, cfg.WarmingLocations, cfg.WarmingTimeout, cfg.WarmingConcurrency, logger)
		go func() {
			if err := warmer.Warm(bgCtx); err != nil {
				logger.Warn("initial cache warm failed", zap.Error(err))
			}
		}()
		if err := warmer.Start(cfg.WarmingSchedule); err != nil {
			logger.Fatal("cache warming", zap.Error(err))
		}
	}

	handler := httphandler.NewHandler(weatherService, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		ClientLimiter:  clientLimiter,
		KeyFunc:        ratelimit.ClientKeyFunc(cfg.RateLimitTrustForwardedFor),
		GlobalLimiter:  globalLimiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.Duration("cache_ttl", cfg.CacheTTL),
			zap.Int("rate_limit", cfg.RateLimitRequests),
			zap.Duration("rate_limit_window", cfg.RateLimitWindow),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 0); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if warmer != nil {
		warmer.Stop(shutdownCtx)
	}
	bgCancel()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := closeCache(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newCache builds the configured cache backend and its close function. Redis and memcached are
// pinged once so a misconfigured address shows up in the startup log; the service still starts
// and degrades to live fetches while the server is unreachable.
func newCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func() error, error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		if err := mc.Ping(); err != nil {
			logger.Warn("memcached not reachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
		} else {
			logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		}
		return mc, mc.Close, nil
	case config.BackendInMemory:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), func() error { return nil }, nil
	default:
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			URL:          cfg.RedisURL,
			DialTimeout:  cfg.RedisDialTimeout,
			ReadTimeout:  cfg.RedisReadTimeout,
			WriteTimeout: cfg.RedisWriteTimeout,
			PoolSize:     cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		pingTimeout := cfg.RedisDialTimeout
		if pingTimeout <= 0 {
			pingTimeout = 2 * time.Second
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable at startup", zap.Error(err))
		} else {
			logger.Info("cache backend: redis")
		}
		return rc, rc.Close, nil
	}
}
