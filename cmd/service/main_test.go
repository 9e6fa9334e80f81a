package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/config"
)

// unreachableAddr is a loopback port nothing listens on; connections are refused immediately.
const unreachableAddr = "127.0.0.1:1"

// TestNewCache_Backends verifies each configured backend yields its adapter, and that an
// unreachable Redis or memcached logs a startup warning without failing construction.
func TestNewCache_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name     string
		cfg      config.Config
		wantType string
		wantWarn string
	}{
		{
			name:     "in memory",
			cfg:      config.Config{CacheBackend: config.BackendInMemory},
			wantType: "in_memory",
		},
		{
			name:     "redis reachable",
			cfg:      config.Config{CacheBackend: config.BackendRedis, RedisURL: "redis://" + mr.Addr() + "/0", RedisDialTimeout: time.Second},
			wantType: "redis",
		},
		{
			name:     "redis unreachable",
			cfg:      config.Config{CacheBackend: config.BackendRedis, RedisURL: "redis://" + unreachableAddr + "/0", RedisDialTimeout: 200 * time.Millisecond},
			wantType: "redis",
			wantWarn: "redis not reachable at startup",
		},
		{
			name:     "memcached unreachable",
			cfg:      config.Config{CacheBackend: config.BackendMemcached, MemcachedAddrs: unreachableAddr, MemcachedTimeout: 200 * time.Millisecond},
			wantType: "memcached",
			wantWarn: "memcached not reachable at startup",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			core, logs := observer.New(zapcore.InfoLevel)
			cfg := tt.cfg

			// Act
			c, closeFn, err := newCache(&cfg, zap.New(core))

			// Assert
			if err != nil {
				t.Fatalf("newCache() error = %v", err)
			}
			t.Cleanup(func() { _ = closeFn() })

			var gotType string
			switch c.(type) {
			case *cache.InMemoryCache:
				gotType = "in_memory"
			case *cache.RedisCache:
				gotType = "redis"
			case *cache.MemcachedCache:
				gotType = "memcached"
			}
			if gotType != tt.wantType {
				t.Errorf("backend = %T, want %s", c, tt.wantType)
			}

			warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
			if tt.wantWarn == "" && len(warnings) != 0 {
				t.Errorf("unexpected warnings: %+v", warnings)
			}
			if tt.wantWarn != "" && logs.FilterMessage(tt.wantWarn).Len() != 1 {
				t.Errorf("missing warning %q, got %+v", tt.wantWarn, logs.All())
			}
		})
	}
}

// TestNewCache_RedisRoundTrip verifies the Redis backend built from config stores values.
func TestNewCache_RedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{CacheBackend: config.BackendRedis, RedisURL: "redis://" + mr.Addr() + "/0"}

	c, closeFn, err := newCache(&cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newCache() error = %v", err)
	}
	defer func() { _ = closeFn() }()

	ctx := context.Background()
	if err := c.Set(ctx, "weather:paris", `{"city":"Paris"}`, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := mr.Get("weather:paris"); got != `{"city":"Paris"}` {
		t.Errorf("stored value = %q", got)
	}
}
