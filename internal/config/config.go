package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

// Cache backends.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

const (
	defaultPort        = "8000"
	defaultRedisURL    = "redis://localhost:6379/0"
	defaultCacheTTL    = 43200 * time.Second
	defaultAPIURL      = "https://weather.visualcrossing.com/VisualCrossingWebServices/rest/services/timeline"
	defaultWarmingCron = "@every 6h"
)

// Config holds service configuration loaded from .env, YAML and the environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string

	RedisURL          string
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration
	RedisPoolSize     int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRequests          int
	RateLimitWindow            time.Duration
	RateLimitTrustForwardedFor bool
	GlobalRateLimitRPS         int
	GlobalRateLimitBurst       int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout time.Duration
	InFlightTimeout time.Duration

	WarmingEnabled     bool
	WarmingSchedule    string
	WarmingTimeout     time.Duration
	WarmingConcurrency int
	WarmingLocations   []models.Location

	TrackedLocations []string
}

// APIKeyConfigured reports whether an upstream API key is set.
func (c *Config) APIKeyConfigured() bool {
	return strings.TrimSpace(c.WeatherAPIKey) != ""
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Redis   struct {
			URL          string `yaml:"url"`
			DialTimeout  string `yaml:"dial_timeout"`
			ReadTimeout  string `yaml:"read_timeout"`
			WriteTimeout string `yaml:"write_timeout"`
			PoolSize     int    `yaml:"pool_size"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	RateLimit struct {
		Requests          int    `yaml:"requests"`
		Window            string `yaml:"window"`
		TrustForwardedFor bool   `yaml:"trust_forwarded_for"`
		GlobalRPS         int    `yaml:"global_rps"`
		GlobalBurst       int    `yaml:"global_burst"`
	} `yaml:"rate_limit"`

	CircuitBreaker struct {
		Enabled          bool   `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Warming struct {
		Enabled     bool              `yaml:"enabled"`
		Schedule    string            `yaml:"schedule"`
		Timeout     string            `yaml:"timeout"`
		Concurrency int               `yaml:"concurrency"`
		Locations   []models.Location `yaml:"locations"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration relative to the working directory. See LoadFrom.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom builds a Config from, in increasing precedence: defaults, dir/config/{ENV_NAME}.yaml
// (ENV_NAME default dev), dir/config/secrets.yaml, and environment variables. dir/.env is loaded
// into the environment first without overriding variables already set. Every file is optional.
// A missing API key is not an error; lookups fail at request time instead.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	if err := readYAML(filepath.Join(dir, "config", env+".yaml"), &fc); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, defaultPort)

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv("VISUALCROSSING_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		var sec secretsFile
		if err := readYAML(filepath.Join(dir, "config", "secrets.yaml"), &sec); err != nil {
			return nil, fmt.Errorf("secrets file: %w", err)
		}
		cfg.WeatherAPIKey = strings.TrimSpace(sec.WeatherAPIKey)
	}
	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("VISUALCROSSING_API_URL"), fc.WeatherAPI.URL, defaultAPIURL)
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, defaultCacheTTL)
	if v := strings.TrimSpace(os.Getenv("CACHE_TTL_SECONDS")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CACHE_TTL_SECONDS must be an integer, got %q", v)
		}
		cfg.CacheTTL = time.Duration(secs) * time.Second
	}
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, BackendRedis))

	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fc.Cache.Redis.URL, defaultRedisURL)
	cfg.RedisDialTimeout = parseDuration(fc.Cache.Redis.DialTimeout, 2*time.Second)
	cfg.RedisReadTimeout = parseDuration(fc.Cache.Redis.ReadTimeout, time.Second)
	cfg.RedisWriteTimeout = parseDuration(fc.Cache.Redis.WriteTimeout, time.Second)
	cfg.RedisPoolSize = fc.Cache.Redis.PoolSize

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitRequests = fc.RateLimit.Requests
	if cfg.RateLimitRequests == 0 {
		cfg.RateLimitRequests = 10
	}
	cfg.RateLimitWindow = parseDurationOrZero(fc.RateLimit.Window, 60*time.Second)
	cfg.RateLimitTrustForwardedFor = fc.RateLimit.TrustForwardedFor
	cfg.GlobalRateLimitRPS = fc.RateLimit.GlobalRPS
	cfg.GlobalRateLimitBurst = fc.RateLimit.GlobalBurst
	if cfg.GlobalRateLimitRPS > 0 && cfg.GlobalRateLimitBurst <= 0 {
		cfg.GlobalRateLimitBurst = cfg.GlobalRateLimitRPS
	}

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingSchedule = firstNonEmpty(fc.Warming.Schedule, defaultWarmingCron)
	cfg.WarmingTimeout = parseDuration(fc.Warming.Timeout, time.Minute)
	cfg.WarmingConcurrency = fc.Warming.Concurrency
	if cfg.WarmingConcurrency <= 0 {
		cfg.WarmingConcurrency = 4
	}
	cfg.WarmingLocations = fc.Warming.Locations

	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readYAML unmarshals path into v. A missing file leaves v untouched.
func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks loaded values. RequestTimeout is raised above WeatherAPITimeout when needed so
// an upstream timeout is always reported before the request deadline.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return errors.New("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %v", cfg.CacheTTL)
	}
	switch cfg.CacheBackend {
	case BackendRedis, BackendMemcached, BackendInMemory:
	default:
		return fmt.Errorf("cache.backend must be redis, memcached or in_memory, got %q", cfg.CacheBackend)
	}
	if cfg.RateLimitRequests < 0 {
		return fmt.Errorf("rate_limit.requests must be positive, got %d", cfg.RateLimitRequests)
	}
	if cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %v", cfg.RateLimitWindow)
	}
	if cfg.GlobalRateLimitRPS < 0 {
		return fmt.Errorf("rate_limit.global_rps must not be negative, got %d", cfg.GlobalRateLimitRPS)
	}
	if cfg.WarmingEnabled {
		if len(cfg.WarmingLocations) == 0 {
			return errors.New("warming.locations required when warming is enabled")
		}
		for i, loc := range cfg.WarmingLocations {
			if strings.TrimSpace(loc.City) == "" {
				return fmt.Errorf("warming.locations[%d].city is required", i)
			}
		}
	}
	return nil
}
