package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// DefaultAPIURL is the Visual Crossing timeline endpoint. The location is appended as a path segment.
const DefaultAPIURL = "https://weather.visualcrossing.com/VisualCrossingWebServices/rest/services/timeline"

// DefaultTimeout is the hard upstream timeout.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 10 << 20

// WeatherClient fetches current conditions for a city and optional country code.
type WeatherClient interface {
	GetCurrentWeather(ctx context.Context, city, country string) (models.WeatherResult, error)
}

var (
	ErrInvalidLocation           = errors.New("invalid city or country code")
	ErrUpstreamAuthFailed        = errors.New("weather service authentication failed")
	ErrUpstreamUnreachable       = errors.New("failed to reach external weather service")
	ErrUpstreamStatus            = errors.New("weather service error")
	ErrUpstreamMalformedResponse = errors.New("malformed weather service response")
)

// UpstreamStatusError reports a non-success status other than 400 and 401.
// It matches ErrUpstreamStatus with errors.Is.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("weather service error: %d", e.StatusCode)
}

func (e *UpstreamStatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// VisualCrossingClient calls the Visual Crossing timeline API once per lookup. It never retries.
type VisualCrossingClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewVisualCrossingClient creates a client. An empty apiURL uses DefaultAPIURL and a
// non-positive timeout uses DefaultTimeout. The API key may be empty; callers are expected
// to refuse lookups before reaching the client in that case.
func NewVisualCrossingClient(apiKey, apiURL string, timeout time.Duration) (*VisualCrossingClient, error) {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &VisualCrossingClient{
		apiKey:  apiKey,
		apiURL:  strings.TrimRight(apiURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every call through cb. While the circuit is open, calls fail
// immediately with ErrUpstreamUnreachable.
func (c *VisualCrossingClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Location formats the provider location string: city, or "city,country".
func Location(city, country string) string {
	if country == "" {
		return city
	}
	return city + "," + country
}

// GetCurrentWeather fetches and normalizes current conditions. Returned errors match one of
// the Err* sentinels in this package.
func (c *VisualCrossingClient) GetCurrentWeather(ctx context.Context, city, country string) (models.WeatherResult, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, city, country)
	}

	var result models.WeatherResult
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		result, callErr = c.callAPI(ctx, city, country)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
		observability.LoggerFromContext(ctx).Debug("upstream call rejected", zap.String("component", c.breaker.Component()))
		return models.WeatherResult{}, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	return result, err
}

// IsBreakerFailure reports whether err indicates an unhealthy upstream. Caller mistakes
// (invalid location) do not count against the circuit.
func IsBreakerFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidLocation)
}

func (c *VisualCrossingClient) callAPI(ctx context.Context, city, country string) (models.WeatherResult, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, Location(city, country))
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherResult{}, fmt.Errorf("%w: build request: %v", ErrUpstreamUnreachable, err)
	}

	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherResult{}, fmt.Errorf("%w: request timeout: %w", ErrUpstreamUnreachable, err)
		}
		return models.WeatherResult{}, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain so the connection can be reused; the body is never forwarded.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return models.WeatherResult{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.WeatherResult{}, fmt.Errorf("%w: read body: %w", ErrUpstreamUnreachable, err)
		}
		return models.WeatherResult{}, fmt.Errorf("%w: read body: %v", ErrUpstreamMalformedResponse, err)
	}

	return normalize(body, city, country)
}

func (c *VisualCrossingClient) buildRequest(ctx context.Context, location string) (*http.Request, error) {
	u, err := url.Parse(c.apiURL + "/" + url.PathEscape(location))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("unitGroup", "metric")
	params.Set("key", c.apiKey)
	params.Set("contentType", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

// classifyStatus maps a response status to the client error taxonomy; nil for 2xx.
func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusBadRequest:
		return ErrInvalidLocation
	case statusCode == http.StatusUnauthorized:
		return ErrUpstreamAuthFailed
	default:
		return &UpstreamStatusError{StatusCode: statusCode}
	}
}

type timelineResponse struct {
	Address           *string            `json:"address"`
	CurrentConditions *currentConditions `json:"currentConditions"`
}

type currentConditions struct {
	Temp       numberField `json:"temp"`
	Conditions *string     `json:"conditions"`
	Humidity   numberField `json:"humidity"`
	WindSpeed  numberField `json:"windspeed"`
}

// numberField accepts a JSON number, a numeric string, or null. Valid is false for null or absent.
type numberField struct {
	Value float64
	Valid bool
}

func (n *numberField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = numberField{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = numberField{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = numberField{Value: v, Valid: true}
	return nil
}

func (n numberField) ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// normalize maps a timeline payload to a live WeatherResult. An absent, null or empty address
// falls back to the requested city, and conditions likewise to "Unknown", so a response never
// carries a blank label.
func normalize(body []byte, city, country string) (models.WeatherResult, error) {
	var payload timelineResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.WeatherResult{}, fmt.Errorf("%w: parse response: %v", ErrUpstreamMalformedResponse, err)
	}

	current := payload.CurrentConditions
	if current == nil {
		current = &currentConditions{}
	}
	if !current.Temp.Valid {
		return models.WeatherResult{}, fmt.Errorf("%w: missing currentConditions.temp", ErrUpstreamMalformedResponse)
	}

	result := models.WeatherResult{
		City:         city,
		TemperatureC: current.Temp.Value,
		Conditions:   models.DefaultConditions,
		Humidity:     current.Humidity.ptr(),
		WindKph:      current.WindSpeed.ptr(),
		Source:       models.SourceLive,
	}
	if payload.Address != nil && *payload.Address != "" {
		result.City = *payload.Address
	}
	if current.Conditions != nil && *current.Conditions != "" {
		result.Conditions = *current.Conditions
	}
	if country != "" {
		c := country
		result.Country = &c
	}
	return result, nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
