package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *VisualCrossingClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewVisualCrossingClient("test-key", server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewVisualCrossingClient() error = %v", err)
	}
	return c
}

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestNewVisualCrossingClient(t *testing.T) {
	tests := []struct {
		name    string
		apiURL  string
		wantErr bool
	}{
		{"default url", "", false},
		{"http url", "http://localhost:9999/timeline", false},
		{"unsupported scheme", "ftp://example.com", true},
		{"unparseable", "http://[::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewVisualCrossingClient("", tt.apiURL, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVisualCrossingClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c.timeout != DefaultTimeout {
				t.Errorf("timeout = %v, want %v", c.timeout, DefaultTimeout)
			}
		})
	}
}

// TestGetCurrentWeather_Success verifies request shape (path-escaped location, metric units,
// key and content type) and normalization of a full payload.
func TestGetCurrentWeather_Success(t *testing.T) {
	var gotPath, gotRawPath string
	var gotQuery map[string][]string
	var gotCorrID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotRawPath = r.URL.EscapedPath()
		gotQuery = r.URL.Query()
		gotCorrID = r.Header.Get("X-Correlation-ID")
		writeBody(`{"address":"London, England, United Kingdom","currentConditions":{"temp":12.3,"conditions":"Partially cloudy","humidity":81.5,"windspeed":14.8}}`)(w, r)
	})

	ctx := observability.WithCorrelationID(context.Background(), "corr-123")
	got, err := c.GetCurrentWeather(ctx, "New York", "US")
	if err != nil {
		t.Fatalf("GetCurrentWeather() error = %v", err)
	}

	if gotPath != "/New York,US" {
		t.Errorf("path = %q, want %q", gotPath, "/New York,US")
	}
	if gotRawPath != "/New%20York%2CUS" {
		t.Errorf("escaped path = %q, want %q", gotRawPath, "/New%20York%2CUS")
	}
	for k, want := range map[string]string{"unitGroup": "metric", "key": "test-key", "contentType": "json"} {
		if v := gotQuery[k]; len(v) != 1 || v[0] != want {
			t.Errorf("query %s = %v, want %q", k, v, want)
		}
	}
	if gotCorrID != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", gotCorrID)
	}

	if got.City != "London, England, United Kingdom" {
		t.Errorf("City = %q", got.City)
	}
	if got.Country == nil || *got.Country != "US" {
		t.Errorf("Country = %v, want US", got.Country)
	}
	if got.TemperatureC != 12.3 {
		t.Errorf("TemperatureC = %v, want 12.3", got.TemperatureC)
	}
	if got.Conditions != "Partially cloudy" {
		t.Errorf("Conditions = %q", got.Conditions)
	}
	if got.Humidity == nil || *got.Humidity != 81.5 {
		t.Errorf("Humidity = %v, want 81.5", got.Humidity)
	}
	if got.WindKph == nil || *got.WindKph != 14.8 {
		t.Errorf("WindKph = %v, want 14.8", got.WindKph)
	}
	if got.Source != models.SourceLive {
		t.Errorf("Source = %q, want live", got.Source)
	}
}

// TestGetCurrentWeather_Normalization covers defaults for missing optional fields and
// numeric strings.
func TestGetCurrentWeather_Normalization(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		country        string
		wantCity       string
		wantTemp       float64
		wantConditions string
		wantHumidity   *float64
		wantWind       *float64
		wantCountry    bool
	}{
		{
			name:           "minimal payload",
			body:           `{"currentConditions":{"temp":5}}`,
			wantCity:       "Oslo",
			wantTemp:       5,
			wantConditions: "Unknown",
		},
		{
			name:           "empty address and conditions",
			body:           `{"address":"","currentConditions":{"temp":-3.5,"conditions":""}}`,
			wantCity:       "Oslo",
			wantTemp:       -3.5,
			wantConditions: "Unknown",
		},
		{
			name:           "null optionals",
			body:           `{"currentConditions":{"temp":1,"conditions":null,"humidity":null,"windspeed":null}}`,
			country:        "NO",
			wantCity:       "Oslo",
			wantTemp:       1,
			wantConditions: "Unknown",
			wantCountry:    true,
		},
		{
			name:           "numeric strings",
			body:           `{"currentConditions":{"temp":"7.25","humidity":"40","windspeed":"3"}}`,
			wantCity:       "Oslo",
			wantTemp:       7.25,
			wantConditions: "Unknown",
			wantHumidity:   ptr(40),
			wantWind:       ptr(3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, writeBody(tt.body))
			got, err := c.GetCurrentWeather(context.Background(), "Oslo", tt.country)
			if err != nil {
				t.Fatalf("GetCurrentWeather() error = %v", err)
			}
			if got.City != tt.wantCity {
				t.Errorf("City = %q, want %q", got.City, tt.wantCity)
			}
			if got.TemperatureC != tt.wantTemp {
				t.Errorf("TemperatureC = %v, want %v", got.TemperatureC, tt.wantTemp)
			}
			if got.Conditions != tt.wantConditions {
				t.Errorf("Conditions = %q, want %q", got.Conditions, tt.wantConditions)
			}
			if !floatPtrEqual(got.Humidity, tt.wantHumidity) {
				t.Errorf("Humidity = %v, want %v", got.Humidity, tt.wantHumidity)
			}
			if !floatPtrEqual(got.WindKph, tt.wantWind) {
				t.Errorf("WindKph = %v, want %v", got.WindKph, tt.wantWind)
			}
			if (got.Country != nil) != tt.wantCountry {
				t.Errorf("Country = %v, want present=%v", got.Country, tt.wantCountry)
			}
		})
	}
}

// TestGetCurrentWeather_Errors verifies that upstream statuses and bodies map to the client
// error taxonomy.
func TestGetCurrentWeather_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "400 invalid location",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			wantErr: ErrInvalidLocation,
		},
		{
			name:    "401 auth failed",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			wantErr: ErrUpstreamAuthFailed,
		},
		{
			name:    "429 status error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			wantErr: ErrUpstreamStatus,
		},
		{
			name:    "500 status error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantErr: ErrUpstreamStatus,
		},
		{
			name:    "not json",
			handler: writeBody(`<html>oops</html>`),
			wantErr: ErrUpstreamMalformedResponse,
		},
		{
			name:    "missing currentConditions",
			handler: writeBody(`{"address":"Paris"}`),
			wantErr: ErrUpstreamMalformedResponse,
		},
		{
			name:    "missing temp",
			handler: writeBody(`{"currentConditions":{"conditions":"Clear"}}`),
			wantErr: ErrUpstreamMalformedResponse,
		},
		{
			name:    "null temp",
			handler: writeBody(`{"currentConditions":{"temp":null}}`),
			wantErr: ErrUpstreamMalformedResponse,
		},
		{
			name:    "non numeric temp",
			handler: writeBody(`{"currentConditions":{"temp":"warm"}}`),
			wantErr: ErrUpstreamMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.GetCurrentWeather(context.Background(), "Paris", "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetCurrentWeather() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCurrentWeather_StatusCodeExposed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })

	_, err := c.GetCurrentWeather(context.Background(), "Paris", "")
	var statusErr *UpstreamStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *UpstreamStatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", statusErr.StatusCode)
	}
}

func TestGetCurrentWeather_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c, err := NewVisualCrossingClient("test-key", server.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewVisualCrossingClient() error = %v", err)
	}

	_, err = c.GetCurrentWeather(context.Background(), "Paris", "")
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("error = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestGetCurrentWeather_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c, err := NewVisualCrossingClient("test-key", url, time.Second)
	if err != nil {
		t.Fatalf("NewVisualCrossingClient() error = %v", err)
	}
	_, err = c.GetCurrentWeather(context.Background(), "Paris", "")
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("error = %v, want ErrUpstreamUnreachable", err)
	}
}

// TestGetCurrentWeather_CircuitBreaker verifies the breaker opens after repeated upstream
// failures, short-circuits as unreachable, and ignores invalid locations.
func TestGetCurrentWeather_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	})
	c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		Component:        "weather_api",
		IsFailure:        IsBreakerFailure,
	}))
	ctx := context.Background()

	// Invalid locations never open the circuit.
	status.Store(http.StatusBadRequest)
	for i := 0; i < 3; i++ {
		if _, err := c.GetCurrentWeather(ctx, "Nowhere", ""); !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("call %d: error = %v, want ErrInvalidLocation", i, err)
		}
	}

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 2; i++ {
		if _, err := c.GetCurrentWeather(ctx, "Paris", ""); !errors.Is(err, ErrUpstreamStatus) {
			t.Fatalf("call %d: error = %v, want ErrUpstreamStatus", i, err)
		}
	}
	before := calls.Load()

	_, err := c.GetCurrentWeather(ctx, "Paris", "")
	if !errors.Is(err, ErrUpstreamUnreachable) || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("error = %v, want unreachable wrapping ErrOpen", err)
	}
	if calls.Load() != before {
		t.Errorf("upstream called while circuit open")
	}
}

func TestLocation(t *testing.T) {
	if got := Location("Paris", ""); got != "Paris" {
		t.Errorf("Location() = %q", got)
	}
	if got := Location("Paris", "FR"); got != "Paris,FR" {
		t.Errorf("Location() = %q", got)
	}
}

func ptr(v float64) *float64 { return &v }

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
