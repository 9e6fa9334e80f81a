package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
	"github.com/kjstillabower/weather-proxy/internal/service"
	"github.com/kjstillabower/weather-proxy/internal/traffic"
	"github.com/kjstillabower/weather-proxy/internal/validation"
)

// Error codes returned in the error body.
const (
	CodeInvalidLocation     = "INVALID_LOCATION"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConfigurationError  = "CONFIGURATION_ERROR"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeUpstreamAuthFailed  = "UPSTREAM_AUTH_FAILED"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeUpstreamMalformed   = "UPSTREAM_MALFORMED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService *service.WeatherService
	logger         *zap.Logger
}

// NewHandler returns a new Handler.
func NewHandler(weatherService *service.WeatherService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		logger:         logger,
	}
}

// GetWeather handles GET /weather?city=<city>&country=<country>.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rawCity := query.Get("city")

	if strings.TrimSpace(rawCity) == "" {
		traffic.Record(traffic.OutcomeError)
		writeError(w, r, http.StatusBadRequest, CodeInvalidLocation, validationMessage("city", validation.ErrLocationEmpty))
		return
	}
	if !h.weatherService.Configured() {
		traffic.Record(traffic.OutcomeError)
		writeServiceError(w, r, service.ErrConfiguration)
		return
	}

	city, err := validation.ValidateCity(rawCity, validation.DefaultMaxCityLen)
	if err != nil {
		traffic.Record(traffic.OutcomeError)
		writeError(w, r, http.StatusBadRequest, CodeInvalidLocation, validationMessage("city", err))
		return
	}
	country, err := validation.ValidateCountry(query.Get("country"), validation.DefaultMaxCountryLen)
	if err != nil {
		traffic.Record(traffic.OutcomeError)
		writeError(w, r, http.StatusBadRequest, CodeInvalidLocation, validationMessage("country", err))
		return
	}

	result, err := h.weatherService.GetWeather(r.Context(), city, country)
	if err != nil {
		traffic.Record(traffic.OutcomeError)
		writeServiceError(w, r, err)
		return
	}

	if result.Source == models.SourceCache {
		traffic.Record(traffic.OutcomeCacheHit)
	} else {
		traffic.Record(traffic.OutcomeLive)
	}
	writeJSON(w, http.StatusOK, result)
}

// GetHealth handles GET /health. It reports liveness only and checks no dependencies.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validationMessage(field string, err error) string {
	switch {
	case errors.Is(err, validation.ErrLocationEmpty):
		return "city is required"
	case errors.Is(err, validation.ErrLocationTooLong):
		return field + " is too long"
	default:
		return field + " contains invalid characters"
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string      `json:"detail"`
	Error  errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// writeError writes the standard error body. detail and error.message carry the same text;
// requestId is the correlation id when one is in the request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Detail: message,
		Error: errorDetail{
			Code:      code,
			Message:   message,
			RequestID: observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError maps a service error to its status, code and message. Upstream bodies and
// internal error text are never exposed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyServiceError(err)
	logger := observability.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Warn("weather request failed", zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("weather request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
}

func classifyServiceError(err error) (int, string, string) {
	var statusErr *client.UpstreamStatusError
	switch {
	case errors.Is(err, service.ErrConfiguration):
		return http.StatusInternalServerError, CodeConfigurationError, "Weather API key is not configured"
	case errors.Is(err, client.ErrInvalidLocation):
		return http.StatusBadRequest, CodeInvalidLocation, "Invalid city or country code"
	case errors.Is(err, client.ErrUpstreamAuthFailed):
		return http.StatusBadGateway, CodeUpstreamAuthFailed, "Weather service authentication failed"
	case errors.As(err, &statusErr):
		return http.StatusBadGateway, CodeUpstreamError, fmt.Sprintf("Weather service error: %d", statusErr.StatusCode)
	case errors.Is(err, client.ErrUpstreamMalformedResponse):
		return http.StatusBadGateway, CodeUpstreamMalformed, "Malformed response from weather service"
	case errors.Is(err, client.ErrUpstreamUnreachable):
		return http.StatusBadGateway, CodeUpstreamUnreachable, "Failed to reach external weather service"
	default:
		return http.StatusInternalServerError, CodeInternalError, "Internal server error"
	}
}
