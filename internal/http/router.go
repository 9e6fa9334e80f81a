package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy/internal/observability"
	"github.com/kjstillabower/weather-proxy/internal/ratelimit"
)

// RouterOptions configures NewRouter. ClientLimiter is required; GlobalLimiter is optional.
type RouterOptions struct {
	Logger         *zap.Logger
	ClientLimiter  *ratelimit.FixedWindow
	KeyFunc        ratelimit.KeyFunc
	GlobalLimiter  *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter registers /health, /metrics and /weather. Every route gets correlation ids and
// metrics; /weather additionally passes the global limiter, the per-client limiter and the
// request timeout, in that order.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientLimiter := opts.ClientLimiter
	if clientLimiter == nil {
		clientLimiter = ratelimit.NewFixedWindow(ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	var weather http.Handler = http.HandlerFunc(h.GetWeather)
	weather = TimeoutMiddleware(opts.RequestTimeout)(weather)
	weather = ClientRateLimitMiddleware(clientLimiter, opts.KeyFunc)(weather)
	weather = RateLimitMiddleware(opts.GlobalLimiter)(weather)
	router.Handle("/weather", weather).Methods(http.MethodGet)

	return router
}
