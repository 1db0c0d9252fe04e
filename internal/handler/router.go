package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mindful-ai/companion/internal/middleware"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

// RouterConfig wires the API router.
type RouterConfig struct {
	Registry *service.SessionRegistry
	Store    store.Store
	Logger   *logger.Logger

	JWTSecret      string
	AuthDisabled   bool
	AllowedOrigins []string

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	reader, _ := cfg.Store.(store.Reader)
	pinger, _ := cfg.Store.(store.Pinger)

	healthHandler := NewHealthHandler(pinger, log)
	streamHandler := NewStreamHandler(cfg.Registry, log)
	messageHandler := NewMessageHandler(reader, log)
	conversationHandler := NewConversationHandler(cfg.Registry, log)
	riskHandler := NewRiskHandler()

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthDisabled {
			r.Use(middleware.Anonymous)
		} else {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/chat/turns", streamHandler.Turn)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Delete("/", conversationHandler.Delete)
			r.Get("/messages", messageHandler.List)
		})

		r.Post("/risk/classify", riskHandler.Classify)
		r.Get("/crisis-resources", riskHandler.CrisisResources)
	})

	return otelhttp.NewHandler(r, "companion-api")
}
