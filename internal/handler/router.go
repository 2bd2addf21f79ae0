package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Sessions          *service.SessionService
	DB                Pinger
	Bus               ConnChecker
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	StreamHeartbeat   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	healthHandler := NewHealthHandler(cfg.DB, cfg.Bus)
	sessionHandler := NewSessionHandler(cfg.Sessions, log)
	conversationHandler := NewConversationHandler(cfg.Sessions, log)
	messageHandler := NewMessageHandler(cfg.Sessions, log)
	presenceHandler := NewPresenceHandler(cfg.Sessions, log)
	streamHandler := NewStreamHandler(cfg.Sessions, cfg.StreamHeartbeat, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Post("/session", sessionHandler.Start)
		r.Delete("/session", sessionHandler.End)

		r.Get("/stream", streamHandler.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/", conversationHandler.Create)
			r.Delete("/active", conversationHandler.Leave)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/participants", conversationHandler.Participants)
				r.Put("/open", conversationHandler.Open)
				r.Post("/read", conversationHandler.MarkRead)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				r.Get("/typing", presenceHandler.Typing)
				r.Post("/typing", presenceHandler.StartTyping)
				r.Delete("/typing", presenceHandler.StopTyping)
			})
		})

		r.Post("/pending/{tempID}/retry", messageHandler.Retry)
		r.Delete("/pending/{tempID}", messageHandler.Discard)

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Patch("/", messageHandler.Edit)
			r.Delete("/", messageHandler.Delete)
			r.Put("/reactions/{type}", messageHandler.React)
			r.Delete("/reactions/{type}", messageHandler.Unreact)
		})

		r.Get("/presence", presenceHandler.Get)
		r.Put("/presence", presenceHandler.Update)
		r.Get("/users", presenceHandler.Users)
	})

	return r
}
