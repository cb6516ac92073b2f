package api

import (
	"net/http"

	"chatassistant/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	JWTSigningKey string
	CORSOrigins   []string
	Gatherer      prometheus.Gatherer
}

func (h *Handler) Routes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/telegram/webhook/{botID}", h.TelegramWebhookHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSigningKey))

		r.Post("/conversations", h.StartConversationHandler)
		r.Get("/conversations/{id}", h.GetConversationHandler)
		r.Post("/conversations/{id}/messages", h.ContinueConversationHandler)

		r.Post("/assistants", h.CreateAssistantHandler)
		r.Post("/assistants/{id}/functions", h.CreateFunctionHandler)
		r.Post("/assistants/{id}/faqs", h.CreateFAQHandler)
		r.Post("/assistants/{id}/products", h.CreateProductHandler)

		r.Get("/telegram/bots", h.ListBotsHandler)
		r.Post("/telegram/bots", h.ConnectBotHandler)
		r.Delete("/telegram/bots/{id}", h.DisconnectBotHandler)
	})

	return r
}
