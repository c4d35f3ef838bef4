package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/handler/chat"
	"github.com/zhouzirui/turnflow/internal/handler/feed"
	"github.com/zhouzirui/turnflow/internal/handler/turn"
	middlewarePkg "github.com/zhouzirui/turnflow/internal/middleware"
	chatService "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/pkg/utils"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Chats  *chatService.Service
	Turns  turn.Runner
	Logger zerolog.Logger
	// Limiter is optional.
	Limiter *middlewarePkg.Limiter
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	chatHandler := chat.New(d.Chats, d.Logger)
	turnHandler := turn.New(d.Turns, d.Chats, d.Logger)
	feedHandler := feed.New(d.Chats, d.Logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.RequireUser)
		if d.Limiter != nil {
			api.Use(d.Limiter.Middleware)
		}

		chatHandler.RegisterRoutes(api)
		turnHandler.RegisterRoutes(api)
		feedHandler.RegisterRoutes(api)
	})

	return r
}
