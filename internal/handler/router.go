package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	avatarHandler "github.com/zhouzirui/avatar-chat/backend/internal/handler/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/handler/session"
	"github.com/zhouzirui/avatar-chat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/avatar-chat/backend/internal/middleware"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(avatars avatar.Store, engine chat.Engine, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// Avatar catalog is public.
		avatarHandler.New(avatars).RegisterRoutes(api)

		api.Group(func(authed chi.Router) {
			authed.Use(middlewarePkg.Auth(jwtSecret))

			chat.New(engine, avatars).RegisterRoutes(authed)
			stream.New(engine, avatars).RegisterRoutes(authed)
			session.NewWebSocketHandler(engine, avatars).RegisterRoutes(authed)
		})
	})

	return r
}
