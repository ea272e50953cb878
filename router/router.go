package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"creatorevolve/config"
	researchHandler "creatorevolve/internal/research"
	"creatorevolve/internal/research/service"
	"creatorevolve/middleware"
	"creatorevolve/socket"
)

func Setup(cfg *config.Config, svc *service.ResearchService, hub *socket.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	r.Get("/health", researchHandler.Health)

	auth := middleware.Auth(cfg.Auth.JWTSecret)

	// WebSocket
	r.With(auth).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserID(r.Context())
		socket.ServeWs(hub, w, r, userID)
	})

	// REST API
	h := researchHandler.NewResearchHandler(svc)
	r.Route("/api/research", func(r chi.Router) {
		r.Use(auth)
		r.Post("/", h.CreateResearch)
		r.Get("/", h.ListResearch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetResearch)
			r.Patch("/", h.RenameResearch)
			r.Delete("/", h.DeleteResearch)
			r.Post("/invite", h.AddCollaborator)
			r.Get("/members", h.GetMembers)
			r.Get("/export", h.ExportResearch)
		})
	})

	return r
}
