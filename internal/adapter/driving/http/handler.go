package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vibelink/callcore/internal/adapter/driven/gateway/ws"
	"github.com/vibelink/callcore/internal/core/service"
)

type Handler struct {
	CallService *service.CallService
	Hub         *ws.Hub
	Permissions *Permissions
}

func NewHandler(callService *service.CallService, hub *ws.Hub, perms *Permissions) *Handler {
	return &Handler{
		CallService: callService,
		Hub:         hub,
		Permissions: perms,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/ws/call", h.ServeWS)

	return r
}
