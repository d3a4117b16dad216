// Package control implements the agent control plane: the HTTP surface pages and operators use to
// send control messages, queue mutations, signal syncs, deliver pushes and follow page events.
package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the control plane router.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Get("/status", h.Status)

	r.Post("/control", h.Control)

	r.Post("/sync", h.SyncAll)
	r.Post("/sync/{tag}", h.Sync)

	r.Route("/queue/{domain}", func(r chi.Router) {
		r.Get("/", h.ListPending)
		r.Post("/", h.Enqueue)
		r.Delete("/", h.ClearQueue)
		r.Get("/dead", h.ListDead)
		r.Post("/dead/{id}/requeue", h.Requeue)
	})

	r.Post("/push", h.Push)
	r.Post("/notifications/click", h.Click)

	if h.events != nil {
		r.Get("/events", h.events.ServeHTTP)
	}

	return r
}
