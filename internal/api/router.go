/**
 * @description
 * Route table for the transfer-service API. Standard chi middleware plus the
 * internal API key check on the transfer routes; health stays open for probes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the handlers into a chi router.
func NewRouter(h *Handlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(InternalAuth(internalAPIKey))

		r.Post("/transfers", h.CreateTransfer)
		r.Get("/transfers/{code}", h.GetTransfer)
		r.Post("/transfers/{code}/complete", h.CompleteTransfer)
		r.Post("/transfers/{code}/cancel", h.CancelTransfer)
	})

	return r
}
