package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/spendwise/rewards-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса вознаграждений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/points/balance", h.GetBalance)
			r.Get("/points/history", h.GetHistory)
			r.Get("/points/cap", h.GetMonthlyCap)
			r.Post("/points/redeem", h.Redeem)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.authMiddleware.RequireAdmin)

		r.Post("/points/adjust", h.AdminAdjust)
		r.Post("/points/reverse", h.AdminReverse)
		r.Post("/points/convert", h.AdminConvert)
		r.Post("/points/void", h.AdminVoid)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
