package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/bank-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware банковского леджера.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger, h.observer))

	// promhttp сам сжимает ответ, поэтому /metrics не проходит через gzip.
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/me", h.Me)
			r.Get("/dashboard", h.Dashboard)

			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts", h.ListAccounts)
			r.Patch("/accounts/{id}/status", h.UpdateStatus)
			r.Get("/accounts/{id}/transactions", h.AccountHistory)
			r.Get("/accounts/{id}/series", h.SixMonthSeries)
			r.Get("/accounts/{id}/monthly-count", h.MonthlyTransactionCount)

			r.Post("/transactions", h.ApplyTransaction)
			r.Get("/transactions", h.RecentTransactions)

			r.Get("/reports/logins", h.LoginReport)
			r.Post("/reports/logins/send", h.SendLoginReport)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
