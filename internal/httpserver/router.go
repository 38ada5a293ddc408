package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"papertrade/internal/health"
	"papertrade/internal/httputil"
)

type RouterDeps struct {
	Handler       *Handler
	HealthHandler *health.Handler
	WSHandler     http.Handler
	JWTSecret     string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS middleware for development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", d.WSHandler.ServeHTTP)
		r.Get("/prices/{address}", func(w http.ResponseWriter, r *http.Request) {
			d.Handler.Price(w, r, chi.URLParam(r, "address"))
		})
		r.Post("/prices/batch", d.Handler.BatchPrices)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth([]byte(d.JWTSecret)))
			r.Post("/trades", func(w http.ResponseWriter, r *http.Request) {
				accountID, ok := AccountID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.Handler.ExecuteTrade(w, r, accountID)
			})
			r.Get("/trades", func(w http.ResponseWriter, r *http.Request) {
				accountID, ok := AccountID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.Handler.TradeHistory(w, r, accountID)
			})
			r.Get("/portfolio", func(w http.ResponseWriter, r *http.Request) {
				accountID, ok := AccountID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.Handler.Portfolio(w, r, accountID)
			})
		})
	})

	return r
}
