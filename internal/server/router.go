package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultCORSOptions returns the CORS policy of the interactive surfaces.
// The DNS API is server-to-server and needs none.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			csrfHeader,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles the chi router. Middleware order is part of the
// contract: request ID, real IP, recovery, then per-surface limits.
func (app *Application) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)

	// DNS proxy surface. Body limit and request deadline wrap the
	// pipeline; rate limiting happens inside the handler so the reject
	// can be audited.
	r.Group(func(r chi.Router) {
		r.Use(app.bodyLimit)
		r.Use(app.requestDeadline)
		r.Post("/api", app.handleAPI)
	})

	// Interactive surfaces, consumed by the external UI.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(DefaultCORSOptions()))
		r.Use(app.bodyLimit)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", app.handleLogin)
			r.Post("/logout", app.handleLogout)
			r.Post("/totp", app.handleVerifyTOTP)
			r.Post("/recovery", app.handleRecoveryCode)
			r.Post("/password", app.handleChangePassword)
			r.Post("/2fa/setup", app.handleTOTPSetup)
			r.Post("/2fa/enable", app.handleTOTPEnable)
			r.Post("/2fa/disable", app.handleTOTPDisable)
		})

		r.Route("/account", func(r chi.Router) {
			r.Get("/realms", app.handleListRealms)
			r.Post("/realms", app.handleCreateRealm)
			r.Delete("/realms/{id}", app.handleDeleteRealm)
			r.Get("/tokens", app.handleListTokens)
			r.Post("/tokens", app.handleCreateToken)
			r.Delete("/tokens/{id}", app.handleDeleteToken)
			r.Get("/roots", app.handleListRoots)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/accounts", app.handleListAccounts)
			r.Post("/accounts", app.handleCreateAccount)
			r.Get("/accounts/{id}", app.handleGetAccount)
			r.Put("/accounts/{id}", app.handleUpdateAccount)
			r.Delete("/accounts/{id}", app.handleDeleteAccount)

			r.Get("/providers", app.handleListProviders)
			r.Get("/services", app.handleListServices)
			r.Post("/services", app.handleCreateService)
			r.Put("/services/{id}", app.handleUpdateService)
			r.Post("/services/{id}/test", app.handleTestService)

			r.Post("/roots", app.handleCreateRoot)
			r.Put("/roots/{id}", app.handleUpdateRoot)
			r.Post("/roots/{id}/grants", app.handleCreateGrant)
			r.Delete("/grants/{id}", app.handleRevokeGrant)

			r.Get("/audit", app.handleQueryAudit)
		})
	})

	return r
}

// bodyLimit caps request bodies at MAX_BODY_BYTES.
func (app *Application) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, app.Config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// requestDeadline applies the per-request deadline; handlers propagate
// the context into database and upstream calls.
func (app *Application) requestDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), app.Config.APIDeadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
