// Package handler exposes the promotion engine over HTTP. Checkout
// endpoints (preview, finalize, release) are consumed by the storefront and
// order services; the admin CRUD surface is API-key protected.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/promo-engine/internal/domain/checkout"
	"github.com/xenking/promo-engine/internal/domain/rule"
)

// Handler holds the HTTP endpoints and their domain dependencies.
type Handler struct {
	coordinator *checkout.Coordinator
	rules       rule.Repository
	security    *Security

	// storageTimeout bounds every storage-touching request so a slow
	// database surfaces as 503 instead of a hung request.
	storageTimeout time.Duration
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// StorageTimeout is the per-request deadline for storage operations.
	StorageTimeout time.Duration
}

// New constructs a Handler with the required domain dependencies.
func New(cfg Config, coordinator *checkout.Coordinator, rules rule.Repository, security *Security) *Handler {
	timeout := cfg.StorageTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		coordinator:    coordinator,
		rules:          rules,
		security:       security,
		storageTimeout: timeout,
	}
}

// Routes returns the chi router for all API endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/cart/preview", h.PreviewCart)
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Post("/finalize", h.FinalizeOrder)
		r.Post("/release", h.ReleaseRedemption)
	})

	r.Route("/admin/rules", func(r chi.Router) {
		r.Use(h.security.RequireAPIKey)
		r.Post("/", h.CreateRule)
		r.Get("/{ruleID}", h.GetRule)
		r.Put("/{ruleID}", h.UpdateRule)
		r.Delete("/{ruleID}", h.DeleteRule)
	})

	return r
}

// withTimeout derives the storage deadline for one request.
func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.storageTimeout)
}
