package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/router"
)

// ProviderRegistry exposes provider health and manual breaker resets.
// *router.Router satisfies it.
type ProviderRegistry interface {
	Status() []router.ProviderStatus
	Reset(providerID string) error
}

// ProviderHandler handles provider-related HTTP requests
type ProviderHandler struct {
	registry ProviderRegistry
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(registry ProviderRegistry) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

// ListProviders handles GET /providers requests
func (h *ProviderHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, ProvidersResponse{Providers: h.registry.Status()})
}

// ResetProvider handles POST /providers/{id}/reset requests
func (h *ProviderHandler) ResetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Reset(id); err != nil {
		HandleAPIError(w, r, err, "Failed to reset provider")
		return
	}

	logger.FromContext(r.Context()).Info("provider breaker reset", slog.String("provider", id))

	for _, s := range h.registry.Status() {
		if s.ProviderID == id {
			shared.RespondWithJSON(w, r, http.StatusOK, s)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
