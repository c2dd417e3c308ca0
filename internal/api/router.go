package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/genqueue/internal/api/middleware"
	"github.com/phrazzld/genqueue/internal/api/shared"
)

// DefaultRequestTimeout bounds each admin request.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig holds the handlers mounted by NewRouter.
type RouterConfig struct {
	Tasks     *TaskHandler
	Providers *ProviderHandler
	Logger    *slog.Logger
	Timeout   time.Duration
}

// NewRouter builds the admin HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Tasks != nil {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", cfg.Tasks.EnqueueTask)
			r.Post("/resume", cfg.Tasks.ResumePaused)
			r.Get("/{id}", cfg.Tasks.GetTask)
		})
		r.Get("/stats", cfg.Tasks.GetStats)
	}

	if cfg.Providers != nil {
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", cfg.Providers.ListProviders)
			r.Post("/{id}/reset", cfg.Providers.ResetProvider)
		})
	}

	return r
}
