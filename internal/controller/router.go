package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Mounter registers extra routes, such as the bot ingestion hooks.
type Mounter interface {
	Routes(r chi.Router)
}

func NewRouter(campaigns *CampaignController, db Pinger, log zerolog.Logger, extra ...Mounter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/health", health(db))

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaigns.CreateCampaign)
		r.Get("/", campaigns.ListCampaigns)
		r.Get("/{id}", campaigns.GetCampaignDetails)
		r.Patch("/{id}", campaigns.UpdateCampaign)
		r.Post("/{id}/enqueue", campaigns.EnqueueCampaign)
		r.Post("/{id}/cancel", campaigns.CancelCampaign)
		r.Post("/{id}/personalized-preview", campaigns.PersonalizedPreview)
	})
	r.Get("/jobs", campaigns.ListJobs)
	r.Get("/stats", campaigns.Stats)

	for _, m := range extra {
		m.Routes(r)
	}
	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
