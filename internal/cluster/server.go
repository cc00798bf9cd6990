package cluster

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/common/expfmt"

	"github.com/ramiqadoumi/tenantflow/internal/middleware"
)

// ServerConfig configures the leader's aggregated metrics endpoint. Basic
// auth is enforced when Username is set.
type ServerConfig struct {
	Addr     string
	Username string
	Password string
}

// NewHandler serves GET /metrics with the aggregated exposition.
func NewHandler(agg *Aggregator, cfg ServerConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	if cfg.Username != "" {
		r.Use(chimw.BasicAuth("tenantflow", map[string]string{cfg.Username: cfg.Password}))
	}

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		var buf bytes.Buffer
		if err := agg.Render(req.Context(), &buf); err != nil {
			logger.Error("metrics aggregation failed", slog.String("error", err.Error()))
			http.Error(w, "metrics aggregation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_, _ = w.Write(buf.Bytes())
	})
	return r
}

// Serve runs the aggregated metrics server until ctx is cancelled.
func Serve(ctx context.Context, cfg ServerConfig, agg *Aggregator, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(agg, cfg, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cluster metrics server starting", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
