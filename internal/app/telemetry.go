package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
)

const telemetryShutdownTimeout = 2 * time.Second

// Handler returns the telemetry mux: /metrics when a metrics handler was
// given, plus /healthz and /readyz. /readyz fails while no connection is up.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	routes := []string{"/healthz", "/readyz"}
	if a.metricsHTTP != nil {
		mux.Handle("GET /metrics", a.metricsHTTP)
		routes = append(routes, "/metrics")
	}
	health.New(a.connected.Checker("connection")).Register(mux)
	return observe.Middleware(a.metrics, routes...)(mux)
}

func (a *App) serveTelemetry(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: telemetry listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}
