// Package server mounts the keeper's HTTP API and WebSocket stream on
// a local port.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/keeper/internal/handler"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/middleware"
	"github.com/neboloop/keeper/internal/svc"
)

// Options holds optional server behavior.
type Options struct {
	Quiet bool // suppress per-request logging
}

// Run starts the HTTP server and blocks until the context is cancelled.
func Run(ctx context.Context, svcCtx *svc.ServiceContext, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return run(ctx, svcCtx, o)
}

func run(ctx context.Context, svcCtx *svc.ServiceContext, opts Options) error {
	port := svcCtx.Config.Port

	if err := checkPortAvailable(port); err != nil {
		return fmt.Errorf("port %d is already in use - only one keeper instance allowed per computer", port)
	}

	r := chi.NewRouter()

	if !opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware())

	// Health check at root
	r.Get("/health", handler.HealthCheckHandler(svcCtx))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handler.StatusHandler(svcCtx))

		r.Post("/watchdog/start", handler.StartWatchdogHandler(svcCtx))
		r.Post("/watchdog/stop", handler.StopWatchdogHandler(svcCtx))
		r.Post("/watchdog/check", handler.ForceCheckHandler(svcCtx))
		r.Post("/watchdog/rotate", handler.RotateHandler(svcCtx))

		r.Get("/history/checks", handler.HistoryChecksHandler(svcCtx))
		r.Get("/history/attempts", handler.HistoryAttemptsHandler(svcCtx))
	})

	// Live state stream
	r.Get("/ws", svcCtx.Hub.HandleWebSocket)

	// Note: ReadTimeout/WriteTimeout are intentionally omitted — they set
	// deadlines on the underlying net.Conn which interfere with hijacked
	// WebSocket connections. Keepalive is the hub's ping/pong.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", port),
		Handler:     r,
		IdleTimeout: 120 * time.Second,
	}

	logging.Infof("API ready at http://localhost:%d", port)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// corsMiddleware handles CORS — the keeper is a local daemon, so only
// localhost origins are allowed.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Allow localhost origins (any port). Same-origin requests
			// carry no Origin header and need no CORS headers at all.
			if origin != "" && middleware.IsLocalhostOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			// Non-localhost origins get no CORS headers → browser blocks the request

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkPortAvailable checks if a port is available for binding
func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
