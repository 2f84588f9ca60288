package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valinor-ai/moderator/internal/auth"
	"github.com/valinor-ai/moderator/internal/pipeline"
	"github.com/valinor-ai/moderator/internal/platform/middleware"
	"github.com/valinor-ai/moderator/internal/policy"
	"github.com/valinor-ai/moderator/internal/provider"
	"github.com/valinor-ai/moderator/internal/stream"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports per-provider health.
type HealthChecker interface {
	Health(ctx context.Context) map[string]provider.ProviderHealth
}

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	DB                 Pinger
	Auth               auth.TokenValidator
	ModerationHandler  *pipeline.Handler
	SettingsHandler    *policy.Handler
	Stream             *stream.Hub
	Providers          HealthChecker
	Metrics            http.Handler
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

// writeTimeout is the floor for response writes. With a moderation handler
// it grows to the pipeline's worst-case latency plus writeHeadroom.
const (
	writeTimeout  = 30 * time.Second
	writeHeadroom = 10 * time.Second
)

type Server struct {
	httpServer *http.Server
	db         Pinger
	providers  HealthChecker
	handler    http.Handler
}

func New(addr string, deps Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		db:        deps.DB,
		providers: deps.Providers,
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	if h := deps.ModerationHandler; h != nil {
		s.httpServer.WriteTimeout = max(writeTimeout, h.MaxLatency()+writeHeadroom)
		mux.HandleFunc("POST /api/moderate", h.HandleModerate)
		mux.HandleFunc("GET /api/moderate/result/{id}", h.HandleGetResult)
		mux.HandleFunc("GET /api/moderate/stats", h.HandleStats)
	}
	if deps.Stream != nil {
		// Authenticated by the hub via the access_token query parameter.
		mux.HandleFunc("GET /api/moderate/stream", deps.Stream.HandleStream)
	}

	if h := deps.SettingsHandler; h != nil {
		mux.HandleFunc("GET /api/settings", h.HandleGet)
		var update http.Handler = http.HandlerFunc(h.HandleUpdate)
		if deps.Auth != nil {
			update = auth.Middleware(deps.Auth)(auth.RequireRole(auth.RoleAdmin)(update))
		}
		mux.Handle("PUT /api/settings", update)
	}

	var handler http.Handler = mux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// WriteTimeout reports the response write deadline in effect.
func (s *Server) WriteTimeout() time.Duration {
	return s.httpServer.WriteTimeout
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status    string                             `json:"status"`
	Providers map[string]provider.ProviderHealth `json:"providers,omitempty"`
}

// handleHealth is a liveness probe: it always answers 200 and reports
// degraded when no provider is usable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "degraded", Providers: s.providers.Health(ctx)}
	for _, h := range resp.Providers {
		if h.Healthy {
			resp.Status = "ok"
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "store": "memory"})
		return
	}

	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
