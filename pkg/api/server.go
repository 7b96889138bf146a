package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/entropy"
	"github.com/Mindburn-Labs/tccflow/pkg/flow"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
	"github.com/Mindburn-Labs/tccflow/pkg/reversal"
	"github.com/Mindburn-Labs/tccflow/pkg/shard"
)

// LogStore is the read side of the audit log.
type LogStore interface {
	ReadAll(file auditlog.LogFile) ([]auditlog.Entry, error)
	VerifyChain(file auditlog.LogFile) (*auditlog.Verification, error)
	PublicKey() string
}

// Deps are the services the API fronts. Limiter and Observability are
// optional.
type Deps struct {
	Flow          *flow.Engine
	Reversal      *reversal.Engine
	Entropy       *entropy.Coordinator
	Shards        *shard.Registry
	Logs          LogStore
	Observability *observability.Provider
	Limiter       *RateLimiter
	Logger        *slog.Logger
	Version       string
}

// Server is the HTTP surface.
type Server struct {
	flow     *flow.Engine
	reversal *reversal.Engine
	entropy  *entropy.Coordinator
	shards   *shard.Registry
	logs     LogStore
	obs      *observability.Provider
	limiter  *RateLimiter
	logger   *slog.Logger
	version  string
	schemas  map[string]*jsonschema.Schema
}

// NewServer validates deps and compiles the request schemas.
func NewServer(d Deps) (*Server, error) {
	if d.Flow == nil || d.Reversal == nil || d.Entropy == nil || d.Shards == nil || d.Logs == nil {
		return nil, errors.New("api: flow, reversal, entropy, shards and logs are required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		flow:     d.Flow,
		reversal: d.Reversal,
		entropy:  d.Entropy,
		shards:   d.Shards,
		logs:     d.Logs,
		obs:      d.Observability,
		limiter:  d.Limiter,
		logger:   logger.With("component", "api"),
		version:  d.Version,
		schemas:  schemas,
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(writeNotFound)
	r.MethodNotAllowed(writeMethodNotAllowed)

	r.Get("/health", s.handle("health", s.handleHealth))
	r.Post("/execute", s.handle("execute", s.handleExecute))
	r.Post("/reverse", s.handle("reverse", s.handleReverse))
	r.Post("/reverse_arbitrary", s.handle("reverse_arbitrary", s.handleReverseArbitrary))
	r.Post("/commit_entropy", s.handle("commit_entropy", s.handleCommit))
	r.Post("/reveal_entropy", s.handle("reveal_entropy", s.handleReveal))
	r.Get("/entropy/{user_id}", s.handle("entropy_status", s.handleEntropyStatus))
	r.Get("/pool", s.handle("pool", s.handlePool))
	r.Post("/deploy_shard", s.handle("deploy_shard", s.handleDeployShard))
	r.Get("/shards/{id}", s.handle("get_shard", s.handleGetShard))
	r.Get("/users/{user_id}/shards", s.handle("list_shards", s.handleListShards))
	r.Post("/shards/{id}/chunks", s.handle("append_chunk", s.handleAppendChunk))
	r.Get("/logs/{file}", s.handle("read_log", s.handleReadLog))
	r.Get("/logs/{file}/verify", s.handle("verify_log", s.handleVerifyLog))
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("api shutting down")
	return srv.Shutdown(shutdownCtx)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts a handler that returns an error: the error is classified
// into a problem detail and recorded on the operation span.
func (s *Server) handle(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.obs.TrackOperation(r.Context(), "http."+name)
		err := h(w, r.WithContext(ctx))
		done(err)
		if err != nil {
			WriteError(w, r, err)
		}
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}
