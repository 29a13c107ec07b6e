package ledgerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stakeledger/core/ledger"
	"stakeledger/native/common"
	"stakeledger/observability"
	"stakeledger/storage"
)

const requestIDHeader = "X-Request-ID"

// Config wires a Server.
type Config struct {
	Stack *ledger.Stack
	Store *storage.SnapshotStore
	// Auth is optional. Without it mutating routes are not mounted.
	Auth      *Authenticator
	RateLimit RateLimit
	// Retain bounds how many snapshots are kept on disk.
	Retain uint64
	Logger *slog.Logger
}

// Server exposes a ledger stack over HTTP and persists its snapshots.
type Server struct {
	stack   *ledger.Stack
	store   *storage.SnapshotStore
	auth    *Authenticator
	limiter *RateLimiter
	retain  uint64
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Stack == nil {
		return nil, fmt.Errorf("ledger stack required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("snapshot store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retain == 0 {
		cfg.Retain = 1
	}
	return &Server{
		stack:   cfg.Stack,
		store:   cfg.Store,
		auth:    cfg.Auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		retain:  cfg.Retain,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("ledgerd"),
	}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware("v1"))

		v1.With(observe("state")).Get("/state", s.handleState)
		v1.With(observe("token")).Get("/tokens/{id}", s.handleToken)
		v1.With(observe("token_account")).Get("/tokens/{id}/accounts/{account}", s.handleTokenAccount)
		v1.With(observe("tracker")).Get("/trackers/{id}", s.handleTracker)
		v1.With(observe("tracker_account")).Get("/trackers/{id}/accounts/{account}", s.handleTrackerAccount)
		v1.With(observe("vester")).Get("/vesters/{id}", s.handleVester)
		v1.With(observe("vester_account")).Get("/vesters/{id}/accounts/{account}", s.handleVesterAccount)
		v1.With(observe("transfer")).Get("/transfers/{sender}", s.handlePendingTransfer)

		if s.auth == nil {
			return
		}
		v1.Group(func(w chi.Router) {
			w.Use(s.auth.Middleware(ScopeWrite))
			w.With(observe("router")).Post("/router/{op}", s.handleRouterOp)
			w.With(observe("vester_op")).Post("/vesters/{id}/{op}", s.handleVesterOp)
		})
		v1.Group(func(a chi.Router) {
			a.Use(s.auth.Middleware(ScopeAdmin), s.requireGovernor)
			a.With(observe("admin_pause")).Post("/admin/pause", s.handlePause)
			a.With(observe("admin_compound")).Post("/admin/compound", s.handleBatchCompound)
			a.With(observe("admin_snapshot")).Post("/admin/snapshot", s.handleSnapshot)
		})
	})
	return r
}

// Snapshot persists the current ledger state and prunes old snapshots.
func (s *Server) Snapshot(ctx context.Context) (uint64, error) {
	_, span := s.tracer.Start(ctx, "ledgerd.snapshot")
	defer span.End()
	seq, err := s.stack.Save(s.store)
	if err == nil {
		err = s.store.Prune(s.retain)
	}
	observability.Ledgerd().RecordSnapshot(seq, err)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("ledger snapshot failed", slog.Any("error", err))
		return 0, err
	}
	s.logger.Info("ledger snapshot saved", slog.Uint64("sequence", seq))
	return seq, nil
}

// RunSnapshots writes a snapshot every interval until ctx is cancelled.
func (s *Server) RunSnapshots(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Snapshot(ctx)
		}
	}
}

func (s *Server) requireGovernor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := accountFromContext(r.Context())
		if !ok || !account.Equal(s.stack.Governance.Gov()) {
			writeError(w, http.StatusForbidden, errors.New("admin routes require the governor"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func observe(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			observability.Ledgerd().Observe(route, r.Method, recorder.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// statusFor maps the ledger error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrTransferNotSignalled), errors.Is(err, common.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, common.ErrInsufficientBalance),
		errors.Is(err, common.ErrInsufficientAllowance),
		errors.Is(err, common.ErrExceedsStaked),
		errors.Is(err, common.ErrExceedsDeposit),
		errors.Is(err, common.ErrVestingCeilingExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrInputInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
