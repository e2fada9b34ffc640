// Package api exposes the live-state, command-intent, context, and
// subscriber-feed interfaces over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylattice/fleetd/arbiter"
	"github.com/skylattice/fleetd/fusion"
	"github.com/skylattice/fleetd/intent"
	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/stream"
	"github.com/skylattice/fleetd/types"
)

const defaultAddr = "127.0.0.1:8700"

type Config struct {
	Addr     string
	Registry registry.Reader
	Loop     *arbiter.Loop
	Fusion   *fusion.Engine
	Gateway  *stream.Gateway
	Logger   *zap.Logger

	// Health reports per-store reachability; nil entries are skipped.
	Health map[string]func(ctx context.Context) error
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	http   *http.Server
	logger *zap.Logger
	once   sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry reader is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PUT /api/agents/{id}/target", s.handleSetTarget)
	s.mux.HandleFunc("GET /api/context", s.handleContext)
	s.mux.HandleFunc("GET /api/stream/{name}", s.handleStream)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		err = s.http.Close()
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true
	for name, check := range s.cfg.Health {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
		cancel()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "stores": checks})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	states, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	state, err := s.cfg.Registry.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %q", agentID))
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type setTargetRequest struct {
	Target types.Position `json:"target"`
	// Role selects the priority tier: "operator" maps to override,
	// "decision_agent" to the decision-agent tier.
	Role string `json:"role"`
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Loop == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("command intake is not enabled on this node"))
		return
	}
	agentID := r.PathValue("id")

	var req setTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	role := req.Role
	if role == "" {
		role = r.Header.Get("X-Fleet-Role")
	}
	tier, err := intent.ParseTier(role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cmd, err := s.cfg.Loop.Command(r.Context(), agentID, req.Target, tier, role)
	if err != nil {
		var oob *intent.OutOfBoundsError
		switch {
		case errors.As(err, &oob):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, registry.ErrUnknownAgent):
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %q", agentID))
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Fusion == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("context fusion is not enabled on this node"))
		return
	}

	query := fusion.Query{}
	if raw := r.URL.Query().Get("agents"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				query.AgentIDs = append(query.AgentIDs, id)
			}
		}
	}
	if raw := r.URL.Query().Get("aspects"); raw != "" {
		for _, aspect := range strings.Split(raw, ",") {
			if aspect = strings.TrimSpace(aspect); aspect != "" {
				query.Aspects = append(query.Aspects, fusion.Aspect(aspect))
			}
		}
	}

	result, err := s.cfg.Fusion.Fuse(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(result.Render()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
