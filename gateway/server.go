package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autorepayd/config"
	"autorepayd/engine"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Position is the orchestration surface the gateway consumes for one IP
// asset.
type Position interface {
	Snapshot() engine.Snapshot
	Refresh(ctx context.Context) (engine.Snapshot, error)
	Lock(ctx context.Context, target common.Address) (engine.Snapshot, error)
	ClaimAndRepay(ctx context.Context) (engine.Snapshot, error)
	Unlock(ctx context.Context) (engine.Snapshot, error)
	Subscribe(buffer int) (<-chan engine.Snapshot, func())
	PreviewMaxAge() time.Duration
}

// Directory hands out positions by IP asset identifier.
type Directory interface {
	Position(ipID common.Address) (Position, error)
}

// DirectoryFromManager adapts an engine manager to the Directory
// interface.
func DirectoryFromManager(m *engine.Manager) Directory {
	return managerDirectory{m: m}
}

type managerDirectory struct {
	m *engine.Manager
}

func (d managerDirectory) Position(ipID common.Address) (Position, error) {
	return d.m.Position(ipID)
}

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Directory Directory
	Registry  *config.Registry
	Auth      AuthConfig
	RateLimit RateLimit
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server exposes orchestration state and transitions over HTTP and
// WebSocket. It is a pure observer/requester: all state derivation stays
// inside the engine.
type Server struct {
	directory Directory
	registry  *config.Registry
	log       *slog.Logger
	nowFn     func() time.Time
	auth      *Authenticator
	limiter   *RateLimiter
}

// NewServer constructs the gateway server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("gateway requires a position directory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Server{
		directory: cfg.Directory,
		registry:  cfg.Registry,
		log:       logger,
		nowFn:     nowFn,
		auth:      NewAuthenticator(cfg.Auth, logger),
		limiter:   NewRateLimiter(cfg.RateLimit, logger),
	}, nil
}

// Router assembles the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1/positions/{ipId}", func(r chi.Router) {
		r.Use(s.limiter.Middleware())
		r.Use(s.auth.Middleware())
		r.Get("/", s.handleGetPosition)
		r.Get("/stream", s.handleStream)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/lock", s.handleLock)
		r.Post("/claim", s.handleClaim)
		r.Post("/unlock", s.handleUnlock)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	s.writeSnapshot(w, http.StatusOK, position, position.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	snap, err := position.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, position, snap)
}

type lockRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Token)) {
		s.writeStatus(w, http.StatusBadRequest, "token must be a hex address")
		return
	}
	snap, err := position.Lock(r.Context(), common.HexToAddress(req.Token))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, position, snap)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	snap, err := position.ClaimAndRepay(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, position, snap)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	position, ok := s.position(w, r)
	if !ok {
		return
	}
	snap, err := position.Unlock(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, position, snap)
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) (Position, bool) {
	raw := chi.URLParam(r, "ipId")
	if !common.IsHexAddress(raw) {
		s.writeStatus(w, http.StatusBadRequest, "ipId must be a hex address")
		return nil, false
	}
	position, err := s.directory.Position(common.HexToAddress(raw))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return position, true
}

func (s *Server) writeSnapshot(w http.ResponseWriter, status int, position Position, snap engine.Snapshot) {
	payload := renderSnapshot(snap, s.registry, s.nowFn(), position.PreviewMaxAge())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode response failed", slog.Any("error", err))
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
