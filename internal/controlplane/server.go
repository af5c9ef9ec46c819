package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is reported by /health.
var Version = "dev"

// StatsFunc reports worker pool statistics.
type StatsFunc func() map[string]interface{}

// Server provides the HTTP API for quizpilot.
type Server struct {
	service *Service
	stats   StatsFunc
	addr    string
	router  *mux.Router
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server. stats may be nil.
func NewServer(service *Service, stats StatsFunc, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		stats:   stats,
		addr:    addr,
		router:  mux.NewRouter(),
		logger:  logger.Named("http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/receive_request", s.handleReceiveRequest).Methods(http.MethodPost)

	s.router.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{id}", s.handleGetChain).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{id}/audit", s.handleChainAudit).Methods(http.MethodGet)

	s.router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)

	// Method checks happen inside so probes get a JSON 405.
	s.router.HandleFunc("/health", s.handleHealth)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting quizpilot daemon", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type messageResponse struct {
	Message string `json:"message"`
}

// --- Task intake ---

type receiveRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// ReceiveResponse is the acknowledgement for an accepted task.
type ReceiveResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
	ChainID string `json:"chain_id"`
}

func (s *Server) handleReceiveRequest(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid json"})
		return
	}

	if !s.service.Authorize(req.Secret) {
		s.logger.Warn("rejected request with bad secret", zap.String("email", req.Email), zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, messageResponse{Message: "Forbidden"})
		return
	}

	chain, err := s.service.Submit(r.Context(), models.Task{Email: req.Email, Secret: req.Secret, URL: req.URL})
	switch {
	case errors.Is(err, ErrInvalidTask):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusServiceUnavailable, messageResponse{Message: err.Error()})
		return
	case err != nil:
		s.logger.Error("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, ReceiveResponse{
		Message: "Request received successfully",
		Email:   req.Email,
		ChainID: chain.ID,
	})
}

// --- Chain Handlers ---

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChainFilter{Email: q.Get("email"), State: q.Get("state")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "invalid limit"})
			return
		}
		filter.Limit = n
	}

	chains, err := s.service.ListChains(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
		return
	}
	if chains == nil {
		chains = []models.Chain{}
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.service.GetChain(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrChainNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "chain not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleChainAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ChainAudit(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrChainNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "chain not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: err.Error()})
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	if s.stats != nil {
		stats = s.stats()
	}
	if counts, err := s.service.Counts(r.Context()); err == nil {
		stats["chains"] = counts
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Health ---

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, messageResponse{Message: "method not allowed"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
