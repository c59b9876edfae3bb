package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/handoff-labs/handoff/pkg/agentcard"
	"github.com/handoff-labs/handoff/pkg/dispatch"
	"github.com/handoff-labs/handoff/pkg/exchange"
)

const defaultExchangeTimeout = 10 * time.Second

// Config assembles a Server. Engine is required.
type Config struct {
	Engine *exchange.Engine

	// Card is this service's own discovery document, served at
	// /.well-known/agent.json. Optional; the endpoint 404s without it.
	Card *agentcard.Card

	// Tasks dispatches outbound agent calls under exchanged tokens,
	// exposed at /v1/tasks. Optional; the routes 404 without it.
	Tasks *dispatch.Machine

	// Limiter throttles requests per caller when set; nil disables.
	Limiter *exchange.CallerLimiter

	Logger *slog.Logger

	// ExchangeTimeout bounds each token exchange. Defaults to 10s.
	ExchangeTimeout time.Duration
}

// Server is the HTTP facade over the exchange engine.
type Server struct {
	engine  *exchange.Engine
	card    *agentcard.Card
	tasks   *dispatch.Machine
	limiter *exchange.CallerLimiter
	logger  *slog.Logger
	timeout time.Duration
}

// NewServer builds the facade.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &Server{
		engine:  cfg.Engine,
		card:    cfg.Card,
		tasks:   cfg.Tasks,
		limiter: cfg.Limiter,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// Handler returns the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", s.handleToken)
	mux.HandleFunc("/v1/tasks", s.handleTaskCollection)
	mux.HandleFunc("/v1/tasks/", s.handleTaskItem)
	mux.HandleFunc(agentcard.WellKnownPath, s.handleAgentCard)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = RateLimit(s.limiter)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	if s.card == nil {
		WriteNotFound(w, r, "This service does not publish an agent card")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteNotFound(w, r, "Unknown endpoint")
}
