package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/visionagent/internal/config"
	"github.com/ent0n29/visionagent/internal/dispatch"
	"github.com/ent0n29/visionagent/internal/edge"
	"github.com/ent0n29/visionagent/internal/observability"
)

type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	edge       edge.Provider
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	// Ping cadence and read timeout for the one-way job feed.
	wsPingInterval time.Duration
	wsReadTimeout  time.Duration
}

func New(cfg config.Config, dispatcher *dispatch.Dispatcher, edgeProvider edge.Provider, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		edge:       edgeProvider,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only watch the job feed from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
		wsPingInterval: 30 * time.Second,
		wsReadTimeout:  120 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/join-call", s.handleJoinCall)
	r.Post("/webhooks/stream", s.handleStreamWebhook)

	r.Get("/v1/jobs", s.handleListJobs)
	r.Get("/v1/jobs/ws", s.handleJobsWS)
	r.Get("/v1/jobs/{id}", s.handleGetJob)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.dispatcher.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	edgeName := "none"
	if s.edge != nil {
		edgeName = s.edge.Name()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"edge_provider":     edgeName,
		"realtime_provider": s.cfg.RealtimeProvider,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
