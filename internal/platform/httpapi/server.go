// Package httpapi exposes the gateway over HTTP: a streaming message
// endpoint plus status, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/gate"
	"github.com/joss/agentgate/internal/logging"
	"github.com/joss/agentgate/internal/metrics"
	"github.com/joss/agentgate/internal/orchestrator"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// maxBody bounds a message request.
const maxBody = 1 << 20

// Gateway is the subset of the orchestrator the server needs.
type Gateway interface {
	Handle(ctx context.Context, msg domain.InboundMessage, sink orchestrator.Sink) error
	Stats() gate.Stats
	Healthy(ctx context.Context) bool
}

// MessageRequest is the body of POST /api/messages.
type MessageRequest struct {
	Platform       string `json:"platform,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	Text           string `json:"text"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Storage bool `json:"storage"`
}

// Server provides the HTTP API.
type Server struct {
	gw      Gateway
	metrics *metrics.Metrics
	mux     *http.ServeMux
	srv     *http.Server
	log     *logging.Logger

	// base parents every request context; cancelling it aborts in-flight
	// turns.
	base     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func New(gw Gateway, m *metrics.Metrics, addr string) *Server {
	if m == nil {
		m = metrics.Global()
	}
	s := &Server{
		gw:      gw,
		metrics: m,
		mux:     http.NewServeMux(),
		log:     logging.New("httpapi"),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: assistant turns stream for minutes.
		BaseContext: func(net.Listener) context.Context { return s.base },
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/messages", s.handleMessage)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the routed handler with request ids attached.
func (s *Server) Handler() http.Handler {
	return requestID(s.mux)
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http_listen", logging.Fields{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends. Turns still running then are cancelled, which kills their
// assistant processes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		s.log.Warn("shutdown_aborting_turns", nil, err)
	}
	s.cancel()
	s.inflight.Wait()
	return err
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	platform := domain.NormalizePlatform(req.Platform)
	if platform == "" {
		platform = domain.PlatformHTTP
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	sink := orchestrator.SinkFunc(func(ctx context.Context, c domain.OutboundChunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	msg := domain.InboundMessage{
		Platform:       platform,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		Timestamp:      time.Now(),
	}
	// The request context ends when the client disconnects, which cancels
	// the turn.
	if err := s.gw.Handle(r.Context(), msg, sink); err != nil {
		s.log.WithContext(r.Context()).Debug("message_failed", logging.Fields{"error": err.Error()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.gw.Stats()
	writeJSON(w, http.StatusOK, StatusResponse{Active: st.Active, Queued: st.Queued, Limit: st.Limit})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	resp := HealthResponse{Storage: s.gw.Healthy(ctx)}
	code := http.StatusOK
	if !resp.Storage {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
