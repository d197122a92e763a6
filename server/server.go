// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"miniapp-relay/metrics"
	"miniapp-relay/pkg/subscription"
	"miniapp-relay/telegram"
)

// maxBodyBytes bounds request bodies on both intakes.
const maxBodyBytes = 64 << 10

// Deliverer sends a record to the spreadsheet.
type Deliverer interface {
	Deliver(ctx context.Context, rec *subscription.Record) subscription.Outcome
}

// Messenger sends chat messages.
type Messenger interface {
	SendMessage(ctx context.Context, msg *telegram.OutgoingMessage) error
}

// Server handles HTTP requests.
type Server struct {
	deliverer     Deliverer
	messenger     Messenger
	logger        *slog.Logger
	sheetsSecret  string
	webhookSecret string
	webAppURL     string
	debugToChat   bool
	hasEnv        map[string]bool
	now           func() time.Time
}

// Config holds server configuration.
type Config struct {
	Deliverer     Deliverer // nil when no spreadsheet is configured
	Messenger     Messenger // nil when no bot token is configured
	Logger        *slog.Logger
	SheetsSecret  string
	WebhookSecret string
	WebAppURL     string
	DebugToChat   bool
	HasEnv        map[string]bool
	Now           func() time.Time // defaults to time.Now
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		deliverer:     cfg.Deliverer,
		messenger:     cfg.Messenger,
		logger:        cfg.Logger,
		sheetsSecret:  cfg.SheetsSecret,
		webhookSecret: cfg.WebhookSecret,
		webAppURL:     cfg.WebAppURL,
		debugToChat:   cfg.DebugToChat,
		hasEnv:        cfg.HasEnv,
		now:           now,
	}
}

// Router returns the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/api/subscribe", s.SubscribeHandler())
	r.Handle("/api/telegram-webhook", s.WebhookHandler())

	return r
}

// SubscribeHandler serves the mini-app intake. Browser preflights are
// answered by the CORS layer before they reach the handler.
func (s *Server) SubscribeHandler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(http.HandlerFunc(s.handleSubscribe))
}

// WebhookHandler serves the chat platform webhook.
func (s *Server) WebhookHandler() http.Handler {
	return http.HandlerFunc(s.handleWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startTime := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"ip", r.RemoteAddr,
			"duration_ms", time.Since(startTime).Milliseconds())
	})
}

// setCORS marks every intake response readable by the mini-app origin.
func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "content-type")
	h.Set("Access-Control-Allow-Methods", "POST,OPTIONS")
}

func (s *Server) writeJSON(w http.ResponseWriter, handler string, status int, v any) {
	setCORS(w.Header())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	metrics.IntakeResponsesTotal.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "handler", handler, "error", err)
	}
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, handler string, status int, msg string) {
	s.writeJSON(w, handler, status, errorResponse{OK: false, Error: msg})
}
