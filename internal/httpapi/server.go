package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/metrics"
)

type ServerConfig struct {
	// WebhookSecret enables Pachca-Signature verification on chat routes.
	WebhookSecret string
	// WebhookMaxSkew bounds the webhook_timestamp age; zero disables the check.
	WebhookMaxSkew  time.Duration
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *logger.Logger
	Events          *EventHub
	Now             func() time.Time
}

type Server struct {
	engine      *bridge.Engine
	cfg         ServerConfig
	log         *logger.Logger
	events      *EventHub
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *bridge.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *bridge.Engine, cfg ServerConfig) *Server {
	if cfg.WebhookMaxSkew < 0 {
		cfg.WebhookMaxSkew = 0
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	events := cfg.Events
	if events == nil {
		events = NewEventHub(0)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		log:         log,
		events:      events,
		metrics:     metrics.Handler(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/test" && r.Method == http.MethodGet:
		writeText(w, http.StatusOK, "Test ok")
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/admin" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/admin/tables" && r.Method == http.MethodGet:
		s.handleAdminTables(w, r, correlationID)
		return
	case r.URL.Path == "/admin/events" && r.Method == http.MethodGet:
		s.handleAdminEvents(w, r, correlationID)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	route := bridge.Route(r.URL.Path)
	switch route {
	case bridge.RouteData, bridge.RouteDemo, bridge.RouteSale, bridge.RouteWebhook, bridge.RouteAnalytic:
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.requiresSignature(route, body) {
		if authErr := verifyChatSignature(s.cfg.WebhookSecret, r.Header.Get(signatureHeader), body, s.cfg.Now().UTC(), s.cfg.WebhookMaxSkew); authErr != nil {
			s.log.Warn("webhook rejected", "route", route, "reason", authErr.message, "correlationId", correlationID)
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}

	ctx := r.Context()
	var (
		out bridge.Outcome
		err error
	)
	switch route {
	case bridge.RouteData, bridge.RouteDemo:
		out, err = s.engine.HandleChatEvent(ctx, route, body)
	case bridge.RouteSale:
		out, err = s.engine.HandleSale(ctx, body)
	case bridge.RouteWebhook:
		out, err = s.engine.HandleLeadWebhook(ctx, body)
	case bridge.RouteAnalytic:
		out, err = s.engine.HandleAnalytic(ctx, body)
	}
	s.log.Info("request handled",
		"route", route,
		"variant", out.Variant,
		"status", out.Status,
		"correlationId", correlationID,
	)
	writeOutcome(w, out, err, correlationID)
}

// requiresSignature reports whether body was sent by the chat platform.
func (s *Server) requiresSignature(route bridge.Route, body []byte) bool {
	if strings.TrimSpace(s.cfg.WebhookSecret) == "" {
		return false
	}
	switch route {
	case bridge.RouteData, bridge.RouteDemo, bridge.RouteAnalytic:
		return true
	case bridge.RouteSale:
		return bridge.IsChatEvent(body)
	default:
		return false
	}
}

func writeOutcome(w http.ResponseWriter, out bridge.Outcome, err error, correlationID string) {
	status := out.Status
	if status == 0 {
		status = http.StatusOK
		if err != nil {
			status = bridge.StatusFor(err)
		}
	}
	if err != nil {
		message := out.Message
		if message == "" {
			message = err.Error()
		}
		writeError(w, status, bridge.CodeFor(err), message, correlationID)
		return
	}
	if out.JSON {
		writeJSON(w, status, map[string]string{
			"message": out.Message,
			"pageId":  out.PageID,
		})
		return
	}
	writeText(w, status, out.Message)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
