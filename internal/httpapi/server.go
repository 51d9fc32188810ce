package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbleshop/remindsync/internal/remindsync"
)

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every route
	// except /health. The credential is opaque; anything beyond equality
	// is out of scope here.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	store       *remindsync.Store
	dispatcher  *remindsync.Dispatcher
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schemas     *schemaSet
	log         *zap.Logger
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

func NewServer(store *remindsync.Store, dispatcher *remindsync.Dispatcher) *Server {
	return NewServerWithConfig(store, dispatcher, ServerConfig{})
}

func NewServerWithConfig(store *remindsync.Store, dispatcher *remindsync.Dispatcher, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
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
		store:       store,
		dispatcher:  dispatcher,
		cfg:         cfg,
		rateLimiter: limiter,
		schemas:     newSchemaSet(),
		log:         logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "appointments" && r.Method == http.MethodGet:
		s.handleListAppointments(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "appointments" && r.Method == http.MethodPost:
		s.handleCreateAppointment(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "appointments" && r.Method == http.MethodDelete:
		s.handleDeleteAppointment(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "appointments" && parts[3] == "remind" && r.Method == http.MethodPost:
		s.handleRemind(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodGet:
		s.handleGetSettings(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodPut:
		s.handleUpdateSettings(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleSyncStatus(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request, correlationID string) {
	appointments := s.store.ListAppointments(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"appointments": appointments,
	})
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.createAppointment, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req remindsync.CreateAppointmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	appointment, sync, err := s.store.CreateAppointment(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"appointment": appointment,
		"sync":        sync,
	})
}

func (s *Server) handleDeleteAppointment(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "appointment id must be an integer", correlationID)
		return
	}
	sync, err := s.store.DeleteAppointment(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": id,
		"sync":    sync,
	})
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "appointment id must be an integer", correlationID)
		return
	}
	result, err := s.dispatcher.Trigger(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	writeJSON(w, http.StatusOK, s.store.GetSettings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.settings, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var settings remindsync.Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	updated, sync, err := s.store.UpdateSettings(r.Context(), settings)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": updated,
		"sync":     sync,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var downstream *remindsync.DownstreamError
	switch {
	case errors.Is(err, remindsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, remindsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, remindsync.ErrMisconfigured):
		writeError(w, http.StatusPreconditionFailed, "misconfigured", err.Error(), correlationID)
	case errors.As(err, &downstream):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":             "downstream_rejected",
			"message":          err.Error(),
			"downstreamStatus": downstream.StatusCode,
			"correlationId":    correlationID,
		})
	case errors.Is(err, remindsync.ErrDispatchTimeout):
		writeError(w, http.StatusGatewayTimeout, "dispatch_timeout", err.Error(), correlationID)
	case errors.Is(err, remindsync.ErrTransport):
		writeError(w, http.StatusBadGateway, "transport_error", err.Error(), correlationID)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	if strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) != s.cfg.AuthToken {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	return nil
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
