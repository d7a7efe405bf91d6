package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
	"github.com/SwayamMehta10/AuthRecall/internal/controller"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	// JWTSecret enables HS256 bearer auth when set.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	ctrl        *controller.Controller
	cfg         ServerConfig
	logger      *slog.Logger
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

func NewServer(ctrl *controller.Controller) *Server {
	return NewServerWithConfig(ctrl, ServerConfig{})
}

func NewServerWithConfig(ctrl *controller.Controller, cfg ServerConfig) *Server {
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
		logger = slog.New(slog.DiscardHandler)
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
		ctrl:        ctrl,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	var domain string
	switch {
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "email-detected" && r.Method == http.MethodPost:
		requiredScope, route = "events:write", "email_detected"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "oauth-selected" && r.Method == http.MethodPost:
		requiredScope, route = "events:write", "oauth_selected"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "oauth-data" && r.Method == http.MethodPost:
		requiredScope, route = "events:write", "oauth_data"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "ws" && r.Method == http.MethodGet:
		requiredScope, route = "events:read", "events_ws"
	case len(parts) == 2 && parts[1] == "accounts" && r.Method == http.MethodGet:
		requiredScope, route = "accounts:read", "accounts_list"
	case len(parts) == 3 && parts[1] == "accounts" && r.Method == http.MethodGet:
		requiredScope, route, domain = "accounts:read", "account_get", parts[2]
	case len(parts) == 3 && parts[1] == "accounts" && r.Method == http.MethodPut:
		requiredScope, route, domain = "accounts:write", "account_put", parts[2]
	case len(parts) == 3 && parts[1] == "accounts" && r.Method == http.MethodDelete:
		requiredScope, route, domain = "accounts:write", "account_delete", parts[2]
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		requiredScope, route = "accounts:read", "stats"
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		requiredScope, route = "accounts:read", "export"
	case len(parts) == 2 && parts[1] == "import" && r.Method == http.MethodPost:
		requiredScope, route = "accounts:write", "import"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope, route = "sync:run", "sync"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "bidirectional" && r.Method == http.MethodPost:
		requiredScope, route = "sync:run", "sync_bidirectional"
	case len(parts) == 3 && parts[1] == "remote" && r.Method == http.MethodDelete:
		requiredScope, route, domain = "sync:run", "remote_delete", parts[2]
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodGet:
		requiredScope, route = "settings:read", "settings_get"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodPut:
		requiredScope, route = "settings:write", "settings_put"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if s.cfg.JWTSecret == "" && !isLocalOrigin(r.Header.Get("Origin")) {
			writeError(w, http.StatusForbidden, "forbidden_origin", "cross-origin requests require bearer auth", correlationID)
			return
		}
		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && !isJSONRequest(r) {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content type must be application/json", correlationID)
			return
		}
	}

	client := clientKey(r)
	if s.cfg.JWTSecret != "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && route == "events_ws" {
			// Browsers cannot set headers on a WebSocket handshake.
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		client = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(client, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "email_detected":
		s.handleEmailDetected(w, r, correlationID)
	case "oauth_selected":
		s.handleOAuthSelected(w, r, correlationID)
	case "oauth_data":
		s.handleOAuthData(w, r, correlationID)
	case "events_ws":
		s.handleEventStream(w, r, correlationID)
	case "accounts_list":
		s.handleListAccounts(w, r, correlationID)
	case "account_get":
		s.handleGetAccount(w, r, domain, correlationID)
	case "account_put":
		s.handlePutAccount(w, r, domain, correlationID)
	case "account_delete":
		writeJSON(w, http.StatusOK, s.ctrl.DeleteAccount(r.Context(), domain))
	case "stats":
		s.handleStats(w, r, correlationID)
	case "export":
		s.handleExport(w, r, correlationID)
	case "import":
		s.handleImport(w, r, correlationID)
	case "sync":
		writeJSON(w, http.StatusOK, s.ctrl.SyncNow(r.Context()))
	case "sync_bidirectional":
		writeJSON(w, http.StatusOK, s.ctrl.BidirectionalSync(r.Context()))
	case "remote_delete":
		writeJSON(w, http.StatusOK, s.ctrl.DeleteRemote(r.Context(), domain))
	case "settings_get":
		s.handleGetSettings(w, r, correlationID)
	case "settings_put":
		s.handlePutSettings(w, r, correlationID)
	}
}

type captureResponse struct {
	Saved  bool   `json:"saved"`
	Domain string `json:"domain,omitempty"`
}

func (s *Server) handleEmailDetected(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Email   string `json:"email"`
		Source  string `json:"source"`
		PageURL string `json:"pageUrl"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	domain, saved, err := s.ctrl.HandleEmailDetected(r.Context(), body.Email, body.Source, body.PageURL)
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, captureResponse{Saved: saved, Domain: domain})
}

func (s *Server) handleOAuthSelected(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Email  string `json:"email"`
		Domain string `json:"domain"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	domain, saved, err := s.ctrl.HandleOAuthAccountSelected(r.Context(), body.Email, body.Domain)
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, captureResponse{Saved: saved, Domain: domain})
}

func (s *Server) handleOAuthData(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Data    json.RawMessage `json:"data"`
		PageURL string          `json:"pageUrl"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	domain, saved, err := s.ctrl.HandleLegacyOAuthData(r.Context(), body.Data, body.PageURL)
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, captureResponse{Saved: saved, Domain: domain})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, correlationID string) {
	all, err := s.ctrl.ListAccounts(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": all})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, domain, correlationID string) {
	record, err := s.ctrl.GetAccount(r.Context(), domain)
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no account for "+domain, correlationID)
		return
	}
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": accounts.NormalizeDomain(domain), "account": record})
}

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request, domain, correlationID string) {
	var input accounts.AccountInput
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	saved, record, err := s.ctrl.SaveAccount(r.Context(), domain, input)
	switch {
	case errors.Is(err, accounts.ErrInvalidDomain), errors.Is(err, accounts.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return
	case err != nil:
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": saved, "account": record})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.ctrl.Stats(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, correlationID string) {
	bundle, err := s.ctrl.Export(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	filename := fmt.Sprintf("authrecall-export-%s.json", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	count, err := s.ctrl.Import(r.Context(), body)
	if errors.Is(err, accounts.ErrInvalidBundle) {
		writeError(w, http.StatusBadRequest, "invalid_bundle", err.Error(), correlationID)
		return
	}
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "imported": count})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	settings, err := s.ctrl.Settings(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, settings.Redacted())
}

// handlePutSettings applies only the fields present in the body, so a
// client echoing the redacted key back does not clobber the stored one.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		NotionAPIKey     *string `json:"notionApiKey"`
		NotionDatabaseID *string `json:"notionDatabaseId"`
		NotionEnabled    *bool   `json:"notionEnabled"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	settings, err := s.ctrl.Settings(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	if body.NotionAPIKey != nil && !strings.Contains(*body.NotionAPIKey, "*") {
		settings.NotionAPIKey = *body.NotionAPIKey
	}
	if body.NotionDatabaseID != nil {
		settings.NotionDatabaseID = *body.NotionDatabaseID
	}
	if body.NotionEnabled != nil {
		settings.NotionEnabled = *body.NotionEnabled
	}
	if err := s.ctrl.UpdateSettings(r.Context(), settings); err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings.Redacted()})
}

func (s *Server) internalError(w http.ResponseWriter, err error, correlationID string) {
	s.logger.Error("request failed", "error", err, "correlation_id", correlationID)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLocalOrigin accepts a missing Origin (non-browser clients), loopback
// pages and browser extensions. Any other site is refused.
func isLocalOrigin(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "chrome-extension", "moz-extension":
		return parsed.Host != ""
	case "http", "https":
	default:
		return false
	}
	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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
