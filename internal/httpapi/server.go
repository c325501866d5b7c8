package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/furriyadh/my-app-sub004/internal/linksync"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	// Real authentication lives in front of this service.
	Token        string
	MaxBodyBytes int64
}

// Server is the JSON surface the dashboard frontend consumes: read the
// projection, issue link/unlink requests, trigger manual re-checks and
// batch syncs.
type Server struct {
	engine *linksync.Engine
	cfg    ServerConfig
}

func NewServer(engine *linksync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *linksync.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID(r))
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "accounts" && r.Method == http.MethodGet:
		s.handleListAccounts(w, r)
	case len(parts) == 3 && parts[1] == "accounts" && r.Method == http.MethodGet:
		s.handleGetAccount(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "link" && r.Method == http.MethodPost:
		s.handleLink(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "unlink" && r.Method == http.MethodPost:
		s.handleUnlink(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "recheck" && r.Method == http.MethodPost:
		s.handleRecheck(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "recheck" && r.Method == http.MethodDelete:
		s.handleCancelRecheck(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleRunSync(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleSyncStatus(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID(r))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == s.cfg.Token
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": s.engine.Accounts(),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, rawID string) {
	account, ok := s.engine.Account(rawID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown account", correlationID(r))
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request, rawID string) {
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	err := s.engine.RequestLink(r.Context(), rawID, body.DisplayName)
	s.writeOperationResult(w, r, rawID, err)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request, rawID string) {
	err := s.engine.RequestUnlink(r.Context(), rawID)
	s.writeOperationResult(w, r, rawID, err)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request, rawID string) {
	direction, ok := parseDirection(r.URL.Query().Get("direction"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_direction", "direction must be link or unlink", correlationID(r))
		return
	}
	var err error
	if direction == linksync.AwaitingLink {
		err = s.engine.StartAwaitingLink(rawID, true)
	} else {
		err = s.engine.StartAwaitingUnlink(rawID, true)
	}
	s.writeOperationResult(w, r, rawID, err)
}

func (s *Server) handleCancelRecheck(w http.ResponseWriter, r *http.Request, rawID string) {
	direction, ok := parseDirection(r.URL.Query().Get("direction"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_direction", "direction must be link or unlink", correlationID(r))
		return
	}
	s.engine.CancelAwaiting(rawID, direction)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	// The pass runs in the background; the 202 acknowledges the trigger,
	// the drop-if-running policy surfaces as 409.
	if s.engine.BatchSyncRunning() {
		writeError(w, http.StatusConflict, "sync_in_progress", "batch sync already running", correlationID(r))
		return
	}
	// Detached from the request context: the pass must outlive the
	// handler. Failures are transient; the next scheduled pass corrects
	// them.
	go func() {
		_ = s.engine.RunBatchSync(context.Background())
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	_ = r
	var lastSync *time.Time
	if t := s.engine.LastBatchSyncAt(); !t.IsZero() {
		lastSync = &t
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":         s.engine.BatchSyncRunning(),
		"lastBatchSyncAt": lastSync,
		"busyIds":         s.engine.BusyIDs(),
		"activeSessions":  s.engine.Sessions().Count(),
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", correlationID(r))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid json body", correlationID(r))
		return false
	}
	return true
}

// writeOperationResult maps engine errors onto the API: malformed ids are
// client errors, platform business conditions become structured 409s the
// UI turns into notifications, transport failures are 502s.
func (s *Server) writeOperationResult(w http.ResponseWriter, r *http.Request, rawID string, err error) {
	if err == nil {
		account, _ := s.engine.Account(rawID)
		writeJSON(w, http.StatusAccepted, account)
		return
	}
	if errors.Is(err, linksync.ErrInvalidCustomerID) {
		writeError(w, http.StatusBadRequest, "invalid_customer_id", err.Error(), correlationID(r))
		return
	}
	var business *linksync.BusinessError
	if errors.As(err, &business) {
		writeError(w, http.StatusConflict, business.Code, business.Message, correlationID(r))
		return
	}
	writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID(r))
}

func parseDirection(raw string) (linksync.Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "link", "":
		return linksync.AwaitingLink, true
	case "unlink":
		return linksync.AwaitingUnlink, true
	}
	return "", false
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
