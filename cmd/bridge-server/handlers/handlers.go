package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/providentiaww/trilix-command-bridge/cmd/bridge-server/auth"
	"github.com/providentiaww/trilix-command-bridge/internal/bridge"
	"github.com/providentiaww/trilix-command-bridge/internal/models"
	"github.com/providentiaww/trilix-command-bridge/internal/storage"
)

// Handler serves the bridge HTTP API.
type Handler struct {
	registry *bridge.Registry
	store    storage.Store
	log      *log.Entry
}

// NewHandler creates the HTTP handler set.
func NewHandler(registry *bridge.Registry, store storage.Store) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		log:      log.WithField("component", "bridge-server"),
	}
}

// commandRequest is the POST /v1/commands body.
type commandRequest struct {
	Provider  string          `json:"provider"`
	Command   json.RawMessage `json:"command"`
	TimeoutMs int             `json:"timeout_ms,omitempty"`
}

// HandleCommand issues one command for the authenticated caller and waits
// for its settled result.
func (h *Handler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrCodeInvalidRequest, err.Error(), "")
		return
	}
	if req.Provider == "" || len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, models.ErrCodeInvalidRequest, "provider and command are required", "")
		return
	}

	// Trace id for logs; the push channel correlation id is internal to
	// the command client.
	traceID := uuid.NewString()
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	result, err := h.registry.Execute(r.Context(), user.UserID, req.Provider, req.Command, timeout)
	if err != nil {
		code, status := bridge.ErrorCode(err)
		h.log.WithFields(log.Fields{
			"trace_id": traceID,
			"user_id":  user.UserID,
			"provider": req.Provider,
		}).Warnf("command failed: %v", err)
		writeError(w, status, code, err.Error(), traceID)
		return
	}

	writeJSON(w, http.StatusOK, models.CommandResponse{
		Success:   true,
		Result:    result,
		RequestID: traceID,
	})
}

// HandleSession handles DELETE /v1/sessions/{provider}: it tears down the
// caller's command session so the next command reconnects from scratch.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	providerName := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if providerName == "" || strings.Contains(providerName, "/") {
		writeError(w, http.StatusBadRequest, models.ErrCodeInvalidRequest, "provider is required", "")
		return
	}

	h.registry.Evict(user.UserID, providerName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// HandleAccounts lists the caller's connected accounts, tokens omitted.
func (h *Handler) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accounts, err := h.store.ListAccounts(user.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.ErrCodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// HandleHealth reports store connectivity.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	writeJSON(w, status, models.ErrorResponse(code, message, traceID))
}
