package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"realtime-service/internal/audit"
	"realtime-service/internal/config"
	"realtime-service/internal/gateway"
	"realtime-service/internal/models"
	"realtime-service/internal/service"
	"realtime-service/internal/util"
)

// Response is the uniform JSON envelope for every REST endpoint.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// UserHandler serves the REST surface over the directory store.
type UserHandler struct {
	directory *service.Directory
	gateway   *gateway.Gateway
	verifier  *gateway.TokenVerifier
	audit     *audit.Publisher
	config    *config.Config
}

func NewUserHandler(
	directory *service.Directory,
	gw *gateway.Gateway,
	verifier *gateway.TokenVerifier,
	auditPublisher *audit.Publisher,
	cfg *config.Config,
) *UserHandler {
	return &UserHandler{
		directory: directory,
		gateway:   gw,
		verifier:  verifier,
		audit:     auditPublisher,
		config:    cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}

// serviceErrorStatus maps directory sentinels onto HTTP statuses.
func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrDuplicateIdentity):
		return http.StatusConflict
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredential):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	status := serviceErrorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		util.Error("Request failed", zap.Error(err))
		message = "internal error"
	}
	writeError(w, status, message)
}

// ===================== users =====================

func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in service.UserCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := h.directory.CreateUser(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: user.Sanitize()})
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	user, err := h.directory.GetUserByID(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: user.Sanitize()})
}

func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var upd models.UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := h.directory.UpdateUser(r.Context(), userID, &upd)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: user.Sanitize()})
}

func (h *UserHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var prefs models.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := h.directory.UpdateUserPreferences(r.Context(), userID, prefs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: user.Sanitize()})
}

func (h *UserHandler) LockUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var body struct {
		DurationSeconds int `json:"durationSeconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	duration := time.Duration(body.DurationSeconds) * time.Second
	if err := h.directory.LockUser(r.Context(), userID, duration); err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (h *UserHandler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if err := h.directory.ResetLoginAttempts(r.Context(), userID); err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

// ===================== auth =====================

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
		DeviceID   string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, session, err := h.directory.Authenticate(
		r.Context(), body.Identifier, body.Password, r.RemoteAddr, r.UserAgent(), body.DeviceID,
	)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	jwtToken, err := h.verifier.Issue(user.ID, time.Until(session.ExpiresAt))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"user":         user.Sanitize(),
		"session":      session,
		"sessionToken": session.Token,
		"accessToken":  jwtToken,
	}})
}

// ===================== sessions =====================

func (h *UserHandler) GetUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	sessions, err := h.directory.GetUserSessions(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: sessions})
}

func (h *UserHandler) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	changed, err := h.directory.InvalidateSession(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "session not found or already inactive")
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (h *UserHandler) InvalidateAllSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	count, err := h.directory.InvalidateAllUserSessions(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"invalidated": count}})
}

// ===================== aggregates and diagnostics =====================

func (h *UserHandler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.directory.GetUserStats(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: stats})
}

func (h *UserHandler) GetActiveUsers(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if raw := r.URL.Query().Get("window"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			window = parsed
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	users, err := h.directory.GetActiveUsers(r.Context(), window, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: users})
}

func (h *UserHandler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	entries, err := h.audit.SearchEvents(r.Context(), r.URL.Query().Get("userId"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: entries})
}

func (h *UserHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.gateway.Registry().Snapshot()})
}

func (h *UserHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.directory.HealthCheck(r.Context())
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{Success: code == http.StatusOK, Data: status})
}
