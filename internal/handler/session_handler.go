package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/service"
	"gp-session-sync/internal/util"
)

const maxBodyBytes = 1 << 20

// SessionHandler serves the identity-store webhooks and the sync triggers.
type SessionHandler struct {
	sessionService *service.SessionService
	logger         *zap.Logger
}

func NewSessionHandler(sessionService *service.SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		logger:         logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// InternalUserEvent is the body the identity store posts on connect and disconnect.
type InternalUserEvent struct {
	InternalUser struct {
		Name             string            `json:"name"`
		CustomAttributes map[string]string `json:"customAttributes,omitempty"`
	} `json:"InternalUser"`
}

// RegisterRoutes registers all session routes
func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Post("/connected", h.Connected)
	router.Post("/disconnected", h.Disconnected)
	router.Post("/sync", h.Sync)
	router.Post("/sync/{username}", h.SyncUser)
	router.Get("/stats", h.Stats)
}

// Connected handles a user connecting. A duplicate session is answered with 409 and the
// detected event; the identity record is left as it was.
func (h *SessionHandler) Connected(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	username, attrs, err := h.decodeEvent(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.sessionService.Connected(r.Context(), username, attrs)
	if err != nil {
		h.respondWithServiceError(w, err, outcome, "Failed to process connect event")
		return
	}

	if outcome.Decision == service.Conflict {
		h.respondWithJSON(w, http.StatusConflict, Response{
			Success: false,
			Data:    outcome,
			Error:   "duplicate session",
			Message: "Duplicate session login attempt denied",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Connect event processed"))
	h.logger.Info("Connect event processed",
		util.Username(username),
		util.String("action", string(outcome.Action)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Disconnected handles a user disconnecting.
func (h *SessionHandler) Disconnected(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	username, attrs, err := h.decodeEvent(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	outcome, err := h.sessionService.Disconnected(r.Context(), username, attrs)
	if err != nil {
		h.respondWithServiceError(w, err, outcome, "Failed to process disconnect event")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "Disconnect event processed"))
	h.logger.Info("Disconnect event processed",
		util.Username(username),
		util.String("action", string(outcome.Action)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Sync runs a full reconciliation pass; ?initial=true forces a full refresh first.
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	initial := false
	if v := r.URL.Query().Get("initial"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid initial parameter")
			return
		}
		initial = parsed
	}

	result, err := h.sessionService.Sync(r.Context(), initial)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Sync failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Sync completed"))
}

// SyncUser reconciles a single user.
func (h *SessionHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" || util.ContainsSuspicious(username) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: username", service.ErrInvalidInput), "Invalid username")
		return
	}

	outcome, err := h.sessionService.SyncUser(r.Context(), username)
	if err != nil {
		h.respondWithServiceError(w, err, outcome, "User sync failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(outcome, "User synced"))
}

// Stats reports cache sizes and the last sync pass.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.sessionService.Stats(), "Stats retrieved successfully"))
}

func (h *SessionHandler) decodeEvent(w http.ResponseWriter, r *http.Request) (string, models.SessionAttributes, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var event InternalUserEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		return "", models.SessionAttributes{}, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}

	username := util.CleanAttribute(event.InternalUser.Name)
	if username == "" {
		return "", models.SessionAttributes{}, fmt.Errorf("%w: InternalUser.name is required", service.ErrInvalidInput)
	}
	if util.ContainsSuspicious(username) {
		return "", models.SessionAttributes{}, fmt.Errorf("%w: InternalUser.name contains forbidden characters", service.ErrInvalidInput)
	}

	custom := make(map[string]string, len(event.InternalUser.CustomAttributes))
	for k, v := range event.InternalUser.CustomAttributes {
		custom[k] = util.CleanAttribute(v)
	}
	return username, models.AttributesFromCustom(custom), nil
}

// respondWithServiceError answers a missing identity record with a 200 "skipped" response
// and everything else through getStatusCode.
func (h *SessionHandler) respondWithServiceError(w http.ResponseWriter, err error, outcome service.Outcome, message string) {
	if errors.Is(err, models.ErrUserNotFound) {
		outcome.Action = service.ActionSkipped
		h.logger.Info("Skipped event for unknown user", util.Username(outcome.Username), util.ErrorField(err))
		h.respondWithJSON(w, http.StatusOK, Response{
			Success: true,
			Data:    outcome,
			Message: "User not found in identity store, skipped",
		})
		return
	}
	h.respondWithError(w, h.getStatusCode(err), err, message)
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *SessionHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SessionHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SessionHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoActiveEndpoint), errors.Is(err, models.ErrSourceUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrMalformedPayload),
		errors.Is(err, models.ErrRemoteRejected),
		errors.Is(err, models.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
