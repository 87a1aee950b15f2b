package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mohammadhprp/offgrid/internal/middleware"
	"github.com/mohammadhprp/offgrid/internal/service"
	"go.uber.org/zap"
)

// CheckRequest represents a rate limit check request.
// An omitted key falls back to the caller's IP address.
type CheckRequest struct {
	Key string `json:"key" validate:"omitempty,max=256"`
}

// ResetRequest represents a rate limit reset request
type ResetRequest struct {
	Key string `json:"key" validate:"omitempty,max=256"`
}

// ResetResponse acknowledges a reset
type ResetResponse struct {
	Success bool `json:"success"`
}

// RateLimitHandler handles rate limit operations
type RateLimitHandler struct {
	service  *service.RateLimitService
	validate *validator.Validate
	clientIP middleware.KeyExtractor
	logger   *zap.Logger
	now      func() time.Time
}

// NewRateLimitHandler creates a new rate limit handler. clientIP keys requests
// whose body names no key; nil uses the peer address.
func NewRateLimitHandler(svc *service.RateLimitService, clientIP middleware.KeyExtractor, logger *zap.Logger) *RateLimitHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clientIP == nil {
		clientIP = middleware.IPKeyExtractor
	}
	return &RateLimitHandler{
		service:  svc,
		validate: validator.New(),
		clientIP: clientIP,
		logger:   logger,
		now:      time.Now,
	}
}

// decodeKey reads {"key": ...} from the body, tolerating an empty body.
func (h *RateLimitHandler) decodeKey(r *http.Request, req any, key *string) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return errors.New("key must be at most 256 characters")
	}
	if *key == "" {
		*key = h.clientIP(r)
	}
	return nil
}

// Check handles POST /check - count one request and report whether it is allowed
func (h *RateLimitHandler) Check() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest
		if err := h.decodeKey(r, &req, &req.Key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := h.service.CheckLimit(r.Context(), req.Key)
		if err != nil {
			if errors.Is(err, service.ErrInvalidKey) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			// Fail closed: the caller must not proceed with the guarded request.
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"allowed":   false,
				"remaining": 0,
				"error":     "rate limiter unavailable",
			})
			return
		}

		middleware.SetRateLimitHeaders(w.Header(), res, h.now())

		status := http.StatusOK
		if !res.Allowed {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, service.NewCheckLimitResponse(res))
	}
}

// Reset handles POST /reset - clear the window for a key
func (h *RateLimitHandler) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResetRequest
		if err := h.decodeKey(r, &req, &req.Key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := h.service.ResetLimit(r.Context(), req.Key); err != nil {
			if errors.Is(err, service.ErrInvalidKey) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, "failed to reset rate limit")
			return
		}

		writeJSON(w, http.StatusOK, ResetResponse{Success: true})
	}
}
