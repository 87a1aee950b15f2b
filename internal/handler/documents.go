package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mohammadhprp/offgrid/internal/middleware"
	"github.com/mohammadhprp/offgrid/internal/service"
	"go.uber.org/zap"
)

// DocumentHandler serves the single mutable document slot.
type DocumentHandler struct {
	documents *service.DocumentService
	clientIP  middleware.KeyExtractor
	logger    *zap.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(documents *service.DocumentService, clientIP middleware.KeyExtractor, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clientIP == nil {
		clientIP = middleware.IPKeyExtractor
	}
	return &DocumentHandler{documents: documents, clientIP: clientIP, logger: logger}
}

// Upload handles POST /api/documents - replace the stored document
func (h *DocumentHandler) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		if limit := h.documents.MaxBytes(); limit > 0 {
			body = http.MaxBytesReader(w, r.Body, limit)
		}

		content, err := io.ReadAll(body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "document too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/markdown; charset=utf-8"
		}

		doc := service.Document{
			Content:     string(content),
			ContentType: contentType,
			UpdatedAt:   time.Now().UTC(),
			UploadedBy:  h.clientIP(r),
		}

		if err := h.documents.Put(r.Context(), doc); err != nil {
			if errors.Is(err, service.ErrTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, err.Error())
				return
			}
			h.logger.Error("failed to store document", zap.String("request_id", middleware.RequestID(r.Context())), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "failed to store document")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"success":   true,
			"bytes":     len(content),
			"updatedAt": doc.UpdatedAt.UnixMilli(),
		})
	}
}

// Fetch handles GET /api/documents - return the stored document
func (h *DocumentHandler) Fetch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := h.documents.Get(r.Context())
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			h.logger.Error("failed to load document", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "failed to load document")
			return
		}

		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Last-Modified", doc.UpdatedAt.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, doc.Content)
	}
}
