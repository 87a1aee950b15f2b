package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

// Document is the single mutable upload slot.
type Document struct {
	Content     string    `json:"content"`
	ContentType string    `json:"contentType"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UploadedBy  string    `json:"uploadedBy,omitempty"`
}

// DocumentService stores the most recent upload, replacing the previous one.
type DocumentService struct {
	store    storage.Store
	maxBytes int64
	logger   *zap.Logger
}

// NewDocumentService creates a new document service
func NewDocumentService(store storage.Store, maxBytes int64, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{store: store, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the largest accepted document.
func (s *DocumentService) MaxBytes() int64 {
	return s.maxBytes
}

// Put replaces the stored document.
func (s *DocumentService) Put(ctx context.Context, doc Document) error {
	if s.maxBytes > 0 && int64(len(doc.Content)) > s.maxBytes {
		return fmt.Errorf("%w: "+ErrDocumentTooLarge, ErrTooLarge, s.maxBytes)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	if err := s.store.Set(ctx, DocumentSlotKey, string(payload), 0); err != nil {
		return fmt.Errorf("store document: %w", err)
	}

	s.logger.Info("document stored", zap.Int("bytes", len(doc.Content)), zap.String("uploaded_by", doc.UploadedBy))
	return nil
}

// Get returns the stored document or ErrNotFound.
func (s *DocumentService) Get(ctx context.Context) (*Document, error) {
	payload, found, err := s.store.Get(ctx, DocumentSlotKey)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &doc, nil
}
