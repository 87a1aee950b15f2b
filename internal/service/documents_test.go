package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

func TestDocumentService_PutReplacesSlot(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	svc := NewDocumentService(store, 64, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Get(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty slot error = %v, want ErrNotFound", err)
	}

	for _, content := range []string{"# first", "# second"} {
		if err := svc.Put(ctx, Document{Content: content, ContentType: "text/markdown", UpdatedAt: time.Now()}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	doc, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Content != "# second" {
		t.Errorf("Content = %q, want the latest upload", doc.Content)
	}
}

func TestDocumentService_RejectsOversized(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	svc := NewDocumentService(store, 4, zap.NewNop())
	err := svc.Put(context.Background(), Document{Content: strings.Repeat("a", 5)})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Put() error = %v, want ErrTooLarge", err)
	}
}

func TestHealthService(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	report := NewHealthService(store, "memory", zap.NewNop()).Report(context.Background())
	if !report.Healthy() || report.Backend != "memory" || report.Error != "" {
		t.Errorf("memory store report = %+v", report)
	}

	report = NewHealthService(brokenStore{}, "redis", nil).Report(context.Background())
	if report.Healthy() || report.Status != HealthStatusUnhealthy || report.Error == "" {
		t.Errorf("broken store report = %+v", report)
	}
}
