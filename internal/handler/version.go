package handler

import (
	"net/http"

	"github.com/mohammadhprp/offgrid/internal/manifest"
)

// ManifestSource yields the currently deployed generation.
type ManifestSource interface {
	Current() manifest.Manifest
}

// VersionResponse describes the deployed generation to clients.
type VersionResponse struct {
	Version   string   `json:"version"`
	CacheName string   `json:"cacheName"`
	Precache  []string `json:"precache"`
}

// Version handles GET /version
func Version(source ManifestSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := source.Current()
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, VersionResponse{
			Version:   m.Version,
			CacheName: m.CacheName(),
			Precache:  m.Precache,
		})
	}
}
