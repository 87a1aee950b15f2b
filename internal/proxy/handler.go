package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/mohammadhprp/offgrid/internal/connection"
	"github.com/mohammadhprp/offgrid/internal/update"
	"go.uber.org/zap"
)

// StatusResponse reports the gateway state to pages.
type StatusResponse struct {
	Connection  connection.State `json:"connection"`
	Update      update.Status    `json:"update"`
	Namespace   string           `json:"namespace,omitempty"`
	ReloadEpoch int64            `json:"reloadEpoch"`
}

// ConnectivityRequest forwards the page's online/offline signal.
type ConnectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

var validate = validator.New()

func (g *Gateway) statusResponse() StatusResponse {
	resp := StatusResponse{
		Connection:  g.monitor.State(),
		Update:      g.lifecycle.Status(),
		ReloadEpoch: g.host.ReloadEpoch(),
	}
	if h, ok := g.fetcher.Namespace(); ok {
		resp.Namespace = h.Name
	}
	return resp
}

// status handles GET /__offline/status
func (g *Gateway) status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, g.statusResponse())
	}
}

// activate handles POST /__offline/update - SKIP_WAITING for the waiting generation
func (g *Gateway) activate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.lifecycle.Activate(r.Context()); err != nil {
			if errors.Is(err, update.ErrNotWaiting) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			g.logger.Error("activation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "activation failed")
			return
		}
		writeJSON(w, http.StatusAccepted, g.statusResponse())
	}
}

// claim handles POST /__offline/claim - CLIENTS_CLAIM for the controlling generation
func (g *Gateway) claim() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.lifecycle.Claim(r.Context()); err != nil {
			if errors.Is(err, update.ErrNoController) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			g.logger.Error("claim failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "claim failed")
			return
		}
		writeJSON(w, http.StatusOK, g.statusResponse())
	}
}

// check handles POST /__offline/check - a page became visible
func (g *Gateway) check() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.lifecycle.OnVisible(r.Context())
		writeJSON(w, http.StatusOK, g.statusResponse())
	}
}

// connectivity handles POST /__offline/connectivity
func (g *Gateway) connectivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConnectivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "online is required")
			return
		}

		g.monitor.SetLinkUp(r.Context(), *req.Online)
		writeJSON(w, http.StatusOK, g.statusResponse())
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
