package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/hub"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

// handleHealth reports liveness and store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "memory"
	if s.store != nil {
		storeStatus = "ok"
		if err := s.store.Ping(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health check: store unreachable")
			storeStatus = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"store":   storeStatus,
		"clients": s.hub.ClientCount(),
	})
}

// handleWebSocket upgrades host and controller pages onto the fabric.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	hub.NewClient(s.hub, conn).Serve()
}

// handleCreateSession creates or reuses the host's session link.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	if uid == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	session, reused := s.lifecycle.Create(r.Context(), uid)
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"slug":   session.Slug,
		"reused": reused,
	})
}

// handleGetSession returns the merged session view.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session := s.state.GetConnection(r.Context(), chi.URLParam(r, "slug"))
	if session == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleTerminateSession pauses a session without deleting it.
func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	session := s.lifecycle.Terminate(r.Context(), chi.URLParam(r, "slug"))
	if session == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleUpdateHost sets a host's vanity alias and merges its settings.
func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))

	var req struct {
		Alias    *string        `json:"alias,omitempty"`
		Settings map[string]any `json:"settings,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil || uid == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	host := s.state.EnsureHost(r.Context(), uid)

	if req.Alias != nil {
		alias := strings.TrimSpace(*req.Alias)
		if alias != "" {
			if other := s.state.GetHost(r.Context(), alias); other != nil && !strings.EqualFold(other.UID, host.UID) {
				http.Error(w, "Alias already taken", http.StatusConflict)
				return
			}
		}
		host.Alias = alias
	}
	if len(req.Settings) > 0 {
		if host.Settings == nil {
			host.Settings = make(map[string]any, len(req.Settings))
		}
		for k, v := range req.Settings {
			host.Settings[k] = v
		}
	}

	s.state.SaveHost(r.Context(), host)
	writeJSON(w, http.StatusOK, host)
}

// handleDeviceCallback records the devices linked to a host. The vendor
// sends toys either as an array or as an object keyed by device id.
func (s *Server) handleDeviceCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID  string           `json:"uid"`
		Toys model.DeviceList `json:"toys"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	host := s.state.EnsureHost(r.Context(), uid)
	host.Toys = req.Toys
	s.state.SaveHost(r.Context(), host)

	s.log.Info().Str("host", uid).Int("devices", len(req.Toys)).Msg("device link callback")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(req.Toys),
	})
}

// handleSweep runs the strict operator orphan sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed := s.lifecycle.SweepOrphans(r.Context(), s.cfg.ManualOrphanAge)
	writeJSON(w, http.StatusOK, map[string]any{
		"removed":   removed,
		"threshold": s.cfg.ManualOrphanAge.String(),
		"at":        s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// handlePurgeSession destroys a session.
func (s *Server) handlePurgeSession(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycle.Purge(r.Context(), chi.URLParam(r, "slug")) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
