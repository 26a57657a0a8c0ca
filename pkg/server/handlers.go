package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nstogner/ortofix/pkg/ledger"
)

// Stats is the body of GET /api/stats. Credentials themselves are never exposed.
type Stats struct {
	Sessions    int                 `json:"sessions"`
	Credentials CredentialStats     `json:"credentials"`
	Events      map[ledger.Kind]int `json:"events"`
}

// CredentialStats describes the pool position.
type CredentialStats struct {
	Size  int `json:"size"`
	Index int `json:"index"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dispatcher.Ledger().Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Stats{
		Sessions: s.dispatcher.Registry().Len(),
		Credentials: CredentialStats{
			Size:  s.pool.PoolSize(),
			Index: s.pool.PoolIndex(),
		},
		Events: counts,
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	history, ok := s.dispatcher.Ledger().(ledger.History)
	if !ok {
		writeError(w, http.StatusNotFound, "event history is disabled")
		return
	}
	events, err := history.SessionEvents(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	slog.Error("API error", "status", status, "error", message)
	writeJSON(w, status, map[string]string{"error": message})
}
