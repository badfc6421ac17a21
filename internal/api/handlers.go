package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"trove-guardian/internal/events"
	"trove-guardian/internal/registry"
	"trove-guardian/internal/strategy"
	"trove-guardian/internal/version"
)

const maxQueryLimit = 1000

type registerRequest struct {
	Address  string `json:"address"`
	Strategy string `json:"strategy"`
	AgentID  string `json:"agentId"`
}

type registerResponse struct {
	Address      string `json:"address"`
	Strategy     string `json:"strategy"`
	AgentID      string `json:"agentId,omitempty"`
	RegisteredAt string `json:"registeredAt"`
}

type countResponse struct {
	Count int `json:"count"`
}

type eventsResponse struct {
	Events []events.RiskEvent `json:"events"`
	Count  int                `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "watched": s.watcher.Count(), "version": version.Version})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wp, err := s.watcher.Register(req.Address, req.Strategy, req.AgentID)
	switch {
	case errors.Is(err, registry.ErrInvalidAddress), errors.Is(err, strategy.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Address:      wp.Address,
		Strategy:     wp.Strategy.String(),
		AgentID:      wp.AgentID,
		RegisteredAt: wp.RegisteredAt.Format(time.RFC3339),
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !s.watcher.Deregister(address) {
		writeError(w, http.StatusNotFound, "address not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.watcher.Count()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxQueryLimit)
	}

	list := s.watcher.Query(r.URL.Query().Get("agentId"), limit)
	if list == nil {
		list = []events.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: list, Count: len(list)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream.Serve(w, r, mux.Vars(r)["address"])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
