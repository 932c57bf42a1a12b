package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flightdesk/flightsync/pkg/flight"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/syncer"
)

type StatusResponse struct {
	Status        status.Snapshot `json:"status"`
	Sync          *syncer.State   `json:"sync,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.Board != nil {
		resp.Status = s.Board.Snapshot()
	}
	if s.Engine != nil {
		st := s.Engine.State()
		resp.Sync = &st
	}
	writeJSON(w, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.DB.ListRecentRuns(r.Context(), limitParam(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.DB.ListRecentChanges(r.Context(), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, changes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.DB.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// FlightResponse is the last stored document of one flight.
type FlightResponse struct {
	Category     string          `json:"category"`
	Key          string          `json:"key"`
	FlightNumber string          `json:"flight_number"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Pushed       bool            `json:"pushed"`
	Document     json.RawMessage `json:"document"`
}

func (s *Server) handleFlight(w http.ResponseWriter, r *http.Request) {
	key := flight.Key(r.PathValue("key"))
	snap, ok, err := s.DB.GetSnapshot(r.Context(), r.PathValue("category"), string(key))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, FlightResponse{
		Category:     snap.Category,
		Key:          snap.FlightKey,
		FlightNumber: key.FlightNumber(),
		ScheduledAt:  snap.ScheduledAt,
		Pushed:       snap.Pushed,
		Document:     json.RawMessage(snap.Document),
	})
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		n = 500
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
