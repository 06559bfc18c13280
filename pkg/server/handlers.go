package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/bound"
	"github.com/trusch/timelock/pkg/timestamp"
)

type leaderResponse struct {
	Token    string `json:"token"`
	Leader   string `json:"leader,omitempty"`
	IsLeader bool   `json:"isLeader"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) getLeader(w http.ResponseWriter, r *http.Request) {
	leaderID, _ := s.election.Leader()
	writeJSON(w, http.StatusOK, leaderResponse{
		Token:    s.token,
		Leader:   leaderID,
		IsLeader: s.election.IsLeader(),
		Sequence: s.election.Sequence(),
	})
}

func (s *Server) getTimestamps(w http.ResponseWriter, r *http.Request) {
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		count = n
	}
	rng, err := s.timestamps.GetFreshTimestamps(r.Context(), count)
	if err != nil {
		s.timestampError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

func (s *Server) fastForward(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.timestamps.FastForward(r.Context(), ts); err != nil {
		s.timestampError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) timestampError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timestamp.ErrTooManyTimestamps), errors.Is(err, timestamp.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, timestamp.ErrNotLeader):
		if leaderID, ok := s.election.Leader(); ok {
			w.Header().Set("X-Timelock-Leader", leaderID)
		}
		writeError(w, http.StatusServiceUnavailable, err)
	case bound.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		log.Error().Err(err).Msg("failed to issue timestamps")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
