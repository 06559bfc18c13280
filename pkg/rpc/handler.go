// Package rpc exposes a paxos.Acceptor over HTTP with JSON bodies and
// provides the matching client.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/paxos"
)

const (
	preparePath        = "/prepare"
	acceptPath         = "/accept"
	latestSequencePath = "/latest-sequence"
	latestAcceptedPath = "/latest-accepted"

	// Prefix is where the server mounts the acceptor routes.
	Prefix = "/paxos"
)

type errorResponse struct {
	Error string `json:"error"`
}

type sequenceResponse struct {
	Sequence int64 `json:"sequence"`
}

// Routes serves acc. Mount it below Prefix.
func Routes(acc paxos.Acceptor) chi.Router {
	h := &handler{acc: acc}
	r := chi.NewRouter()
	r.Post(preparePath, h.prepare)
	r.Post(acceptPath, h.accept)
	r.Get(latestSequencePath, h.latestSequence)
	r.Get(latestAcceptedPath, h.latestAccepted)
	return r
}

type handler struct {
	acc paxos.Acceptor
}

func (h *handler) prepare(w http.ResponseWriter, r *http.Request) {
	var req paxos.PrepareRequest
	if !decode(w, r, &req) {
		return
	}
	promise, err := h.acc.Prepare(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, promise)
}

func (h *handler) accept(w http.ResponseWriter, r *http.Request) {
	var req paxos.AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.acc.Accept(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (h *handler) latestSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.acc.LatestSequencePreparedOrAccepted(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, sequenceResponse{Sequence: seq})
}

func (h *handler) latestAccepted(w http.ResponseWriter, r *http.Request) {
	acceptance, err := h.acc.LatestAccepted(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, acceptance)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("acceptor call failed")
	respond(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
