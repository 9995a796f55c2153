package api

import (
	"net/http"

	"github.com/rs/zerolog"
)

func (s *Server) isAlive(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		zerolog.Ctx(r.Context()).Error().Msg("isAlive - Jobs system not ready")
		writeText(w, http.StatusServiceUnavailable, "Jobs system not ready")
		return
	}
	if !s.jobs.Ping(r.Context()) {
		zerolog.Ctx(r.Context()).Error().Msg("isAlive - Jobs system not responding")
		writeText(w, http.StatusServiceUnavailable, "Jobs system not responding")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) isReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		zerolog.Ctx(r.Context()).Error().Msg("isReady - Jobs system not ready")
		writeText(w, http.StatusServiceUnavailable, "Jobs system not ready")
		return
	}
	writeText(w, http.StatusOK, "OK")
}
