package supervise

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/edgelens/edgelens"
)

// defaultEventLimit bounds /v1/events when no limit is given.
const defaultEventLimit = 50

// adminRoutes wires the localhost admin API the CLI talks to. It binds
// loopback only and carries no authentication.
func (s *Supervisor) adminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	return mux
}

func (s *Supervisor) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.Status())
}

func (s *Supervisor) handleEvents(rw http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.opts.Journal == nil {
		writeJSON(rw, http.StatusOK, []edgelens.Event{})
		return
	}
	events, err := s.opts.Journal.Recent(limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}
	if events == nil {
		events = []edgelens.Event{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func (s *Supervisor) handleStop(rw http.ResponseWriter, r *http.Request) {
	if err := s.StopGateway(r.Context()); err != nil {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"state": string(s.State())})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(&edgelens.APIError{ErrorCode: code, Message: message})
}
