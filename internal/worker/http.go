package worker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/detect"
	"github.com/edgelens/edgelens/pkg/mjpeg"
	"github.com/edgelens/edgelens/pkg/tap"
)

// streamHandler serves the MJPEG stream at / and a liveness check.
func (w *Worker) streamHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /", w.serveStream)
	return mux
}

// commandHandler serves the inference command API.
func (w *Worker) commandHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("POST /prompt", w.handleSetPrompt)
	return mux
}

func handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

// serveStream relays hub frames to one client. Each client gets its own
// mailbox; this handler is the only goroutine writing to the connection.
func (w *Worker) serveStream(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	logger := tap.Logger(r.Context()).With("stream", w.opts.Name, "remote", r.RemoteAddr)
	logger.Info("client connected")
	defer logger.Info("client disconnected")

	id, frames := w.hub.Subscribe()
	defer w.hub.Unsubscribe(id)

	rw.Header().Set("Content-Type", mjpeg.ContentType)
	rw.Header().Set("Cache-Control", "no-cache")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	mw := mjpeg.NewWriter(rw)
	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := mw.WriteFrame(f.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSetPrompt retargets the detector when it supports prompts.
func (w *Worker) handleSetPrompt(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, `body must be {"prompt": "..."}`)
		return
	}

	setter, ok := w.opts.Detector.(detect.PromptSetter)
	if !ok {
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "detector does not support prompt updates")
		return
	}
	if err := setter.SetPrompt(req.Prompt); err != nil {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}

	tap.Logger(r.Context()).Info("prompt updated", "prompt", req.Prompt)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"prompt": req.Prompt})
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(&edgelens.APIError{ErrorCode: code, Message: message})
}
