package hubsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eljojo/hubsync/runtime"
	"github.com/eljojo/hubsync/session"
	"github.com/eljojo/hubsync/transport"
)

// responseLogger wraps ResponseWriter to capture status code
type responseLogger struct {
	http.ResponseWriter
	status int
}

func (rl *responseLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

func (h *HubServer) loggingMiddleware(path string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseLogger{ResponseWriter: w, status: http.StatusOK}
		handler(wrapped, r)
		h.log.Debug("%s %s -> %d", r.Method, path, wrapped.status)
	}
}

func (h *HubServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	// the websocket endpoint hijacks the connection, so it is not wrapped
	mux.Handle("/ws", transport.NewWebsocketListener(h.accept))
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/nodes", h.loggingMiddleware("/api/nodes", h.httpNodesHandler))
	mux.HandleFunc("GET /api/nodes/{name}", h.loggingMiddleware("/api/nodes/{name}", h.httpNodeTreeHandler))
	mux.HandleFunc("GET /api/nodes/{name}/{target}/{field}", h.loggingMiddleware("/api/nodes/{name}/{target}/{field}", h.httpCommandHandler))
	mux.HandleFunc("POST /api/nodes/{name}/{target}/{field}", h.loggingMiddleware("/api/nodes/{name}/{target}/{field}", h.httpCommandHandler))
	return mux
}

func (h *HubServer) httpNodesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"hub":   h.cfg.Name,
		"nodes": h.Statuses(),
	})
}

// httpNodeTreeHandler returns the authority tree of one node.
func (h *HubServer) httpNodeTreeHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mirror, ok := h.Mirror(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	modules, err := mirror.Export()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{
		"name":    name,
		"modules": modules,
	})
}

// httpCommandHandler forwards a command to an online node: GET becomes a
// request, POST a set carrying the JSON body. The node's reply is returned
// as is.
func (h *HubServer) httpCommandHandler(w http.ResponseWriter, r *http.Request) {
	req, err := h.Requester(r.PathValue("name"), r.PathValue("target"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var out session.Outcome
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}
		out = req.Set(r.PathValue("field"), 0, json.RawMessage(body))
	} else {
		out = req.Request(r.PathValue("field"), 0, nil)
	}

	switch {
	case out.Err == nil:
	case errors.Is(out.Err, runtime.ErrTimeout):
		http.Error(w, out.Err.Error(), http.StatusGatewayTimeout)
		return
	case errors.Is(out.Err, runtime.ErrRemoteFailure):
		http.Error(w, out.Err.Error(), http.StatusBadGateway)
		return
	default:
		http.Error(w, out.Err.Error(), http.StatusServiceUnavailable)
		return
	}
	data := out.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		h.log.Warn("failed to write reply: %v", err)
	}
}

func (h *HubServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to encode response: %v", err)
	}
}
