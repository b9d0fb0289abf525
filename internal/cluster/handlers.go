package cluster

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// maxMessageSize bounds the body of a delivered message.
const maxMessageSize = 8 << 20

// Handler serves the endpoint transport of one node: message delivery and
// link registration requests sent by Router instances of other processes.
type Handler struct {
	node   *endpoint.Node
	logger *zap.Logger
}

// NewHandler creates the transport handler for node.
func NewHandler(node *endpoint.Node, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{node: node, logger: logger.Named("transport").With(zap.String("node", node.Addr()))}
}

// Register adds the transport routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(PathDeliver, h.handleDeliver)
	mux.HandleFunc(PathLink, h.handleLink)
	mux.HandleFunc(PathUnlink, h.handleUnlink)
}

// handleDeliver enqueues a message in a local mailbox.
//
// Endpoint: POST /deliver
//
// Response:
//   - 204 No Content: message queued
//   - 400 Bad Request: malformed envelope or unknown tag
//   - 404 Not Found: no such endpoint on this node
//   - 405 Method Not Allowed: not a POST
func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		h.logger.Warn("bad message", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.node.Deliver(msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, endpoint.ErrUnknownEndpoint) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLink registers a remote watcher for a local endpoint. If the
// target is already gone the watcher is sent an exit right away.
//
// Endpoint: POST /link
func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLink(w, r)
	if !ok {
		return
	}
	if err := h.node.AddWatcher(req.Target, req.Watcher); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnlink drops a registration made through /link.
//
// Endpoint: POST /unlink
func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLink(w, r)
	if !ok {
		return
	}
	h.node.RemoveWatcher(req.Target, req.Watcher)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeLink(w http.ResponseWriter, r *http.Request) (LinkRequest, bool) {
	var req LinkRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return req, false
	}
	if req.Target.Addr != h.node.Addr() {
		http.Error(w, "target is not hosted here", http.StatusNotFound)
		return req, false
	}
	if req.Watcher.IsZero() {
		http.Error(w, "missing watcher", http.StatusBadRequest)
		return req, false
	}
	return req, true
}
