package mcpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/recallsystems/recall/internal/ids"
)

// sseSession is one open /sse stream; tools/call responses posted to
// /messages?session_id=... are delivered over its channel.
type sseSession struct {
	outbox chan []byte
}

// sseHub tracks open SSE sessions, grounded on transport.py's
// SseServerTransport(message endpoint)/handle_sse split: a GET /sse
// connection receives an "endpoint" event pointing the client at
// POST /messages?session_id=..., and every response to a later POST is
// delivered back over that same GET connection rather than in the POST's
// own response body.
type sseHub struct {
	mu       sync.Mutex
	sessions map[string]*sseSession
}

func newSSEHub() *sseHub {
	return &sseHub{sessions: make(map[string]*sseSession)}
}

func (h *sseHub) open() (string, *sseSession) {
	id := ids.RequestID()
	sess := &sseSession{outbox: make(chan []byte, 16)}
	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()
	return id, sess
}

func (h *sseHub) close(id string) {
	h.mu.Lock()
	if sess, ok := h.sessions[id]; ok {
		close(sess.outbox)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}

func (h *sseHub) get(id string) (*sseSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

// SSEHandler returns an http.Handler exposing /health, /sse, and
// /messages, suitable for a remote MCP deployment (MCP_TRANSPORT=sse in
// the Python original).
func (s *Server) SSEHandler() http.Handler {
	hub := newSSEHub()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "server": s.name})
	})

	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		id, sess := hub.open()
		defer hub.close(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		fmt.Fprintf(w, "event: endpoint\ndata: /messages?session_id=%s\n\n", id)
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-sess.outbox:
				if !open {
					return
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		sess, ok := hub.get(sessionID)
		if !ok {
			http.Error(w, "unknown session_id", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		resp := s.HandleMessage(r.Context(), body)
		if resp != nil {
			select {
			case sess.outbox <- resp:
			default:
			}
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}
