package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"charchat/internal/chat"
)

// sseSink writes chat events as server-sent event frames. The first
// frame commits the response to text/event-stream; before that the
// handler may still answer with a plain status.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

var _ chat.Sink = (*sseSink)(nil)

func (s *sseSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

func (s *sseSink) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrote {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseSink) Token(token string) error {
	return s.send("token", map[string]string{"token": token})
}

func (s *sseSink) ToolCall(id, name string) error {
	return s.send("tool-call", map[string]string{"id": id, "name": name})
}

func (s *sseSink) ToolResult(id, name, result string) error {
	return s.send("tool-result", map[string]string{"id": id, "name": name, "result": result})
}

func (s *sseSink) ToolError(id, name string, callErr error) error {
	return s.send("tool-error", map[string]string{"id": id, "name": name, "error": callErr.Error()})
}

func (s *sseSink) Done() error {
	return s.send("done", map[string]string{})
}

func (s *sseSink) Error(err error) {
	_ = s.send("error", map[string]string{"error": err.Error()})
}
