package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const ssePingInterval = 15 * time.Second

// sseWriter emits server-sent events with an explicit flush per event and
// periodic comment pings to keep idle connections alive. Intermediate proxy
// buffering is disabled via X-Accel-Buffering.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu   sync.Mutex
	done chan struct{}
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &sseWriter{w: w, flusher: flusher, done: make(chan struct{})}
	go s.pingLoop()
	return s, nil
}

// Send writes one event with a plain-text data payload. Payloads containing
// newlines become one data: line per segment; clients rejoin them with a
// newline, so multi-line tokens survive the framing intact.
func (s *sseWriter) Send(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

// SendJSON writes one event with a JSON data payload.
func (s *sseWriter) SendJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.Send(event, string(data))
}

// Close stops the ping loop. The connection itself belongs to the handler.
func (s *sseWriter) Close() {
	close(s.done)
}

func (s *sseWriter) pingLoop() {
	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": ping\n\n")
			s.flusher.Flush()
			s.mu.Unlock()
		}
	}
}
