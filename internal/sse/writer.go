package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventMessageStop       EventType = "message_stop"
	EventState             EventType = "state"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventError             EventType = "error"
)

type ContentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type Delta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Event struct {
	Type         EventType     `json:"type"`
	Data         any           `json:"data,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}

// EventWriter frames events as SSE data frames and flushes each one
// immediately. One writer serves exactly one request; it is safe for
// concurrent use. Stop is a no-op after the first call so error paths may
// call it unconditionally.
type EventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	stopped bool
}

func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support http.Flusher")
	}
	return &EventWriter{w: w, flusher: flusher}, nil
}

// SetHeaders configures the response for SSE. Must run before any write;
// no-transform keeps intermediaries from buffering or compressing frames.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
}

func (w *EventWriter) write(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	event.Timestamp = time.Now().UnixMilli()

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", raw); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *EventWriter) Start() error {
	return w.write(Event{Type: EventMessageStart})
}

// State emits a state transition. Diagnostic fields ride along in data next
// to the state name.
func (w *EventWriter) State(state string, fields map[string]any) error {
	data := map[string]any{"state": state}
	for k, v := range fields {
		data[k] = v
	}
	return w.write(Event{Type: EventState, Data: data})
}

func (w *EventWriter) BlockStart(name string) error {
	return w.write(Event{
		Type:         EventContentBlockStart,
		ContentBlock: &ContentBlock{Type: "text", Name: name},
	})
}

func (w *EventWriter) BlockDelta(text string) error {
	return w.write(Event{
		Type:  EventContentBlockDelta,
		Delta: &Delta{Type: "text_delta", Text: text},
	})
}

func (w *EventWriter) BlockStop() error {
	return w.write(Event{Type: EventContentBlockStop})
}

func (w *EventWriter) Error(message string, code string, extra map[string]any) error {
	data := map[string]any{"error": message}
	if code != "" {
		data["code"] = code
	}
	for k, v := range extra {
		data[k] = v
	}
	return w.write(Event{Type: EventError, Data: data})
}

// Stop emits message_stop and seals the writer. The final event on every
// stream; later calls (and later writes) are ignored.
func (w *EventWriter) Stop(threadID string, duration time.Duration) error {
	err := w.write(Event{
		Type: EventMessageStop,
		Data: map[string]any{
			"threadId": threadID,
			"duration": duration.Milliseconds(),
		},
	})
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	return err
}
