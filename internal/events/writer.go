package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event is one line of the change journal.
type Event struct {
	TS       string       `json:"ts"`
	Type     string       `json:"type"`
	Entity   string       `json:"entity"`
	EntityID string       `json:"entity_id,omitempty"`
	Payload  EventPayload `json:"payload,omitempty"`
}

type EventPayload map[string]any

// Writer appends events to a JSONL journal next to the collection
// files. Journaling is best-effort observability; callers treat a
// failed append as non-fatal.
type Writer struct {
	Path string
	Now  func() time.Time

	mu sync.Mutex
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event line.
func (w *Writer) Append(evtType, entity, entityID string, payload EventPayload) error {
	if w.Path == "" {
		return nil
	}
	if payload == nil {
		payload = EventPayload{}
	}
	evt := Event{
		TS:       w.now().UTC().Format(time.RFC3339),
		Type:     evtType,
		Entity:   entity,
		EntityID: entityID,
		Payload:  payload,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Tail returns the last n events, newest last. Unparseable lines are
// skipped.
func (w *Writer) Tail(n int) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
