// Package broadcast fans queue changes out to listening streams.
//
// The hub keeps one buffered channel per subscriber, so every consumer has
// its own cursor and a slow stream never causes another stream to miss an
// event. A subscriber that stops draining is dropped loudly (logged and its
// channel closed) instead of silently losing events.
//
// Alongside the live fan-out, every event is appended to a bounded JSON log
// file (most recent 10 entries). The file is the persisted interchange
// snapshot: new subscribers replay it on attach and /sse/health reports on
// it. Writes are serialized in-process; concurrent writers from separate
// processes can still race, which is acceptable for this write rate.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// EventTypeQueueStatus is the only event type published today.
	EventTypeQueueStatus = "queue_status_update"

	// maxLogEvents caps the on-disk snapshot.
	maxLogEvents = 10

	// subscriberBuffer is the per-consumer channel depth. A stream that
	// falls this far behind is considered dead and gets dropped.
	subscriberBuffer = 32
)

type PatientRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type DoctorRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// QueueUpdate is the projection of a queue entry carried by every event.
type QueueUpdate struct {
	ID                 int64      `json:"id"`
	QueueNumber        string     `json:"queueNumber"`
	RegistrationNumber int64      `json:"registrationNumber"`
	Status             string     `json:"status"`
	Patient            PatientRef `json:"patient"`
	Doctor             DoctorRef  `json:"doctor"`
	QueueDateTime      time.Time  `json:"queueDateTime"`
}

// Event is one immutable broadcast record.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      QueueUpdate `json:"data"`
}

// DefaultLogPath is the well-known snapshot location shared by all workers.
func DefaultLogPath() string {
	return filepath.Join(os.TempDir(), "clinic_queue_updates.json")
}

type Hub struct {
	logPath string

	mu   sync.RWMutex
	subs map[string]chan Event

	logMu sync.Mutex
}

func NewHub(logPath string) *Hub {
	if logPath == "" {
		logPath = DefaultLogPath()
	}
	return &Hub{
		logPath: logPath,
		subs:    make(map[string]chan Event),
	}
}

// Subscribe registers a consumer and returns its event channel plus a
// cancel func. The channel is closed on cancel or when the consumer lags.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	total := len(h.subs)
	h.mu.Unlock()

	log.Printf("[broadcast] %s subscribed, total: %d", id, total)

	cancel := func() { h.drop(id, "unsubscribe") }
	return ch, cancel
}

func (h *Hub) drop(id, reason string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if ok {
		log.Printf("[broadcast] %s dropped (%s), total: %d", id, reason, total)
	}
}

// SubscriberCount returns the number of attached consumers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish stamps the update into an event, fans it out and appends it to
// the bounded log. Returns the stamped event.
func (h *Hub) Publish(update QueueUpdate) Event {
	ev := Event{
		ID:        ulid.Make().String(),
		Type:      EventTypeQueueStatus,
		Timestamp: time.Now().Unix(),
		Data:      update,
	}

	var lagging []string

	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range lagging {
		h.drop(id, "lagging, buffer full")
	}

	if err := h.appendLog(ev); err != nil {
		log.Printf("[broadcast] append event log: %v", err)
	}

	return ev
}

// Recent returns the events currently in the bounded log, oldest first.
// A missing file is an empty history, not an error.
func (h *Hub) Recent() ([]Event, error) {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	return h.readLog()
}

func (h *Hub) appendLog(ev Event) error {
	h.logMu.Lock()
	defer h.logMu.Unlock()

	events, err := h.readLog()
	if err != nil {
		// Corrupt snapshot: start over rather than refuse to broadcast.
		log.Printf("[broadcast] resetting event log: %v", err)
		events = nil
	}

	events = append(events, ev)
	if len(events) > maxLogEvents {
		events = events[len(events)-maxLogEvents:]
	}

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal event log: %w", err)
	}
	if err := os.WriteFile(h.logPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", h.logPath, err)
	}
	return nil
}

func (h *Hub) readLog() ([]Event, error) {
	data, err := os.ReadFile(h.logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.logPath, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.logPath, err)
	}
	return events, nil
}

// LogInfo describes the snapshot file for the health endpoint.
type LogInfo struct {
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	Writable     bool   `json:"writable"`
	SizeBytes    int64  `json:"size_bytes"`
	LastModified string `json:"last_modified,omitempty"`
	Events       int    `json:"events"`
	Subscribers  int    `json:"subscribers"`
}

// Inspect reports on the snapshot file without mutating it.
func (h *Hub) Inspect() LogInfo {
	info := LogInfo{Path: h.logPath, Subscribers: h.SubscriberCount()}

	if st, err := os.Stat(h.logPath); err == nil {
		info.Exists = true
		info.SizeBytes = st.Size()
		info.LastModified = st.ModTime().Format(time.RFC3339)
	}

	if f, err := os.OpenFile(h.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
		info.Writable = true
		f.Close()
	}

	if events, err := h.Recent(); err == nil {
		info.Events = len(events)
	}

	return info
}
