package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// QueueUpdateEvent is one message from the queue-updates stream.
type QueueUpdateEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Data      QueueItem `json:"data"`
}

// Heartbeat is the periodic liveness message the stream emits.
// Timestamp is epoch seconds, Uptime is whole seconds since attach.
type Heartbeat struct {
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
	Uptime       int64  `json:"uptime"`
}

// StreamHandler receives stream messages. Heartbeats arrive with a nil
// event; updates with a nil heartbeat.
type StreamHandler func(ev *QueueUpdateEvent, hb *Heartbeat)

// StreamOptions tune one stream attachment.
type StreamOptions struct {
	// LastEventID resumes after a previously seen event so the replayed
	// snapshot is not redelivered.
	LastEventID string
}

// StreamQueueUpdates attaches to the server's event stream and dispatches
// messages to handler until ctx is cancelled or the connection drops. The
// open connection is tracked in the registry, so KillAll tears it down.
// Returns the last event id seen, for resuming.
func (c *Client) StreamQueueUpdates(ctx context.Context, opts StreamOptions, handler StreamHandler) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unregister := c.Registry.trackStream("queue", "GET /sse/queue-updates", cancel)
	defer unregister()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sse/queue-updates", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "stream rejected"}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return "", fmt.Errorf("unexpected content type %q", ct)
	}

	lastID := opts.LastEventID
	var (
		eventName string
		dataLines []string
		eventID   string
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				c.dispatch(eventName, eventID, data, handler)
				if eventID != "" {
					lastID = eventID
				}
			}
			eventName, eventID, dataLines = "", "", nil
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return lastID, fmt.Errorf("stream read: %w", err)
	}
	return lastID, ctx.Err()
}

func (c *Client) dispatch(eventName, eventID, data string, handler StreamHandler) {
	if eventName == "heartbeat" {
		var hb Heartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			log.Printf("[stream] bad heartbeat payload: %v", err)
			return
		}
		handler(nil, &hb)
		return
	}

	var ev QueueUpdateEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		log.Printf("[stream] bad event payload (id %s): %v", eventID, err)
		return
	}
	if ev.ID == "" {
		ev.ID = eventID
	}
	handler(&ev, nil)
}

// StreamHealth is the diagnostic view of the server's event log.
type StreamHealth struct {
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	Writable     bool   `json:"writable"`
	SizeBytes    int64  `json:"size_bytes"`
	LastModified string `json:"last_modified,omitempty"`
	Events       int    `json:"events"`
	Subscribers  int    `json:"subscribers"`
}

// CheckStreamHealth fetches /sse/health.
func (c *Client) CheckStreamHealth(ctx context.Context) (*StreamHealth, error) {
	raw, err := c.do(ctx, http.MethodGet, "/sse/health", "diagnostics", nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Log StreamHealth `json:"log"`
	}
	// /sse/health nests the log info beside a status field.
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &wrapper.Log, nil
}
