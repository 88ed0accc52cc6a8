package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamQueueUpdatesParsesEventsAndHeartbeats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Last-Event-ID") != "01ARZ000" {
			t.Errorf("Last-Event-ID not forwarded, got %q", r.Header.Get("Last-Event-ID"))
		}
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "id: 01ARZ001\n")
		fmt.Fprint(w, `data: {"id":"01ARZ001","type":"queue_status_update","timestamp":1700000001,"data":{"id":5,"queueNumber":"1401","status":"waiting"}}`+"\n\n")

		fmt.Fprint(w, "event: heartbeat\n")
		fmt.Fprint(w, `data: {"timestamp":1700000100,"connectionId":"01ARZCONN","uptime":42}`+"\n\n")

		fmt.Fprint(w, "id: 01ARZ002\n")
		fmt.Fprint(w, `data: {"id":"01ARZ002","type":"queue_status_update","timestamp":1700000002,"data":{"id":5,"queueNumber":"1401","status":"completed"}}`+"\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL)
	defer c.Close()

	var events []QueueUpdateEvent
	var heartbeats []Heartbeat

	lastID, err := c.StreamQueueUpdates(context.Background(),
		StreamOptions{LastEventID: "01ARZ000"},
		func(ev *QueueUpdateEvent, hb *Heartbeat) {
			if ev != nil {
				events = append(events, *ev)
			}
			if hb != nil {
				heartbeats = append(heartbeats, *hb)
			}
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Data.Status != "waiting" || events[1].Data.Status != "completed" {
		t.Fatalf("events out of order: %+v", events)
	}
	if len(heartbeats) != 1 {
		t.Fatalf("expected 1 heartbeat, got %d", len(heartbeats))
	}
	if heartbeats[0].ConnectionID != "01ARZCONN" || heartbeats[0].Uptime != 42 {
		t.Fatalf("unexpected heartbeat: %+v", heartbeats[0])
	}
	if lastID != "01ARZ002" {
		t.Fatalf("expected lastID 01ARZ002, got %s", lastID)
	}
}

func TestStreamRejectsNonStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	defer c.Close()

	_, err := c.StreamQueueUpdates(context.Background(), StreamOptions{},
		func(*QueueUpdateEvent, *Heartbeat) {
			t.Error("handler must not run")
		})
	if err == nil {
		t.Fatal("expected an error for a non-stream response")
	}
}
