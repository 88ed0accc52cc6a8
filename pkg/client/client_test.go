package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	t.Cleanup(c.Close)
	return c
}

func TestListQueueDecodesItems(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{
					"id": 1, "queueNumber": "1401", "registrationNumber": 1401,
					"status":  "waiting",
					"patient": map[string]any{"id": 7, "name": "Aina"},
					"doctor":  map[string]any{"id": 3, "name": "Dr. Tan"},
					"totalPatients": 1,
				},
			},
		})
	}))

	items, err := c.ListQueue(context.Background(), "")
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].QueueNumber != "1401" || items[0].Patient.Name != "Aina" {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}

func TestNotFoundSurfacesAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "Patient not found",
		})
	}))

	_, err := c.CreateQueue(context.Background(), 999, 1)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Patient not found" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestKillAllCancelsEverything(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	const inflight = 3
	done := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		go func() {
			_, err := c.do(context.Background(), http.MethodGet, "/api/queue", "queue", nil)
			done <- err
		}()
	}

	// Wait until all three show up in the registry.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if c.Registry.Stats().PendingRequests == inflight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("requests never registered: %+v", c.Registry.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Registry.KillAll()

	for i := 0; i < inflight; i++ {
		select {
		case err := <-done:
			if err == nil {
				t.Fatal("expected cancelled request to fail")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request did not return after KillAll")
		}
	}

	stats := c.Registry.Stats()
	if stats.PendingRequests != 0 || stats.OpenStreams != 0 {
		t.Fatalf("expected empty registry after KillAll, got %+v", stats)
	}
}

func TestCancelForRouteLeavesOtherRoutesAlone(t *testing.T) {
	r := NewConnectionRegistry()

	var queueCancelled, reportCancelled bool
	r.trackRequest("queue", "GET /api/queue", func() { queueCancelled = true })
	unregister := r.trackRequest("reports", "GET /api/reports", func() { reportCancelled = true })

	r.CancelForRoute("queue")

	if !queueCancelled {
		t.Fatal("queue request not cancelled")
	}
	if reportCancelled {
		t.Fatal("reports request cancelled by mistake")
	}
	if stats := r.Stats(); stats.PendingRequests != 1 {
		t.Fatalf("expected 1 surviving request, got %d", stats.PendingRequests)
	}
	unregister()
}

func TestOnRouteChangeCancelsPreviousRoute(t *testing.T) {
	r := NewConnectionRegistry()
	r.OnRouteChange("queue")

	var cancelled bool
	r.trackStream("queue", "GET /sse/queue-updates", func() { cancelled = true })

	r.OnRouteChange("settings")

	if !cancelled {
		t.Fatal("leaving the route must cancel its stream")
	}
	if stats := r.Stats(); stats.OpenStreams != 0 {
		t.Fatalf("expected no streams, got %d", stats.OpenStreams)
	}
}
