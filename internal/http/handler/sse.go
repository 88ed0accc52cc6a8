package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"clinic-backend/internal/broadcast"

	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
	"github.com/valyala/fasthttp"
)

const (
	heartbeatInterval = 15 * time.Second

	// maxStreamLifetime bounds how long one browser tab may hold a
	// worker. Clients are expected to reconnect.
	maxStreamLifetime = time.Hour
)

type heartbeat struct {
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
	Uptime       int64  `json:"uptime"`
}

// QueueUpdates - GET /sse/queue-updates
//
// One long-lived text/event-stream per browser tab. Events arrive in
// non-decreasing timestamp order and are never redelivered: the per
// connection lastID guard also covers replay after a reconnect with
// Last-Event-ID (ULIDs sort chronologically).
func (h *Handler) QueueUpdates(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	connID := ulid.Make().String()
	lastID := c.Get("Last-Event-ID")

	hub := h.Hub

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		started := time.Now()
		events, cancel := hub.Subscribe(connID)
		defer cancel()

		log.Printf("[sse] %s connected", connID)
		defer func() {
			log.Printf("[sse] %s closed after %s", connID, time.Since(started).Round(time.Second))
		}()

		// Replay the bounded log so a fresh tab shows recent activity
		// and a reconnecting one resumes past its last event.
		if recent, err := hub.Recent(); err == nil {
			for _, ev := range recent {
				if lastID != "" && ev.ID <= lastID {
					continue
				}
				if err := writeSSEEvent(w, ev); err != nil {
					return
				}
				lastID = ev.ID
			}
			if err := w.Flush(); err != nil {
				return
			}
		}

		heartbeats := time.NewTicker(heartbeatInterval)
		defer heartbeats.Stop()
		lifetime := time.NewTimer(maxStreamLifetime)
		defer lifetime.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// Dropped by the hub for lagging.
					log.Printf("[sse] %s dropped by hub", connID)
					return
				}
				if lastID != "" && ev.ID <= lastID {
					continue
				}
				if err := writeSSEEvent(w, ev); err != nil {
					return
				}
				lastID = ev.ID
				if err := w.Flush(); err != nil {
					return
				}

			case <-heartbeats.C:
				hb := heartbeat{
					Timestamp:    time.Now().Unix(),
					ConnectionID: connID,
					Uptime:       int64(time.Since(started).Seconds()),
				}
				data, _ := json.Marshal(hb)
				if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", data); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}

			case <-lifetime.C:
				log.Printf("[sse] %s hit max lifetime", connID)
				return
			}
		}
	}))

	return nil
}

func writeSSEEvent(w *bufio.Writer, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, data)
	return err
}

// StreamHealth - GET /sse/health
func (h *Handler) StreamHealth(c *fiber.Ctx) error {
	info := h.Hub.Inspect()

	status := "ok"
	if !info.Writable {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"success": true,
		"status":  status,
		"log":     info,
	})
}
