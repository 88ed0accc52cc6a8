package handler

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"clinic-backend/internal/models"

	"github.com/gofiber/websocket/v2"
)

/*
|--------------------------------------------------------------------------
| Waiting-room display board
|--------------------------------------------------------------------------
|
| Every mutation pokes NotifyChanged; the hub debounces the pokes and
| pushes one fresh snapshot of today's queue to every display.
*/

type displayClient struct {
	conn         *websocket.Conn
	writeMux     sync.Mutex
	closeChan    chan struct{}
	closed       bool
	lastPongTime time.Time
	id           string
}

type DisplayHub struct {
	snapshot func() ([]byte, error)

	clients        map[*websocket.Conn]*displayClient
	mu             sync.RWMutex
	clientCounter  uint64 // atomic
	cleanupRunning bool

	// Debounce broadcast - a burst of mutations still costs one DB query
	timer   *time.Timer
	timerMu sync.Mutex
	delay   time.Duration

	// Cache last snapshot - valid while it is still the same day
	lastMsg     []byte
	lastMsgTime time.Time
	lastMsgMu   sync.RWMutex
}

func NewDisplayHub(snapshot func() ([]byte, error)) *DisplayHub {
	return &DisplayHub{
		snapshot: snapshot,
		clients:  make(map[*websocket.Conn]*displayClient),
		delay:    50 * time.Millisecond,
	}
}

// Serve - GET /ws/queue-display
func (d *DisplayHub) Serve(c *websocket.Conn) {
	id := atomic.AddUint64(&d.clientCounter, 1)
	clientID := fmt.Sprintf("display-%d", id)

	client := &displayClient{
		conn:         c,
		closeChan:    make(chan struct{}),
		lastPongTime: time.Now(),
		id:           clientID,
	}

	log.Printf("[display] %s connecting from %s", clientID, c.RemoteAddr())
	d.register(c, client)
	defer d.unregister(c, clientID)

	c.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.SetPongHandler(func(string) error {
		client.writeMux.Lock()
		client.lastPongTime = time.Now()
		client.writeMux.Unlock()
		c.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Send the current snapshot to this client only - cached if same day
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.sendToClient(client)
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				client.writeMux.Lock()
				if client.closed {
					client.writeMux.Unlock()
					return
				}
				c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := c.WriteMessage(websocket.PingMessage, nil)
				client.writeMux.Unlock()

				if err != nil {
					log.Printf("[display] %s ping error: %v", clientID, err)
					return
				}
			case <-client.closeChan:
				return
			}
		}
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				log.Printf("[display] %s unexpected close: %v", clientID, err)
			} else {
				log.Printf("[display] %s closed normally", clientID)
			}
			return
		}
	}
}

// NotifyChanged schedules a snapshot broadcast.
// Debounced: a burst of 10 mutations still queries the DB once.
func (d *DisplayHub) NotifyChanged() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.timerMu.Lock()
		d.timer = nil
		d.timerMu.Unlock()

		d.broadcastSnapshot()
	})
}

func (d *DisplayHub) register(c *websocket.Conn, client *displayClient) {
	d.mu.Lock()
	d.clients[c] = client
	total := len(d.clients)
	startCleanup := !d.cleanupRunning
	if startCleanup {
		d.cleanupRunning = true
	}
	d.mu.Unlock()

	log.Printf("[display] %s registered, total: %d", client.id, total)

	if startCleanup {
		go d.periodicCleanup()
	}
}

func (d *DisplayHub) unregister(c *websocket.Conn, clientID string) {
	d.mu.Lock()
	client, exists := d.clients[c]
	if exists {
		client.writeMux.Lock()
		if !client.closed {
			client.closed = true
			close(client.closeChan)
		}
		client.writeMux.Unlock()
		delete(d.clients, c)
	}
	total := len(d.clients)
	d.mu.Unlock()

	_ = c.Close()
	log.Printf("[display] %s unregistered, total: %d", clientID, total)
}

// periodicCleanup removes dead connections every 30 seconds.
func (d *DisplayHub) periodicCleanup() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		d.mu.Lock()
		if len(d.clients) == 0 {
			d.cleanupRunning = false
			d.mu.Unlock()
			log.Println("[display] No clients, stopping cleanup goroutine")
			return
		}
		d.mu.Unlock()

		now := time.Now()
		var toRemove []*websocket.Conn

		d.mu.RLock()
		for conn, client := range d.clients {
			client.writeMux.Lock()
			stale := now.Sub(client.lastPongTime) > 90*time.Second
			client.writeMux.Unlock()

			if stale {
				log.Printf("[display] %s dead (no pong), marking for removal", client.id)
				toRemove = append(toRemove, conn)
			}
		}
		d.mu.RUnlock()

		if len(toRemove) == 0 {
			continue
		}

		d.mu.Lock()
		for _, conn := range toRemove {
			if client, exists := d.clients[conn]; exists {
				client.writeMux.Lock()
				if !client.closed {
					client.closed = true
					close(client.closeChan)
				}
				client.writeMux.Unlock()
				delete(d.clients, conn)
				conn.Close()
				log.Printf("[display] %s cleaned up", client.id)
			}
		}
		log.Printf("[display] Cleaned %d dead clients, remaining: %d", len(toRemove), len(d.clients))
		d.mu.Unlock()
	}
}

// sendToClient sends the snapshot to one new client.
// Uses the cache when it is from the same day, queries fresh otherwise.
func (d *DisplayHub) sendToClient(client *displayClient) {
	d.lastMsgMu.RLock()
	cached := d.lastMsg
	cacheTime := d.lastMsgTime
	d.lastMsgMu.RUnlock()

	now := time.Now()
	cacheValid := len(cached) > 0 &&
		now.Format("2006-01-02") == cacheTime.Format("2006-01-02")

	if cacheValid {
		d.writeToClient(client, cached)
		return
	}

	message, err := d.snapshot()
	if err != nil {
		log.Printf("[display] sendToClient error: %v", err)
		return
	}
	d.writeToClient(client, message)
}

func (d *DisplayHub) broadcastSnapshot() {
	message, err := d.snapshot()
	if err != nil {
		log.Printf("[display] broadcastSnapshot error: %v", err)
		return
	}

	d.lastMsgMu.Lock()
	d.lastMsg = message
	d.lastMsgTime = time.Now()
	d.lastMsgMu.Unlock()

	d.mu.RLock()
	clients := make([]*displayClient, 0, len(d.clients))
	for _, client := range d.clients {
		clients = append(clients, client)
	}
	d.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	// Worker pool max 20 goroutines
	const maxWorkers = 20
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, client := range clients {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *displayClient) {
			defer wg.Done()
			defer func() { <-sem }()
			d.writeToClient(c, message)
		}(client)
	}

	wg.Wait()
}

func (d *DisplayHub) writeToClient(c *displayClient, message []byte) {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()

	if c.closed {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("[display] %s write error: %v", c.id, err)
		c.closed = true
		select {
		case <-c.closeChan:
		default:
			close(c.closeChan)
		}

		go func(conn *websocket.Conn, id string) {
			d.mu.Lock()
			delete(d.clients, conn)
			d.mu.Unlock()
			conn.Close()
			log.Printf("[display] %s removed after write error", id)
		}(c.conn, c.id)
	}
}

// displaySnapshot builds the message the display hub broadcasts.
func (h *Handler) displaySnapshot() ([]byte, error) {
	items, err := h.listForDate(time.Now().In(h.Loc))
	if err != nil {
		return nil, fmt.Errorf("listForDate: %w", err)
	}

	waiting := 0
	for _, it := range items {
		if it.Status == models.StatusWaiting {
			waiting++
		}
	}

	return json.Marshal(map[string]interface{}{
		"type":      "queue_snapshot",
		"data":      items,
		"waiting":   waiting,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
