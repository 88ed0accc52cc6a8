// Package client is the Go SDK for the clinic queue backend. It wraps the
// HTTP surface with a tracked transport, a request governor, an SSE stream
// consumer and a search debouncer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to the clinic backend. Every outbound request and open
// stream goes through the Registry so it can be cancelled in bulk.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string

	Registry *ConnectionRegistry
	Governor *Governor
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on authenticated endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithGovernor replaces the default request governor.
func WithGovernor(g *Governor) Option {
	return func(c *Client) { c.Governor = g }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		Registry:   NewConnectionRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Governor == nil {
		c.Governor = NewGovernor(GovernorConfig{})
	}
	return c
}

// Close cancels everything in flight and stops the governor's background
// loops.
func (c *Client) Close() {
	c.Registry.KillAll()
	c.Governor.Close()
}

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// do sends one tracked request and returns the raw body. The request is
// registered with the registry for the given route until it completes.
func (c *Client) do(ctx context.Context, method, path, route string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unregister := c.Registry.trackRequest(route, method+" "+path, cancel)
	defer unregister()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if len(env.Data) > 0 {
		return env.Data, nil
	}
	return raw, nil
}

/*
|--------------------------------------------------------------------------
| Connection registry
|--------------------------------------------------------------------------
|
| Every tracked handle has a cancel function and the route it belongs to.
| KillAll tears everything down at once, CancelForRoute only the handles
| opened for one page.
*/

type trackedHandle struct {
	id      uint64
	route   string
	desc    string
	started time.Time
	cancel  context.CancelFunc
}

// RegistryStats is a point-in-time snapshot for diagnostics.
type RegistryStats struct {
	PendingRequests int          `json:"pendingRequests"`
	OpenStreams     int          `json:"openStreams"`
	Requests        []HandleInfo `json:"requests"`
	Streams         []HandleInfo `json:"streams"`
}

type HandleInfo struct {
	Route   string    `json:"route"`
	Desc    string    `json:"desc"`
	Started time.Time `json:"started"`
}

type ConnectionRegistry struct {
	mu       sync.Mutex
	nextID   uint64
	requests map[uint64]*trackedHandle
	streams  map[uint64]*trackedHandle

	currentRoute string
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		requests: make(map[uint64]*trackedHandle),
		streams:  make(map[uint64]*trackedHandle),
	}
}

func (r *ConnectionRegistry) trackRequest(route, desc string, cancel context.CancelFunc) func() {
	return r.track(r.requests, route, desc, cancel)
}

func (r *ConnectionRegistry) trackStream(route, desc string, cancel context.CancelFunc) func() {
	return r.track(r.streams, route, desc, cancel)
}

func (r *ConnectionRegistry) track(set map[uint64]*trackedHandle, route, desc string, cancel context.CancelFunc) func() {
	id := atomic.AddUint64(&r.nextID, 1)
	h := &trackedHandle{id: id, route: route, desc: desc, started: time.Now(), cancel: cancel}

	r.mu.Lock()
	set[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(set, id)
		r.mu.Unlock()
	}
}

// KillAll cancels every tracked request and stream, then clears both sets.
func (r *ConnectionRegistry) KillAll() {
	r.mu.Lock()
	handles := make([]*trackedHandle, 0, len(r.requests)+len(r.streams))
	for _, h := range r.requests {
		handles = append(handles, h)
	}
	for _, h := range r.streams {
		handles = append(handles, h)
	}
	r.requests = make(map[uint64]*trackedHandle)
	r.streams = make(map[uint64]*trackedHandle)
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// CancelForRoute cancels only the handles opened for the given route.
func (r *ConnectionRegistry) CancelForRoute(route string) {
	r.mu.Lock()
	var handles []*trackedHandle
	for id, h := range r.requests {
		if h.route == route {
			handles = append(handles, h)
			delete(r.requests, id)
		}
	}
	for id, h := range r.streams {
		if h.route == route {
			handles = append(handles, h)
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// OnRouteChange cancels everything belonging to the route being left and
// records the new route.
func (r *ConnectionRegistry) OnRouteChange(newRoute string) {
	r.mu.Lock()
	prev := r.currentRoute
	r.currentRoute = newRoute
	r.mu.Unlock()

	if prev != "" && prev != newRoute {
		r.CancelForRoute(prev)
	}
}

func (r *ConnectionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{
		PendingRequests: len(r.requests),
		OpenStreams:     len(r.streams),
	}
	for _, h := range r.requests {
		stats.Requests = append(stats.Requests, HandleInfo{Route: h.route, Desc: h.desc, Started: h.started})
	}
	for _, h := range r.streams {
		stats.Streams = append(stats.Streams, HandleInfo{Route: h.route, Desc: h.desc, Started: h.started})
	}
	return stats
}
