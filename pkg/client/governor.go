package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/*
|--------------------------------------------------------------------------
| Request governor
|--------------------------------------------------------------------------
|
| Every governed call runs through, in order: deduplication, circuit
| breaker, throttle, concurrency admission, then execution with retry.
| A background loop tunes the global timeout and concurrency cap from
| rolling latency and error rate, and a sweeper drops idle per-key state.
*/

var (
	// ErrBreakerOpen fails a call fast without touching the backend.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrQueueOverflow means an older queued caller was evicted to make
	// room, or the caller itself was evicted while waiting.
	ErrQueueOverflow = errors.New("admission queue overflow")
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// CallFunc is the governed unit of work. It must honor ctx cancellation.
type CallFunc func(ctx context.Context) (any, error)

// NoRetries disables the retry policy for one call. The zero value of
// MaxRetries keeps the default budget.
const NoRetries = -1

// CallOptions tune one governed call. Zero values take the defaults.
type CallOptions struct {
	Throttle   time.Duration // default 150ms
	MaxRetries int           // default 1, NoRetries for none
	Timeout    time.Duration // default 8s (adaptive)
	Priority   Priority

	SkipThrottle       bool
	SkipDeduplication  bool
	SkipCircuitBreaker bool
}

// GovernorConfig carries the tunables main-like callers rarely change.
type GovernorConfig struct {
	DedupWindow      time.Duration // default 500ms
	BreakerThreshold int           // consecutive failures before open, default 2
	BreakerOpenFor   time.Duration // default 10s
	ConcurrencyCap   int           // default 12
	QueueDepth       int           // per-key wait queue, default 4
	CacheFreshness   time.Duration // throttled calls may serve results this young, default 5s
	TuneInterval     time.Duration // default 30s
	SweepInterval    time.Duration // default 5m
}

func (c *GovernorConfig) withDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 500 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 2
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 10 * time.Second
	}
	if c.ConcurrencyCap <= 0 {
		c.ConcurrencyCap = 12
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4
	}
	if c.CacheFreshness <= 0 {
		c.CacheFreshness = 5 * time.Second
	}
	if c.TuneInterval <= 0 {
		c.TuneInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

const (
	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 5 * time.Second

	minTimeout = 3 * time.Second
	maxTimeout = 20 * time.Second
	minCap     = 4
	maxCap     = 24
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// inflightCall is one shared underlying execution. Duplicates subscribe to
// done and read result/err afterwards.
type inflightCall struct {
	started time.Time
	done    chan struct{}
	result  any
	err     error
}

type waiter struct {
	ready    chan error // nil grants a slot
	key      string
	enqueued time.Time
}

type keyState struct {
	inflight *inflightCall
	limiter  *rate.Limiter

	breaker     breakerState
	failures    int
	openedAt    time.Time
	halfProbing bool

	cached      any
	cachedAt    time.Time
	lastTouched time.Time
}

type Governor struct {
	cfg GovernorConfig

	mu      sync.Mutex
	keys    map[string]*keyState
	running int
	cap     int
	timeout time.Duration
	queue   []*waiter // FIFO across keys, bounded per key

	// running normal-priority calls, preemptable by high priority
	preemptable map[uint64]context.CancelFunc
	nextCallID  uint64

	// rolling window for the tuner
	winCalls   int
	winErrors  int
	winLatency time.Duration

	stop chan struct{}
	once sync.Once
}

func NewGovernor(cfg GovernorConfig) *Governor {
	cfg.withDefaults()
	g := &Governor{
		cfg:         cfg,
		keys:        make(map[string]*keyState),
		cap:         cfg.ConcurrencyCap,
		timeout:     8 * time.Second,
		preemptable: make(map[uint64]context.CancelFunc),
		stop:        make(chan struct{}),
	}
	go g.tuneLoop()
	go g.sweepLoop()
	return g
}

func (g *Governor) Close() {
	g.once.Do(func() { close(g.stop) })
}

// Call runs fn under the governor's policies. Identical concurrent keys
// share one execution, repeated failures trip the breaker, and bursts are
// throttled against the result cache.
func (g *Governor) Call(ctx context.Context, key string, fn CallFunc, opts CallOptions) (any, error) {
	if opts.Throttle <= 0 {
		opts.Throttle = 150 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	g.mu.Lock()
	ks := g.keyState(key)
	ks.lastTouched = time.Now()

	// 1. Deduplication: join an execution started inside the window.
	if !opts.SkipDeduplication && ks.inflight != nil &&
		time.Since(ks.inflight.started) < g.cfg.DedupWindow {
		call := ks.inflight
		g.mu.Unlock()
		log.Printf("[governor] %s: joined in-flight call", key)
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// 2. Circuit breaker.
	if !opts.SkipCircuitBreaker {
		switch ks.breaker {
		case breakerOpen:
			if time.Since(ks.openedAt) < g.cfg.BreakerOpenFor {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, key)
			}
			ks.breaker = breakerHalfOpen
			ks.halfProbing = false
			fallthrough
		case breakerHalfOpen:
			if ks.halfProbing {
				// One probe at a time while half-open.
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: %s (probe in flight)", ErrBreakerOpen, key)
			}
			ks.halfProbing = true
		}
	}

	// 3. Throttle: a recent completion serves its cached result instead.
	if !opts.SkipThrottle {
		if ks.limiter == nil || ks.limiter.Limit() != rate.Every(opts.Throttle) {
			ks.limiter = rate.NewLimiter(rate.Every(opts.Throttle), 1)
		}
		if !ks.limiter.Allow() &&
			ks.cached != nil && time.Since(ks.cachedAt) < g.cfg.CacheFreshness {
			cached := ks.cached
			if ks.breaker == breakerHalfOpen {
				ks.halfProbing = false
			}
			g.mu.Unlock()
			log.Printf("[governor] %s: throttled, serving cached result", key)
			return cached, nil
		}
	}

	// Mark the shared execution before releasing the lock so concurrent
	// duplicates can join it while this caller waits for admission.
	call := &inflightCall{started: time.Now(), done: make(chan struct{})}
	ks.inflight = call

	// 4. Concurrency admission.
	admitErr := g.admitLocked(ctx, key, opts.Priority) // unlocks g.mu
	if admitErr != nil {
		g.mu.Lock()
		if ks.inflight == call {
			ks.inflight = nil
		}
		if ks.breaker == breakerHalfOpen {
			ks.halfProbing = false
		}
		g.mu.Unlock()
		call.err = admitErr
		close(call.done)
		return nil, admitErr
	}

	// 5. Execution with retry.
	result, err := g.execute(ctx, key, fn, opts)

	g.mu.Lock()
	g.running--
	g.wakeWaiterLocked()
	if ks.inflight == call {
		ks.inflight = nil
	}
	g.recordOutcomeLocked(ks, key, result, err)
	g.mu.Unlock()

	call.result, call.err = result, err
	close(call.done)
	return result, err
}

// keyState must be called with g.mu held.
func (g *Governor) keyState(key string) *keyState {
	ks, ok := g.keys[key]
	if !ok {
		ks = &keyState{}
		g.keys[key] = ks
	}
	return ks
}

// admitLocked takes a concurrency slot. Called with g.mu held, returns
// with g.mu released. High priority preempts a running normal call when
// the cap is reached; normal priority waits in a bounded per-key queue.
func (g *Governor) admitLocked(ctx context.Context, key string, prio Priority) error {
	if g.running < g.cap {
		g.running++
		g.mu.Unlock()
		return nil
	}

	if prio == PriorityHigh {
		// Abort one preemptable call to free its slot. The victim's slot
		// is released by its own completion path, so take ours up front.
		for id, cancel := range g.preemptable {
			delete(g.preemptable, id)
			g.running++
			g.mu.Unlock()
			log.Printf("[governor] %s: high priority preempted a running call", key)
			cancel()
			return nil
		}
		// Nothing to preempt, fall through to the queue.
	}

	// Bounded per-key queue. Overflow evicts the oldest waiter for the key.
	depth := 0
	var oldest *waiter
	for _, w := range g.queue {
		if w.key == key {
			depth++
			if oldest == nil {
				oldest = w
			}
		}
	}
	if depth >= g.cfg.QueueDepth {
		for i, w := range g.queue {
			if w == oldest {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				break
			}
		}
		oldest.ready <- ErrQueueOverflow
	}

	w := &waiter{ready: make(chan error, 1), key: key, enqueued: time.Now()}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case err := <-w.ready:
		return err // nil means a slot was granted
	case <-ctx.Done():
		g.mu.Lock()
		found := false
		for i, q := range g.queue {
			if q == w {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			// A slot was granted concurrently with the cancel, hand it back.
			select {
			case err := <-w.ready:
				if err == nil {
					g.running--
					g.wakeWaiterLocked()
				}
			default:
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// wakeWaiterLocked grants a freed slot to the oldest waiter. g.mu held.
func (g *Governor) wakeWaiterLocked() {
	if len(g.queue) == 0 || g.running >= g.cap {
		return
	}
	w := g.queue[0]
	g.queue = g.queue[1:]
	g.running++
	w.ready <- nil
}

// execute runs fn with timeout and the retry policy.
func (g *Governor) execute(ctx context.Context, key string, fn CallFunc, opts CallOptions) (any, error) {
	g.mu.Lock()
	timeout := g.timeout
	g.mu.Unlock()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryDelay(attempt)
			log.Printf("[governor] %s: retry %d/%d after %s", key, attempt, opts.MaxRetries, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)

		// Register normal-priority attempts as preemption victims.
		var callID uint64
		if opts.Priority == PriorityNormal {
			g.mu.Lock()
			g.nextCallID++
			callID = g.nextCallID
			g.preemptable[callID] = cancel
			g.mu.Unlock()
		}

		start := time.Now()
		result, err := fn(attemptCtx)
		elapsed := time.Since(start)

		if opts.Priority == PriorityNormal {
			g.mu.Lock()
			delete(g.preemptable, callID)
			g.mu.Unlock()
		}
		cancel()

		g.mu.Lock()
		g.winCalls++
		g.winLatency += elapsed
		if err != nil && !isCancellation(err) {
			g.winErrors++
		}
		g.mu.Unlock()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if isCancellation(err) && ctx.Err() != nil {
			// Caller-initiated cancel or preemption, never retried.
			return nil, err
		}
		if isCancellation(err) && attemptCtx.Err() == context.DeadlineExceeded {
			// Attempt timeout counts as transient.
			lastErr = fmt.Errorf("call timed out after %s: %w", timeout, err)
		} else if !isTransient(err) {
			return nil, err
		}
		log.Printf("[governor] %s: attempt %d failed: %v", key, attempt+1, lastErr)
	}
	return nil, lastErr
}

// recordOutcomeLocked updates cache and breaker after a finished call.
// g.mu held.
func (g *Governor) recordOutcomeLocked(ks *keyState, key string, result any, err error) {
	if err == nil {
		ks.cached = result
		ks.cachedAt = time.Now()
		if ks.breaker != breakerClosed {
			log.Printf("[governor] %s: breaker closed after successful probe", key)
		}
		ks.breaker = breakerClosed
		ks.failures = 0
		ks.halfProbing = false
		return
	}

	if isCancellation(err) || errors.Is(err, ErrQueueOverflow) {
		// Not the backend's fault, does not count toward the breaker.
		if ks.breaker == breakerHalfOpen {
			ks.halfProbing = false
		}
		return
	}

	ks.failures++
	if ks.breaker == breakerHalfOpen || ks.failures >= g.cfg.BreakerThreshold {
		ks.breaker = breakerOpen
		ks.openedAt = time.Now()
		ks.halfProbing = false
		log.Printf("[governor] %s: breaker opened after %d failures", key, ks.failures)
	}
}

// BreakerState reports the breaker for a key, for diagnostics.
func (g *Governor) BreakerState(key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ks, ok := g.keys[key]
	if !ok {
		return "closed"
	}
	switch ks.breaker {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

func (g *Governor) tuneLoop() {
	ticker := time.NewTicker(g.cfg.TuneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.tune()
		case <-g.stop:
			return
		}
	}
}

// tune adjusts the global timeout and concurrency cap from the rolling
// window, inside fixed bounds.
func (g *Governor) tune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.winCalls == 0 {
		return
	}
	avgLatency := g.winLatency / time.Duration(g.winCalls)
	errorRate := float64(g.winErrors) / float64(g.winCalls)
	g.winCalls, g.winErrors, g.winLatency = 0, 0, 0

	prevTimeout, prevCap := g.timeout, g.cap

	if avgLatency > g.timeout/2 {
		g.timeout += 2 * time.Second
	} else if avgLatency < g.timeout/8 {
		g.timeout -= 1 * time.Second
	}
	if g.timeout < minTimeout {
		g.timeout = minTimeout
	}
	if g.timeout > maxTimeout {
		g.timeout = maxTimeout
	}

	if errorRate > 0.3 {
		g.cap -= 2
	} else if errorRate < 0.05 {
		g.cap += 2
	}
	if g.cap < minCap {
		g.cap = minCap
	}
	if g.cap > maxCap {
		g.cap = maxCap
	}

	if g.timeout != prevTimeout || g.cap != prevCap {
		log.Printf("[governor] tuned: timeout %s -> %s, cap %d -> %d (avg latency %s, error rate %.2f)",
			prevTimeout, g.timeout, prevCap, g.cap, avgLatency, errorRate)
	}
}

func (g *Governor) sweepLoop() {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stop:
			return
		}
	}
}

// sweep drops per-key state untouched for a full sweep interval.
func (g *Governor) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.cfg.SweepInterval)
	removed := 0
	for key, ks := range g.keys {
		if ks.inflight == nil && ks.lastTouched.Before(cutoff) {
			delete(g.keys, key)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[governor] swept %d idle keys, %d remain", removed, len(g.keys))
	}
}

// retryDelay grows exponentially from the base with jitter, never past
// the cap.
func retryDelay(attempt int) time.Duration {
	backoff := retryBackoffBase << (attempt - 1)
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	return backoff
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isTransient classifies errors worth retrying: network failures,
// timeouts, 5xx and 429.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
