package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGovernor(t *testing.T, cfg GovernorConfig) *Governor {
	t.Helper()
	g := NewGovernor(cfg)
	t.Cleanup(g.Close)
	return g
}

func TestDedupSharesOneInvocation(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var invocations int32
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(100 * time.Millisecond)
		return "shared", nil
	}

	const callers = 5
	results := make([]any, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Call(context.Background(), "patients:list", fn, CallOptions{})
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("expected exactly 1 invocation, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Fatalf("caller %d: expected shared result, got %v", i, results[i])
		}
	}
}

func TestBreakerOpensAfterThresholdAndProbes(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{
		BreakerThreshold: 2,
		BreakerOpenFor:   80 * time.Millisecond,
	})

	var invocations int32
	var failing atomic.Bool
	failing.Store(true)

	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		if failing.Load() {
			return nil, &APIError{StatusCode: 400, Message: "bad request"}
		}
		return "ok", nil
	}

	opts := CallOptions{SkipThrottle: true}

	// Two consecutive failures reach the threshold.
	for i := 0; i < 2; i++ {
		if _, err := g.Call(context.Background(), "doctors:list", fn, opts); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if got := g.BreakerState("doctors:list"); got != "open" {
		t.Fatalf("expected breaker open, got %s", got)
	}

	// While open, calls fail fast without touching fn.
	before := atomic.LoadInt32(&invocations)
	_, err := g.Call(context.Background(), "doctors:list", fn, opts)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if got := atomic.LoadInt32(&invocations); got != before {
		t.Fatalf("breaker-open call invoked fn (%d -> %d)", before, got)
	}

	// After the open window a single probe goes through; success closes it.
	time.Sleep(100 * time.Millisecond)
	failing.Store(false)

	result, err := g.Call(context.Background(), "doctors:list", fn, opts)
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if result != "ok" {
		t.Fatalf("probe call: expected ok, got %v", result)
	}
	if got := g.BreakerState("doctors:list"); got != "closed" {
		t.Fatalf("expected breaker closed after probe, got %s", got)
	}
}

func TestThrottleServesCachedResult(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var invocations int32
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		return "fresh", nil
	}

	first, err := g.Call(context.Background(), "queue:list:", fn, CallOptions{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Immediately again: inside the throttle window, served from cache.
	second, err := g.Call(context.Background(), "queue:list:", fn, CallOptions{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("expected 1 invocation, got %d", got)
	}
	if first != second {
		t.Fatalf("expected cached result %v, got %v", first, second)
	}
}

func TestHighPriorityPreemptsNormal(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{ConcurrencyCap: 1})

	normalStarted := make(chan struct{})
	normalDone := make(chan error, 1)

	go func() {
		_, err := g.Call(context.Background(), "slow", func(ctx context.Context) (any, error) {
			close(normalStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}, CallOptions{SkipThrottle: true})
		normalDone <- err
	}()

	<-normalStarted

	// The cap is full; a high-priority call must abort the normal one.
	result, err := g.Call(context.Background(), "urgent", func(ctx context.Context) (any, error) {
		return "done", nil
	}, CallOptions{Priority: PriorityHigh, SkipThrottle: true})
	if err != nil {
		t.Fatalf("high priority call failed: %v", err)
	}
	if result != "done" {
		t.Fatalf("expected done, got %v", result)
	}

	select {
	case err := <-normalDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected preempted call to be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("preempted call never returned")
	}
}

func TestRetryOnTransientError(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var invocations int32
	fn := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&invocations, 1) == 1 {
			return nil, &APIError{StatusCode: 503, Message: "unavailable"}
		}
		return "recovered", nil
	}

	result, err := g.Call(context.Background(), "flaky", fn,
		CallOptions{MaxRetries: 1, SkipThrottle: true})
	if err != nil {
		t.Fatalf("expected retried success, got %v", err)
	}
	if result != "recovered" {
		t.Fatalf("expected recovered, got %v", result)
	}
	if got := atomic.LoadInt32(&invocations); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestAdmissionQueueEvictsOldestWaiter(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{ConcurrencyCap: 1, QueueDepth: 2})

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		g.Call(context.Background(), "blocker", func(ctx context.Context) (any, error) {
			close(blockerStarted)
			<-release
			return "held", nil
		}, CallOptions{SkipThrottle: true})
	}()
	<-blockerStarted

	waitDepth := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			g.mu.Lock()
			depth := 0
			for _, w := range g.queue {
				if w.key == "work" {
					depth++
				}
			}
			g.mu.Unlock()
			if depth == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("queue depth for work never reached %d", want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	opts := CallOptions{SkipThrottle: true, SkipDeduplication: true}
	fn := func(ctx context.Context) (any, error) { return "ok", nil }

	waiterErrs := make([]chan error, 3)
	for i := range waiterErrs {
		waiterErrs[i] = make(chan error, 1)
	}
	start := func(i int) {
		go func() {
			_, err := g.Call(context.Background(), "work", fn, opts)
			waiterErrs[i] <- err
		}()
	}

	start(0)
	waitDepth(1)
	start(1)
	waitDepth(2)

	// The queue is full for this key; the next caller evicts the oldest.
	start(2)

	select {
	case err := <-waiterErrs[0]:
		if !errors.Is(err, ErrQueueOverflow) {
			t.Fatalf("oldest waiter: expected ErrQueueOverflow, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oldest waiter was never evicted")
	}

	close(release)
	<-blockerDone

	for i := 1; i <= 2; i++ {
		select {
		case err := <-waiterErrs[i]:
			if err != nil {
				t.Fatalf("waiter %d: expected success once capacity freed, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never ran after capacity freed", i)
		}
	}
}

func TestNoRetriesMakesSingleAttempt(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var invocations int32
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, &APIError{StatusCode: 503, Message: "unavailable"}
	}

	_, err := g.Call(context.Background(), "one-shot", fn,
		CallOptions{MaxRetries: NoRetries, SkipThrottle: true})
	if err == nil {
		t.Fatal("expected the failure to surface")
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

func TestRetryDelayNeverExceedsCap(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			if d := retryDelay(attempt); d > retryBackoffCap {
				t.Fatalf("attempt %d: delay %s exceeds cap %s", attempt, d, retryBackoffCap)
			}
		}
	}
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var invocations int32
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, &APIError{StatusCode: 404, Message: "not found"}
	}

	_, err := g.Call(context.Background(), "missing", fn,
		CallOptions{MaxRetries: 3, SkipThrottle: true})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", got)
	}
}
