package client

import (
	"context"
	"strings"
	"sync"
	"time"
)

/*
|--------------------------------------------------------------------------
| Search debouncer
|--------------------------------------------------------------------------
|
| Keystroke-driven searches wait out a quiet period before firing; a
| newer query for the same search key supersedes the pending one. Fired
| results are cached per lower-cased query for a short TTL.
*/

const (
	defaultMinQueryLen   = 2
	defaultDebounce      = 300 * time.Millisecond
	searchCacheTTL       = 5 * time.Minute
	searchHistoryEntries = 100
)

// SearchFunc performs the actual lookup once the debounce fires.
type SearchFunc func(ctx context.Context, query string) (any, error)

// SearchOptions tune one search call.
type SearchOptions struct {
	MinLength int           // default 2
	Debounce  time.Duration // default 300ms

	// OnEmpty fires immediately when the query is shorter than MinLength.
	OnEmpty func()
	// OnResult fires with the outcome after the debounce window.
	// Superseded calls never fire it.
	OnResult func(result any, err error)
}

// SearchRecord is one line of per-key usage history.
type SearchRecord struct {
	Query    string
	At       time.Time
	CacheHit bool
}

type pendingSearch struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

type searchCacheEntry struct {
	result   any
	cachedAt time.Time
}

type searchKeyState struct {
	pending *pendingSearch
	cache   map[string]searchCacheEntry // lower-cased query -> result
	history []SearchRecord              // most recent last, capped
}

type SearchDebouncer struct {
	mu   sync.Mutex
	keys map[string]*searchKeyState
}

func NewSearchDebouncer() *SearchDebouncer {
	return &SearchDebouncer{keys: make(map[string]*searchKeyState)}
}

// Search schedules fn after the debounce window. A newer call for the
// same searchKey cancels the pending one. Queries shorter than the
// minimum length short-circuit to OnEmpty.
func (d *SearchDebouncer) Search(searchKey, query string, fn SearchFunc, opts SearchOptions) {
	if opts.MinLength <= 0 {
		opts.MinLength = defaultMinQueryLen
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	query = strings.TrimSpace(query)
	if len([]rune(query)) < opts.MinLength {
		if opts.OnEmpty != nil {
			opts.OnEmpty()
		}
		return
	}

	d.mu.Lock()
	ks := d.keys[searchKey]
	if ks == nil {
		ks = &searchKeyState{cache: make(map[string]searchCacheEntry)}
		d.keys[searchKey] = ks
	}

	// Supersede whatever is still waiting.
	if ks.pending != nil {
		ks.pending.timer.Stop()
		ks.pending.cancel()
		ks.pending = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	pending := &pendingSearch{cancel: cancel}
	ks.pending = pending

	pending.timer = time.AfterFunc(opts.Debounce, func() {
		d.fire(ctx, searchKey, query, pending, fn, opts)
	})
	d.mu.Unlock()
}

func (d *SearchDebouncer) fire(ctx context.Context, searchKey, query string, pending *pendingSearch, fn SearchFunc, opts SearchOptions) {
	cacheKey := strings.ToLower(query)

	d.mu.Lock()
	ks := d.keys[searchKey]
	if ks == nil || ks.pending != pending {
		// Superseded between timer fire and lock acquisition.
		d.mu.Unlock()
		return
	}
	ks.pending = nil

	if entry, ok := ks.cache[cacheKey]; ok && time.Since(entry.cachedAt) < searchCacheTTL {
		d.recordLocked(ks, query, true)
		result := entry.result
		d.mu.Unlock()
		if opts.OnResult != nil {
			opts.OnResult(result, nil)
		}
		return
	}
	d.recordLocked(ks, query, false)
	d.mu.Unlock()

	result, err := fn(ctx, query)
	if ctx.Err() != nil {
		// Cancelled mid-flight by a newer query, stay silent.
		return
	}

	if err == nil {
		d.mu.Lock()
		ks.cache[cacheKey] = searchCacheEntry{result: result, cachedAt: time.Now()}
		d.mu.Unlock()
	}

	if opts.OnResult != nil {
		opts.OnResult(result, err)
	}
}

func (d *SearchDebouncer) recordLocked(ks *searchKeyState, query string, hit bool) {
	ks.history = append(ks.history, SearchRecord{Query: query, At: time.Now(), CacheHit: hit})
	if len(ks.history) > searchHistoryEntries {
		ks.history = ks.history[len(ks.history)-searchHistoryEntries:]
	}
}

// History returns a copy of the recent queries for a search key.
func (d *SearchDebouncer) History(searchKey string) []SearchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	ks := d.keys[searchKey]
	if ks == nil {
		return nil
	}
	out := make([]SearchRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CancelAll stops every pending search, for teardown.
func (d *SearchDebouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ks := range d.keys {
		if ks.pending != nil {
			ks.pending.timer.Stop()
			ks.pending.cancel()
			ks.pending = nil
		}
	}
}
