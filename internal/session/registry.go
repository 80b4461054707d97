// Package session tracks connected browser-tab workers and routes new
// completion requests to them. The registry and the conversation-affinity
// map are the only state shared across requests; both live behind one mutex.
package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Worker is a snapshot of one connected browser tab.
type Worker struct {
	TabID         string
	ClientID      string
	Fresh         bool
	LastSeen      time.Time
	Conversations []string
}

type workerState struct {
	tabID         string
	clientID      string
	fresh         bool
	lastSeen      time.Time
	conversations map[string]struct{}
}

// EvictFunc is invoked (outside the registry lock) for each worker removed
// by Evict or EvictStale, so in-flight requests bound to it can be failed.
type EvictFunc func(tabID string)

// Registry holds per-worker state plus the last-write-wins conversation
// affinity map. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	workers  map[string]*workerState
	affinity map[string]string // conversation id -> tab id

	timeout time.Duration
	onEvict EvictFunc
	logger  *log.Logger
}

// NewRegistry creates a registry evicting workers whose last heartbeat
// predates timeout.
func NewRegistry(timeout time.Duration, logger *log.Logger) *Registry {
	return &Registry{
		workers:  make(map[string]*workerState),
		affinity: make(map[string]string),
		timeout:  timeout,
		logger:   logger,
	}
}

// SetEvictFunc installs the eviction cascade hook. Must be called before
// traffic starts.
func (r *Registry) SetEvictFunc(fn EvictFunc) { r.onEvict = fn }

// Register adds a worker session for the given tab. A re-register of a live
// tab resets it to fresh (the tab reloaded its conversation page).
func (r *Registry) Register(tabID, clientID string) {
	r.mu.Lock()
	r.workers[tabID] = &workerState{
		tabID:         tabID,
		clientID:      clientID,
		fresh:         true,
		lastSeen:      time.Now(),
		conversations: make(map[string]struct{}),
	}
	total := len(r.workers)
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Printf("session: worker registered tab=%s client=%s total=%d", tabID, clientID, total)
	}
}

// Touch refreshes the worker's heartbeat. Unknown tabs are ignored.
func (r *Registry) Touch(tabID string) {
	r.mu.Lock()
	if w, ok := r.workers[tabID]; ok {
		w.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// SetActive records that the tab now owns the given conversation. The fresh
// flag flips off and never flips back automatically; affinity is
// last-write-wins.
func (r *Registry) SetActive(tabID, convID string) {
	r.mu.Lock()
	w, ok := r.workers[tabID]
	if ok {
		w.lastSeen = time.Now()
		w.fresh = false
		if convID != "" {
			w.conversations[convID] = struct{}{}
			r.affinity[convID] = tabID
		}
	}
	r.mu.Unlock()
	if !ok && r.logger != nil {
		r.logger.Printf("session: set_active for unknown tab=%s conv=%s", tabID, convID)
	}
}

// Evict removes one worker and its affinity entries, then runs the eviction
// cascade. Evicting an unknown tab is a no-op.
func (r *Registry) Evict(tabID string) {
	r.mu.Lock()
	_, ok := r.workers[tabID]
	if ok {
		r.removeLocked(tabID)
	}
	r.mu.Unlock()
	if ok {
		if r.logger != nil {
			r.logger.Printf("session: worker evicted tab=%s", tabID)
		}
		if r.onEvict != nil {
			r.onEvict(tabID)
		}
	}
}

// EvictStale removes every worker whose last heartbeat predates the timeout
// relative to now. Idempotent: a second call at the same instant evicts
// nothing further.
func (r *Registry) EvictStale(now time.Time) []string {
	cutoff := now.Add(-r.timeout)
	r.mu.Lock()
	var stale []string
	for tabID, w := range r.workers {
		if w.lastSeen.Before(cutoff) {
			stale = append(stale, tabID)
		}
	}
	for _, tabID := range stale {
		r.removeLocked(tabID)
	}
	r.mu.Unlock()

	sort.Strings(stale)
	for _, tabID := range stale {
		if r.logger != nil {
			r.logger.Printf("session: stale worker evicted tab=%s timeout=%s", tabID, r.timeout)
		}
		if r.onEvict != nil {
			r.onEvict(tabID)
		}
	}
	return stale
}

func (r *Registry) removeLocked(tabID string) {
	delete(r.workers, tabID)
	for convID, owner := range r.affinity {
		if owner == tabID {
			delete(r.affinity, convID)
		}
	}
}

// Select picks the worker that should service a new completion request:
// the affinity owner of preferredConvID when live, else the first fresh
// worker, else any connected worker, else none.
func (r *Registry) Select(preferredConvID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferredConvID != "" {
		if tabID, ok := r.affinity[preferredConvID]; ok {
			if _, live := r.workers[tabID]; live {
				return tabID, true
			}
		}
	}

	tabIDs := make([]string, 0, len(r.workers))
	for tabID := range r.workers {
		tabIDs = append(tabIDs, tabID)
	}
	sort.Strings(tabIDs)

	for _, tabID := range tabIDs {
		if r.workers[tabID].fresh {
			return tabID, true
		}
	}
	if len(tabIDs) > 0 {
		return tabIDs[0], true
	}
	return "", false
}

// Len reports the number of connected workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Snapshot returns a copy of all worker sessions for diagnostics.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		convs := make([]string, 0, len(w.conversations))
		for c := range w.conversations {
			convs = append(convs, c)
		}
		sort.Strings(convs)
		out = append(out, Worker{
			TabID:         w.tabID,
			ClientID:      w.clientID,
			Fresh:         w.fresh,
			LastSeen:      w.lastSeen,
			Conversations: convs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// RunSweeper evicts stale workers on a fixed interval until ctx is done.
// The sweep runs independently of request traffic.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictStale(now)
		}
	}
}
