// Package groups implements media-group (album) coalescing. Chat transports
// deliver the photos of one album as individual items in a short burst; this
// package buffers them per group key and emits a single ordered batch per
// album, so downstream dispatch and user-facing replies happen once per
// album rather than once per photo.
//
// Timing model: each group keeps an idle timer that is reset on every
// arrival and a hard-cap timer that is armed once at creation and never
// reset. The group flushes on whichever fires first, or immediately when it
// reaches the configured maximum batch size. Both timers come from the
// runtime's monotonic clock; transport timestamps are never consulted.
//
// Concurrency model: per-group state is guarded by a per-group mutex, and
// the group registry by its own mutex. Arrivals for the same group key
// serialize on the group lock; arrivals for different groups never contend
// beyond the brief registry lookup. There is no global lock around
// buffering or flushing.
package groups

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/metrics"
)

// FlushFunc receives the coalesced batch when a group closes. Implementations
// own the items from this point on; the aggregator drops every reference to
// them before calling.
type FlushFunc func(batch domain.Batch)

// group is the ephemeral buffering state for one album. Items stay in
// arrival order; seen dedupes re-delivered item ids within the buffering
// window. done flips exactly once, when the group is handed to the flush
// callback.
type group struct {
	mu        sync.Mutex
	userID    string
	groupKey  string
	items     []domain.InboundItem
	seen      map[string]struct{}
	firstSeen time.Time
	idle      *time.Timer
	hard      *time.Timer
	done      bool
}

// Aggregator buffers grouped items and passes singletons straight through.
// It is safe for concurrent use.
type Aggregator struct {
	cfg   config.GroupConfig
	flush FlushFunc

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

// New constructs an Aggregator that emits closed groups to flush.
func New(cfg config.GroupConfig, flush FlushFunc) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		flush:  flush,
		groups: make(map[string]*group),
	}
}

// Ingest accepts one inbound item.
//
// Items without a group key are singletons: they are returned immediately
// as a one-item batch and never buffered, so the caller can dispatch them
// synchronously. Grouped items are buffered (returning nil); their batch is
// eventually delivered through the flush callback.
func (a *Aggregator) Ingest(item domain.InboundItem) *domain.Batch {
	if item.GroupKey == "" {
		return &domain.Batch{UserID: item.UserID, Items: []domain.InboundItem{item}}
	}

	// Group keys are scoped per user: two users uploading albums with the
	// same transport key must never coalesce.
	key := item.UserID + "|" + item.GroupKey

	for {
		g := a.lookupOrCreate(key, item)
		if g == nil {
			// Closed aggregator: degrade to pass-through so shutdown never
			// drops an item.
			return &domain.Batch{UserID: item.UserID, GroupKey: item.GroupKey, Items: []domain.InboundItem{item}}
		}

		g.mu.Lock()
		if g.done {
			// The group flushed between lookup and lock; start a new one.
			g.mu.Unlock()
			continue
		}
		if _, dup := g.seen[item.ItemID]; dup {
			g.mu.Unlock()
			log.Debug().
				Str("group_key", item.GroupKey).
				Str("item_id", item.ItemID).
				Msg("duplicate item within buffering window dropped")
			return nil
		}
		g.seen[item.ItemID] = struct{}{}
		g.items = append(g.items, item)
		full := len(g.items) >= a.cfg.MaxBatch
		if !full {
			g.idle.Reset(a.cfg.IdleWindow)
		}
		g.mu.Unlock()

		if full {
			a.flushGroup(key, g, "size")
		}
		return nil
	}
}

// lookupOrCreate returns the live group for key, creating it (and arming
// its timers) on first sight. Returns nil when the aggregator is closed.
func (a *Aggregator) lookupOrCreate(key string, item domain.InboundItem) *group {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if g, ok := a.groups[key]; ok {
		return g
	}
	g := &group{
		userID:    item.UserID,
		groupKey:  item.GroupKey,
		seen:      make(map[string]struct{}),
		firstSeen: time.Now(),
	}
	g.idle = time.AfterFunc(a.cfg.IdleWindow, func() { a.flushGroup(key, g, "idle") })
	g.hard = time.AfterFunc(a.cfg.HardCap, func() { a.flushGroup(key, g, "hard-cap") })
	a.groups[key] = g
	return g
}

// flushGroup closes g exactly once and hands its items to the flush
// callback. The registry entry is removed first so a concurrent arrival for
// the same album starts a fresh group instead of appending to a closed one.
func (a *Aggregator) flushGroup(key string, g *group, reason string) {
	a.mu.Lock()
	if a.groups[key] == g {
		delete(a.groups, key)
	}
	a.mu.Unlock()

	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	g.idle.Stop()
	g.hard.Stop()
	items := g.items
	buffered := time.Since(g.firstSeen)
	g.mu.Unlock()

	// A group is created on arrival of its first item, so a flush always
	// carries at least one item.
	metrics.GroupFlushes.WithLabelValues(reason).Inc()
	metrics.GroupBatchSize.Observe(float64(len(items)))

	log.Info().
		Str("group_key", g.groupKey).
		Str("user_id", g.userID).
		Str("reason", reason).
		Int("items", len(items)).
		Dur("buffered", buffered).
		Msg("media group flushed")

	a.flush(domain.Batch{UserID: g.userID, GroupKey: g.groupKey, Items: items})
}

// Close flushes every buffered group and stops accepting new ones. Items
// ingested after Close degrade to singleton pass-through.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	pending := make(map[string]*group, len(a.groups))
	for k, g := range a.groups {
		pending[k] = g
	}
	a.mu.Unlock()

	for k, g := range pending {
		a.flushGroup(k, g, "shutdown")
	}
}

// Len reports the number of groups currently buffering. Intended for tests
// and introspection endpoints.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
