// Package cache is the bounded-TTL per-resource read cache. It guarantees
// single-flight loading per resource path, coalesces writes that land while a
// load is in flight, and exposes its lifecycle as an event stream so the
// engine can tie channel subscriptions to entry lifetime.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/openbrook/crudcast/internal/events"
	"github.com/openbrook/crudcast/internal/model"
)

// Event names emitted by the cache.
const (
	EventHit    = "hit"
	EventMiss   = "miss"
	EventSet    = "set"
	EventUpdate = "update"
	EventExpire = "expire"
	EventClear  = "clear"
)

// EventData is the payload of every cache event.
type EventData struct {
	Query    model.Query
	Resource model.Resource
}

// Provider loads a resource on a cache miss. It cannot be aborted once
// launched; waiters that give up detach without cancelling it.
type Provider func(ctx context.Context) (model.Resource, error)

type passResult struct {
	resource model.Resource
	err      error
}

type entry struct {
	resource model.Resource
	pending  bool
	cleared  bool
	patch    map[string]any
	timer    *time.Timer
	waiters  []chan passResult
	query    model.Query
}

// Cache is owned by a single engine instance. One mutex guards the map; all
// work around it is I/O bound so contention is negligible.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	duration time.Duration
	disabled bool
	emitter  *events.Emitter

	// onRelease runs when an entry leaves the cache (expire or clear), on
	// the timer goroutine for expiry and on the caller's goroutine for
	// Clear. The engine uses it to drop the resource
	// channel subscription. Direct callback rather than an event stream so
	// it cannot be dropped under load.
	onRelease func(q model.Query)
}

// Options configures a Cache.
type Options struct {
	Duration time.Duration
	Disabled bool
}

func New(opts Options) *Cache {
	d := opts.Duration
	if d <= 0 {
		d = model.DefaultCacheDuration
	}
	return &Cache{
		entries:  map[string]*entry{},
		duration: d,
		disabled: opts.Disabled,
		emitter:  events.NewEmitter(),
	}
}

// Listener exposes the named event stream.
func (c *Cache) Listener(name string) <-chan events.Event {
	return c.emitter.Listener(name)
}

// SetReleaseHandler installs the entry-release callback. Must be called
// before the cache is used.
func (c *Cache) SetReleaseHandler(fn func(q model.Query)) {
	c.mu.Lock()
	c.onRelease = fn
	c.mu.Unlock()
}

// Pass is the idempotent read path. Concurrent calls for the same resource
// path share a single provider invocation and resolve with the same value.
func (c *Cache) Pass(ctx context.Context, query model.Query, provider Provider) (model.Resource, error) {
	path := query.ResourcePath()
	if c.disabled || path == "" {
		return provider(ctx)
	}

	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		if !e.pending {
			c.resetTimerLocked(path, e)
			res := e.resource
			c.mu.Unlock()
			c.emitter.Emit(EventHit, EventData{Query: query, Resource: res})
			return res, nil
		}
		waiter := make(chan passResult, 1)
		e.waiters = append(e.waiters, waiter)
		c.mu.Unlock()
		return c.await(ctx, waiter)
	}

	e := &entry{pending: true, patch: map[string]any{}, query: query}
	waiter := make(chan passResult, 1)
	e.waiters = append(e.waiters, waiter)
	c.entries[path] = e
	c.mu.Unlock()

	c.emitter.Emit(EventMiss, EventData{Query: query})

	go c.load(query, path, provider)
	return c.await(ctx, waiter)
}

func (c *Cache) await(ctx context.Context, waiter chan passResult) (model.Resource, error) {
	select {
	case res := <-waiter:
		return res.resource, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs the provider off the caller's goroutine so every waiter,
// including the one that launched it, observes an identical completion.
func (c *Cache) load(query model.Query, path string, provider Provider) {
	resource, err := provider(context.Background())

	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok || !e.pending {
		// Entry was cleared and re-created concurrently; deliver to nobody.
		c.mu.Unlock()
		return
	}
	waiters := e.waiters
	e.waiters = nil

	if err != nil {
		delete(c.entries, path)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- passResult{err: err}
		}
		return
	}

	// Writes that raced the load win field-by-field over the loaded copy.
	if len(e.patch) > 0 {
		if resource == nil {
			resource = model.Resource{}
		} else {
			resource = resource.Clone()
		}
		for k, v := range e.patch {
			resource[k] = v
		}
	}

	if e.cleared {
		delete(c.entries, path)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- passResult{resource: resource}
		}
		return
	}

	e.resource = resource
	e.pending = false
	e.patch = map[string]any{}
	c.resetTimerLocked(path, e)
	c.mu.Unlock()

	c.emitter.Emit(EventSet, EventData{Query: query, Resource: resource})
	for _, w := range waiters {
		w <- passResult{resource: resource}
	}
}

// Update reconciles a write into the cache: onto the patch overlay while a
// load is pending, directly onto the resident copy otherwise. Queries with a
// single field carry it in Field/Value; whole-value updates carry an object.
func (c *Cache) Update(query model.Query) {
	path := query.ResourcePath()
	if c.disabled || path == "" {
		return
	}
	fields := updateFields(query)
	if len(fields) == 0 {
		return
	}

	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.pending {
		for k, v := range fields {
			e.patch[k] = v
		}
		c.mu.Unlock()
		c.emitter.Emit(EventUpdate, EventData{Query: query})
		return
	}
	res := e.resource.Clone()
	if res == nil {
		res = model.Resource{}
	}
	for k, v := range fields {
		res[k] = v
	}
	e.resource = res
	c.mu.Unlock()
	c.emitter.Emit(EventUpdate, EventData{Query: query, Resource: res})
}

func updateFields(query model.Query) map[string]any {
	if query.Field != "" {
		return map[string]any{query.Field: query.Value}
	}
	switch v := query.Value.(type) {
	case map[string]any:
		return v
	case model.Resource:
		return v
	}
	return nil
}

// Clear drops the entry in response to a detected upstream change. A pending
// entry is marked so the in-flight load resolves its waiters but stores
// nothing. The release callback runs in both cases.
func (c *Cache) Clear(query model.Query) {
	path := query.ResourcePath()
	if path == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.pending {
		e.cleared = true
		onRelease := c.onRelease
		c.mu.Unlock()
		c.emitter.Emit(EventClear, EventData{Query: query})
		if onRelease != nil {
			onRelease(e.query)
		}
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.entries, path)
	onRelease := c.onRelease
	c.mu.Unlock()
	c.emitter.Emit(EventClear, EventData{Query: query, Resource: e.resource})
	if onRelease != nil {
		onRelease(e.query)
	}
}

// Has reports whether a non-pending entry is resident. Test hook.
func (c *Cache) Has(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	return ok && !e.pending
}

// Close stops all timers and the event stream.
func (c *Cache) Close() {
	c.mu.Lock()
	for path, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, path)
	}
	c.mu.Unlock()
	c.emitter.Close()
}

// resetTimerLocked installs (or re-arms) the single-shot expiry for an
// entry. Any overwrite cancels the previous timer.
func (c *Cache) resetTimerLocked(path string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(c.duration, func() {
		c.expire(path)
	})
}

func (c *Cache) expire(path string) {
	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok || e.pending {
		c.mu.Unlock()
		return
	}
	delete(c.entries, path)
	onRelease := c.onRelease
	c.mu.Unlock()
	c.emitter.Emit(EventExpire, EventData{Query: e.query, Resource: e.resource})
	if onRelease != nil {
		onRelease(e.query)
	}
}
